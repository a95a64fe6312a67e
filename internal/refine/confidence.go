package refine

import (
	"math"
	"strings"
)

// HeuristicConfidence scores text without consulting a language model. Text
// that ends like a finished sentence starts from 0.7, anything else from 0.3.
// Up to 0.2 is added for the number of raw segments the text was built from
// (saturating at three) and up to 0.1 for its word count (saturating at ten).
// The result is clamped to [0, 1].
func HeuristicConfidence(text string, sourceCount int) float64 {
	trimmed := strings.TrimSpace(text)

	base := 0.3
	if EndsSentence(trimmed) {
		base = 0.7
	}
	segF := clamp01(float64(sourceCount) / 3)
	lenF := clamp01(float64(len(strings.Fields(trimmed))) / 10)

	return clamp01(base + segF*0.2 + lenF*0.1)
}

// EndsSentence reports whether text ends with terminal punctuation. An
// ellipsis counts.
func EndsSentence(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasSuffix(text, ".") ||
		strings.HasSuffix(text, "!") ||
		strings.HasSuffix(text, "?") ||
		strings.HasSuffix(text, "…")
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
