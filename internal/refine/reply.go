package refine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Optional holds a value that a model reply may or may not have carried.
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some returns a valid Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Valid: true}
}

// Or returns the held value, or def when o is not valid.
func (o Optional[T]) Or(def T) T {
	if o.Valid {
		return o.Value
	}
	return def
}

// Reply is a model answer decoded field by field. Any field may be missing;
// callers substitute their own defaults.
type Reply struct {
	Text       Optional[string]
	Confidence Optional[float64]
	Complete   Optional[bool]
	Combined   Optional[bool]

	// Bare is the trimmed reply when it carried no recognisable field at all.
	Bare string
}

// Structured reports whether at least one field was recognised.
func (r Reply) Structured() bool {
	return r.Text.Valid || r.Confidence.Valid || r.Complete.Valid || r.Combined.Valid
}

type field int

const (
	fieldNone field = iota
	fieldText
	fieldConfidence
	fieldComplete
	fieldCombined
)

// fieldNames maps accepted keys (lower case, separators normalised to '_') to
// reply fields. Both the line-prefixed and the JSON form use it.
var fieldNames = map[string]field{
	"refined":        fieldText,
	"refined_text":   fieldText,
	"text":           fieldText,
	"corrected":      fieldText,
	"corrected_text": fieldText,
	"confidence":     fieldConfidence,
	"complete":       fieldComplete,
	"is_complete":    fieldComplete,
	"completeness":   fieldComplete,
	"combined":       fieldCombined,
	"is_combined":    fieldCombined,
}

// ParseReply decodes a model reply. It accepts a JSON object, optionally
// wrapped in a markdown fence or surrounded by prose, and the line-prefixed
// form
//
//	REFINED: <text>
//	CONFIDENCE: <0.0-1.0>
//	COMPLETE: <yes|no>
//	COMBINED: <yes|no>
//
// Unknown keys are ignored and malformed values leave their field invalid.
// Continuation lines after REFINED belong to the refined text. ParseReply
// never fails; a reply with no recognisable field is returned in Bare.
func ParseReply(content string) Reply {
	content = strings.TrimSpace(content)
	if content == "" {
		return Reply{}
	}

	if r, ok := parseJSONReply(content); ok && r.Structured() {
		return r
	}
	if r := parseLineReply(content); r.Structured() {
		return r
	}
	return Reply{Bare: stripMarkdown(content)}
}

func parseJSONReply(content string) (Reply, bool) {
	raw := extractJSON(stripMarkdown(content))
	if raw == "" {
		return Reply{}, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Reply{}, false
	}

	var r Reply
	for k, v := range obj {
		switch fieldNames[normaliseKey(k)] {
		case fieldText:
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				r.Text = Some(strings.TrimSpace(s))
			}
		case fieldConfidence:
			switch t := v.(type) {
			case float64:
				r.Confidence = normaliseConfidence(t, false)
			case string:
				r.Confidence = parseConfidence(t)
			}
		case fieldComplete:
			r.Complete = anyBool(v)
		case fieldCombined:
			r.Combined = anyBool(v)
		}
	}
	return r, true
}

func parseLineReply(content string) Reply {
	var (
		r    Reply
		text []string
		cur  field
	)
	for line := range strings.SplitSeq(content, "\n") {
		trimmed := strings.TrimSpace(line)
		key, value, found := strings.Cut(trimmed, ":")
		f := fieldNone
		if found {
			f = fieldNames[normaliseKey(key)]
		}
		if f == fieldNone {
			if cur == fieldText && trimmed != "" && !isFence(trimmed) {
				text = append(text, trimmed)
			}
			continue
		}

		cur = f
		value = strings.TrimSpace(value)
		switch f {
		case fieldText:
			text = text[:0]
			if value != "" {
				text = append(text, value)
			}
		case fieldConfidence:
			r.Confidence = parseConfidence(value)
		case fieldComplete:
			r.Complete = parseBool(value)
		case fieldCombined:
			r.Combined = parseBool(value)
		}
	}
	if joined := strings.TrimSpace(strings.Join(text, " ")); joined != "" {
		r.Text = Some(joined)
	}
	return r
}

// normaliseKey lower-cases k, strips markdown emphasis and quotes, and turns
// spaces and dashes into underscores.
func normaliseKey(k string) string {
	k = strings.Trim(strings.TrimSpace(k), "*#_\"'` ")
	k = strings.ToLower(k)
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

func parseConfidence(s string) Optional[float64] {
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Optional[float64]{}
	}
	return normaliseConfidence(v, percent)
}

// normaliseConfidence maps v into [0, 1]. It is read as a percentage when it
// carried a % sign or is at least 2; a value just above 1 is clamped. NaN
// and infinities yield no confidence.
func normaliseConfidence(v float64, percent bool) Optional[float64] {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Optional[float64]{}
	}
	if percent || v >= 2 {
		v /= 100
	}
	return Some(clamp01(v))
}

func parseBool(s string) Optional[bool] {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(s), ".*\"'")) {
	case "yes", "y", "true", "1", "complete":
		return Some(true)
	case "no", "n", "false", "0", "incomplete":
		return Some(false)
	default:
		return Optional[bool]{}
	}
}

func anyBool(v any) Optional[bool] {
	switch t := v.(type) {
	case bool:
		return Some(t)
	case string:
		return parseBool(t)
	case float64:
		return Some(t != 0)
	default:
		return Optional[bool]{}
	}
}

// stripMarkdown removes a surrounding markdown code fence.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx != -1 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isFence(line string) bool {
	return strings.HasPrefix(line, "```")
}

// extractJSON returns the span from the first '{' to the last '}' in s, or ""
// when s holds no such span.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
