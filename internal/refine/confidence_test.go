package refine_test

import (
	"math"
	"testing"

	"github.com/MrWong99/thalamus/internal/refine"
)

func TestHeuristicConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		sources int
		want    float64
	}{
		{"complete sentence two sources", "I think we should proceed.", 2, 0.7 + 2.0/3*0.2 + 0.05},
		{"fragment one source", "I think", 1, 0.3 + 1.0/3*0.2 + 0.02},
		{"question saturates sources", "Are you sure?", 5, 0.7 + 0.2 + 0.03},
		{"ellipsis counts as terminal", "well...", 1, 0.7 + 1.0/3*0.2 + 0.01},
		{"trailing whitespace ignored", "Agreed.  ", 1, 0.7 + 1.0/3*0.2 + 0.01},
		{"long complete text clamps to one", "one two three four five six seven eight nine ten eleven!", 3, 1},
		{"empty text", "", 0, 0.3},
		{"negative count treated as zero", "Fine.", -2, 0.7 + 0.01},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := refine.HeuristicConfidence(tc.text, tc.sources)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("HeuristicConfidence(%q, %d) = %v, want %v", tc.text, tc.sources, got, tc.want)
			}
			if got < 0 || got > 1 {
				t.Errorf("confidence %v outside [0,1]", got)
			}
		})
	}
}

func TestHeuristicConfidence_Pure(t *testing.T) {
	t.Parallel()

	a := refine.HeuristicConfidence("Same input.", 2)
	b := refine.HeuristicConfidence("Same input.", 2)
	if a != b {
		t.Errorf("repeated calls differ: %v vs %v", a, b)
	}
}
