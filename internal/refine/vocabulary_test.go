package refine_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/thalamus/internal/refine"
)

func TestVocabulary_Snap(t *testing.T) {
	t.Parallel()

	v := refine.NewVocabulary([]string{"Eldrinax", "Tower of Whispers", "  "})

	tests := []struct {
		name     string
		input    string
		want     string
		wantSubs int
	}{
		{"misspelled single word", "The wizard eldrinacks awaits.", "The wizard Eldrinax awaits.", 1},
		{"keeps trailing punctuation", "Where is eldrinacks?", "Where is Eldrinax?", 1},
		{"canonical spelling untouched", "Eldrinax awaits.", "Eldrinax awaits.", 0},
		{"ordinary words untouched", "We should proceed with the plan.", "We should proceed with the plan.", 0},
		{"empty", "", "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, subs := v.Snap(tc.input)
			if got != tc.want {
				t.Errorf("Snap(%q) = %q, want %q", tc.input, got, tc.want)
			}
			if len(subs) != tc.wantSubs {
				t.Errorf("substitutions = %+v, want %d", subs, tc.wantSubs)
			}
		})
	}
}

func TestVocabulary_NoTerms(t *testing.T) {
	t.Parallel()

	v := refine.NewVocabulary(nil)
	in := "eldrinacks awaits"
	if got, subs := v.Snap(in); got != in || subs != nil {
		t.Errorf("Snap with no terms = %q, %v", got, subs)
	}

	var nilVocab *refine.Vocabulary
	if terms := nilVocab.Terms(); terms != nil {
		t.Errorf("nil vocabulary terms = %v", terms)
	}
}

func TestVocabulary_SetIsConcurrent(t *testing.T) {
	t.Parallel()

	v := refine.NewVocabulary([]string{"Eldrinax"})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				v.Set([]string{"Eldrinax", "Mirelda"})
				return
			}
			v.Snap("eldrinacks awaits")
		}()
	}
	wg.Wait()

	if got := v.Terms(); len(got) != 2 {
		t.Errorf("Terms = %v, want 2 entries", got)
	}
}
