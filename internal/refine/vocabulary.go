package refine

import (
	"slices"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultVocabPhoneticThreshold = 0.80
	defaultVocabFuzzyThreshold    = 0.90

	// minSnapLen is the shortest span, in bytes, the vocabulary will replace.
	minSnapLen = 4
)

// Substitution records one span the vocabulary replaced.
type Substitution struct {
	Original    string
	Replacement string
	Score       float64
}

// VocabularyOption is a functional option for configuring a [Vocabulary].
type VocabularyOption func(*Vocabulary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a span whose
// Double Metaphone code matches a term. Default: 0.80.
func WithPhoneticThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) {
		v.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a span that does
// not sound like any term. Default: 0.90.
func WithFuzzyThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) {
		v.fuzzyThreshold = threshold
	}
}

// Vocabulary snaps misrecognised spellings of known proper nouns back to
// their canonical form. The term list can be swapped at runtime with
// [Vocabulary.Set]; all methods are safe for concurrent use.
//
// A span of one or more words is a candidate for a term when its Double
// Metaphone code (spaces removed) equals one of the term's codes and its
// Jaro-Winkler similarity clears the phonetic threshold, or when the
// similarity alone clears the higher fuzzy threshold. A phonetic match may
// span one word more than the term, so "elder nacks" can become "Eldrinax";
// a fuzzy match must have the term's word count. Longer spans are tried first.
type Vocabulary struct {
	terms             atomic.Pointer[[]string]
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewVocabulary returns a [Vocabulary] holding terms.
func NewVocabulary(terms []string, opts ...VocabularyOption) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: defaultVocabPhoneticThreshold,
		fuzzyThreshold:    defaultVocabFuzzyThreshold,
	}
	for _, o := range opts {
		o(v)
	}
	v.Set(terms)
	return v
}

// Set replaces the term list. Blank entries are dropped.
func (v *Vocabulary) Set(terms []string) {
	clean := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	v.terms.Store(&clean)
}

// Terms returns a copy of the current term list.
func (v *Vocabulary) Terms() []string {
	if v == nil {
		return nil
	}
	p := v.terms.Load()
	if p == nil {
		return nil
	}
	return slices.Clone(*p)
}

// Snap returns text with every recognised span replaced by its term,
// preserving surrounding punctuation, and the substitutions it made.
func (v *Vocabulary) Snap(text string) (string, []Substitution) {
	terms := v.Terms()
	if len(terms) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	maxWords := 1
	for _, t := range terms {
		maxWords = max(maxWords, len(strings.Fields(t))+1)
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	var subs []Substitution
	for i := 0; i < len(words); {
		consumed := 0
		for n := min(maxWords, len(words)-i); n >= 1; n-- {
			prefix, core, suffix := splitSpan(words[i : i+n])
			if len(core) < minSnapLen {
				continue
			}
			term, score, ok := v.match(core, n, terms)
			if !ok {
				continue
			}
			if strings.EqualFold(core, term) {
				out = append(out, words[i:i+n]...)
			} else {
				out = append(out, prefix+term+suffix)
				subs = append(subs, Substitution{Original: core, Replacement: term, Score: score})
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, words[i])
			consumed = 1
		}
		i += consumed
	}
	if len(subs) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), subs
}

// match finds the best term for a span of n words.
func (v *Vocabulary) match(span string, n int, terms []string) (string, float64, bool) {
	spanLower := strings.ToLower(span)
	spanFlat := strings.ReplaceAll(spanLower, " ", "")
	spanCodes := metaphoneCodes(spanFlat)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, term := range terms {
		termTokens := strings.Fields(term)
		if n > len(termTokens)+1 {
			continue
		}
		termLower := strings.ToLower(term)
		termFlat := strings.Join(strings.Fields(termLower), "")
		if !similarLength(spanFlat, termFlat) {
			continue
		}

		score := max(
			matchr.JaroWinkler(spanLower, termLower, false),
			matchr.JaroWinkler(spanFlat, termFlat, false),
		)
		phonetic := codesIntersect(spanCodes, metaphoneCodes(termFlat))

		switch {
		case phonetic && score >= v.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = term, score, true
			}
		case !bestPhonetic && n == len(termTokens) && score >= v.fuzzyThreshold && score > bestScore:
			best, bestScore = term, score
		}
	}
	return best, bestScore, best != ""
}

// similarLength rejects spans much longer or shorter than the term, which
// would otherwise ride on a shared prefix.
func similarLength(a, b string) bool {
	diff := len(a) - len(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= max(2, len(b)/4)
}

func metaphoneCodes(s string) []string {
	p, a := matchr.DoubleMetaphone(s)
	codes := make([]string, 0, 2)
	if p != "" {
		codes = append(codes, p)
	}
	if a != "" && a != p {
		codes = append(codes, a)
	}
	return codes
}

func codesIntersect(a, b []string) bool {
	for _, c := range a {
		if slices.Contains(b, c) {
			return true
		}
	}
	return false
}

// splitSpan joins words and separates the leading punctuation of the first
// word and the trailing punctuation of the last from the spoken core.
func splitSpan(words []string) (prefix, core, suffix string) {
	joined := strings.Join(words, " ")
	start := strings.IndexFunc(joined, isWordRune)
	if start == -1 {
		return joined, "", ""
	}
	end := strings.LastIndexFunc(joined, isWordRune)
	// end is the byte offset of the last word rune; include its full width.
	for end+1 < len(joined) && !isRuneStart(joined[end+1]) {
		end++
	}
	return joined[:start], joined[start : end+1], joined[end+1:]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
