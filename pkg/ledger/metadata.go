package ledger

import (
	"encoding/json"
	"maps"
	"time"
)

// Well-known metadata keys.
const (
	MetaNeedsRefinement    = "needs_refinement"
	MetaAttempt            = "attempt"
	MetaFirstAttemptAt     = "first_attempt_at"
	MetaLockReason         = "lock_reason"
	MetaLockedAt           = "locked_at"
	MetaOriginalText       = "original_text"
	MetaComplete           = "complete"
	MetaCombined           = "combined"
	MetaConfidenceSource   = "confidence_source"
	MetaRefinementError    = "refinement_error"
	MetaCorrectionsApplied = "corrections_applied"
	MetaSupersedes         = "supersedes"
)

// Metadata is free-form per-row bookkeeping. Values survive a JSON round trip
// through the SQL backends, so the typed accessors accept both native Go
// values and their decoded JSON forms.
type Metadata map[string]any

// Clone returns a shallow copy of m. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// With returns a copy of m with key set to v.
func (m Metadata) With(key string, v any) Metadata {
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	switch t := v.(type) {
	case time.Time:
		out[key] = t.UTC().Format(time.RFC3339Nano)
	default:
		out[key] = v
	}
	return out
}

// Int returns the integer stored under key.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Int64 returns the 64-bit integer stored under key.
func (m Metadata) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean stored under key.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// String returns the string stored under key.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Time returns the RFC 3339 timestamp stored under key.
func (m Metadata) Time(key string) (time.Time, bool) {
	switch v := m[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}
