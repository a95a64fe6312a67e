package refine

import (
	"time"

	"github.com/MrWong99/thalamus/pkg/ledger"
)

// LockReason names the rule that locked a segment.
type LockReason string

const (
	ReasonHighConfidence LockReason = "high_confidence_complete"
	ReasonMaxAttempts    LockReason = "max_attempts"
	ReasonTimeElapsed    LockReason = "time_elapsed"
)

// LockPolicy holds the thresholds of the lock rules.
type LockPolicy struct {
	// ConfidenceThreshold is the minimum confidence at which a complete
	// segment locks. Default: 0.8.
	ConfidenceThreshold float64

	// MaxAttempts is the attempt number at which a segment locks regardless
	// of confidence. Default: 3.
	MaxAttempts int

	// MaxElapsed is the time since the first refinement attempt after which a
	// segment locks regardless of confidence. Default: 5m.
	MaxElapsed time.Duration
}

// DefaultLockPolicy returns the standard thresholds.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		ConfidenceThreshold: 0.8,
		MaxAttempts:         3,
		MaxElapsed:          300 * time.Second,
	}
}

// LockInput is everything a lock decision depends on.
type LockInput struct {
	Confidence    float64
	Complete      bool
	Attempt       int
	FirstAttempt  time.Time
	Now           time.Time
	AlreadyLocked bool
}

// LockDecision is the outcome of [LockPolicy.Decide]. Reason is empty when
// the segment stays unlocked or was locked before.
type LockDecision struct {
	Locked bool
	Reason LockReason
}

// Decide applies the lock rules in order: a confident complete segment locks,
// then a segment that has used up its attempts, then one whose first attempt
// is older than MaxElapsed. A locked segment never unlocks.
func (p LockPolicy) Decide(in LockInput) LockDecision {
	switch {
	case in.AlreadyLocked:
		return LockDecision{Locked: true}
	case in.Confidence >= p.ConfidenceThreshold && in.Complete:
		return LockDecision{Locked: true, Reason: ReasonHighConfidence}
	case p.MaxAttempts > 0 && in.Attempt >= p.MaxAttempts:
		return LockDecision{Locked: true, Reason: ReasonMaxAttempts}
	case !in.FirstAttempt.IsZero() && in.Now.Sub(in.FirstAttempt) >= p.MaxElapsed:
		return LockDecision{Locked: true, Reason: ReasonTimeElapsed}
	default:
		return LockDecision{}
	}
}

// State is the lifecycle position of a refined segment.
type State string

const (
	StateDraft          State = "draft"
	StateScoredUnlocked State = "scored-unlocked"
	StateLocked         State = "locked"
)

// StateOf returns the lifecycle state of seg. Locked rows of any phase are
// locked; unlocked phase-0 rows are drafts.
func StateOf(seg ledger.RefinedSegment) State {
	switch {
	case seg.Locked:
		return StateLocked
	case seg.Phase == ledger.PhaseGrouped:
		return StateDraft
	default:
		return StateScoredUnlocked
	}
}

// NextAttempt returns the attempt number and first-attempt time for the next
// refinement of seg. A phase-0 draft starts at attempt one at now; a phase-1
// row carries its bookkeeping forward.
func NextAttempt(seg ledger.RefinedSegment, now time.Time) (attempt int, firstAttempt time.Time) {
	if seg.Phase == ledger.PhaseGrouped {
		return 1, now
	}
	prev, ok := seg.Metadata.Int(ledger.MetaAttempt)
	if !ok || prev < 1 {
		prev = 1
	}
	first, ok := seg.Metadata.Time(ledger.MetaFirstAttemptAt)
	if !ok {
		first = seg.CreatedAt
	}
	if first.IsZero() {
		first = now
	}
	return prev + 1, first
}
