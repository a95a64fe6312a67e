package ledger

import (
	"strings"
	"time"
)

// Phase is the pipeline stage that produced a refined segment.
type Phase int

const (
	// PhaseGrouped is a diarization-only group: member texts joined verbatim.
	PhaseGrouped Phase = 0

	// PhaseRefined is the output of an LLM consolidation attempt.
	PhaseRefined Phase = 1

	// PhaseCorrected is a correction of an already-locked segment.
	PhaseCorrected Phase = 2
)

// String implements [fmt.Stringer].
func (p Phase) String() string {
	switch p {
	case PhaseGrouped:
		return "grouped"
	case PhaseRefined:
		return "refined"
	case PhaseCorrected:
		return "corrected"
	default:
		return "unknown"
	}
}

// Session is one continuous conversation stream.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// Speaker is a participant identity. Speakers are immutable once created.
type Speaker struct {
	ID int64

	// ExternalID is the identifier assigned by the upstream transcriber.
	ExternalID string

	Name   string
	IsUser bool

	CreatedAt time.Time
}

// Key returns the identity used to deduplicate speakers.
func (s Speaker) Key() string {
	if s.ExternalID != "" {
		return s.ExternalID
	}
	return s.Name
}

// RawSegment is one atomic transcribed utterance. Raw segments are read-only
// to the refinement pipeline.
type RawSegment struct {
	ID          int64
	SessionID   string
	SpeakerID   int64
	SpeakerName string
	Text        string

	// Start and End are offsets in seconds from the start of the session.
	Start float64
	End   float64

	// ReceivedAt is when the segment was ingested.
	ReceivedAt time.Time
}

// RefinedSegment is a cleaned, speaker-attributed span derived from one or
// more raw segments.
type RefinedSegment struct {
	ID int64

	// GroupID is the id of the phase-0 row this segment descends from. Every
	// row derived from the same diarization group shares it; a phase-0 row's
	// GroupID equals its own ID.
	GroupID int64

	SessionID   string
	SpeakerID   int64
	SpeakerName string
	Text        string
	Start       float64
	End         float64

	// Confidence is in [0, 1].
	Confidence float64

	// SourceIDs are the consumed raw segment ids in chronological order.
	SourceIDs []int64

	Phase  Phase
	Locked bool

	Metadata Metadata

	CreatedAt time.Time
}

// Clone returns a deep copy of s.
func (s RefinedSegment) Clone() RefinedSegment {
	out := s
	out.SourceIDs = append([]int64(nil), s.SourceIDs...)
	out.Metadata = s.Metadata.Clone()
	return out
}

// UsageRecord binds a raw segment to the refined segment that consumed it.
type UsageRecord struct {
	RawSegmentID     int64
	RefinedSegmentID int64
	CreatedAt        time.Time
}

// JoinText concatenates member texts with single spaces, skipping blanks.
func JoinText(segs []RawSegment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Span returns the min start and max end over segs.
func Span(segs []RawSegment) (start, end float64) {
	for i, s := range segs {
		if i == 0 || s.Start < start {
			start = s.Start
		}
		if i == 0 || s.End > end {
			end = s.End
		}
	}
	return start, end
}
