// Package diarize groups consecutive raw segments of one speaker into
// turns.
//
// Every poll the [Grouper] reads the unconsumed raw segments of a session in
// start order and extends the open group while the speaker stays the same.
// A speaker change closes the group; a group that receives nothing new for
// the idle timeout is flushed by [Grouper.FlushIdle]. Closing writes one
// phase-0 row and claims its raw segments in a single ledger transaction, so
// a raw segment can never end up in two groups, even across processes.
//
// Open groups live only in memory. After a restart their segments are still
// unconsumed and are simply grouped again.
package diarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/internal/refine"
	"github.com/MrWong99/thalamus/pkg/ledger"
)

const defaultIdleTimeout = 120 * time.Second

// Close causes recorded under [MetaCloseCause] and in metrics.
const (
	CauseSpeakerChange = "speaker_change"
	CauseIdle          = "idle"
)

// MetaCloseCause records why a group was closed.
const MetaCloseCause = "close_cause"

// GroupLedger is the slice of [ledger.Ledger] the [Grouper] needs.
type GroupLedger interface {
	ListUnconsumedRawSegments(ctx context.Context, sessionID string) ([]ledger.RawSegment, error)
	CloseGroup(ctx context.Context, seg ledger.RefinedSegment) (int64, error)
}

// Option is a functional option for configuring a [Grouper].
type Option func(*Grouper)

// WithIdleTimeout sets how long an open group may go without new segments
// before [Grouper.FlushIdle] closes it. Default: 120s.
func WithIdleTimeout(d time.Duration) Option {
	return func(g *Grouper) {
		if d > 0 {
			g.idleTimeout = d
		}
	}
}

// WithClock sets the time source used to stamp group activity.
func WithClock(now func() time.Time) Option {
	return func(g *Grouper) {
		g.now = now
	}
}

// WithMetrics sets the instruments group activity is recorded in. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Grouper) {
		g.metrics = m
	}
}

// Grouper turns raw segments into closed speaker groups. It is safe for
// concurrent use; calls for the same session are serialised.
type Grouper struct {
	ledger      GroupLedger
	states      *StateStore
	idleTimeout time.Duration
	now         func() time.Time
	metrics     *observe.Metrics
}

// New returns a [Grouper] reading from and closing groups into l.
func New(l GroupLedger, opts ...Option) *Grouper {
	g := &Grouper{
		ledger:      l,
		idleTimeout: defaultIdleTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.states == nil {
		g.states = NewStateStore()
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// States returns the store holding the open groups.
func (g *Grouper) States() *StateStore {
	return g.states
}

// IdleTimeout returns the configured idle timeout.
func (g *Grouper) IdleTimeout() time.Duration {
	return g.idleTimeout
}

// Process reads the unconsumed raw segments of sessionID and advances its
// open group. It returns the groups closed by speaker changes, already
// written to the ledger.
//
// When a close fails the open group is kept and the error returned, so the
// same close is retried on the next call. When the ledger reports the
// segments as already consumed, another worker closed them first and the
// group is dropped.
func (g *Grouper) Process(ctx context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	unlock := g.states.Lock(sessionID)
	defer unlock()

	raws, err := g.ledger.ListUnconsumedRawSegments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("diarize: list unconsumed: %w", err)
	}

	st := g.states.get(sessionID)
	now := g.now()
	var closed []ledger.RefinedSegment
	added := false
	defer func() {
		if st != nil && added {
			st.LastReceived = now
		}
		g.states.put(sessionID, st)
	}()

	for _, raw := range raws {
		if st != nil && st.has(raw.ID) {
			continue
		}
		if st != nil && raw.SpeakerID != st.SpeakerID {
			seg, err := g.close(ctx, sessionID, st, CauseSpeakerChange)
			switch {
			case errors.Is(err, ledger.ErrAlreadyConsumed):
				g.dropped(ctx, sessionID, st, err)
			case err != nil:
				return closed, err
			default:
				closed = append(closed, seg)
			}
			st = nil
		}
		if st == nil {
			st = newState(raw.SpeakerID)
			g.metrics.OpenGroups.Add(ctx, 1)
		}
		st.add(raw)
		added = true
	}
	return closed, nil
}

// FlushIdle closes every open group that has received nothing for at least
// the idle timeout as of now and returns the closed groups. Sessions are
// flushed independently; failures are joined into the returned error and
// their groups stay open for the next flush.
func (g *Grouper) FlushIdle(ctx context.Context, now time.Time) ([]ledger.RefinedSegment, error) {
	var (
		flushed []ledger.RefinedSegment
		errs    []error
	)
	for _, sessionID := range g.states.Sessions() {
		seg, ok, err := g.flush(ctx, sessionID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			flushed = append(flushed, seg)
		}
	}
	return flushed, errors.Join(errs...)
}

func (g *Grouper) flush(ctx context.Context, sessionID string, now time.Time) (ledger.RefinedSegment, bool, error) {
	unlock := g.states.Lock(sessionID)
	defer unlock()

	st := g.states.get(sessionID)
	if st == nil || len(st.Group) == 0 || now.Sub(st.LastReceived) < g.idleTimeout {
		return ledger.RefinedSegment{}, false, nil
	}

	seg, err := g.close(ctx, sessionID, st, CauseIdle)
	switch {
	case errors.Is(err, ledger.ErrAlreadyConsumed):
		g.dropped(ctx, sessionID, st, err)
		g.states.put(sessionID, nil)
		return ledger.RefinedSegment{}, false, nil
	case err != nil:
		return ledger.RefinedSegment{}, false, err
	}
	g.states.put(sessionID, nil)
	return seg, true, nil
}

// close writes st as a phase-0 row.
func (g *Grouper) close(ctx context.Context, sessionID string, st *State, cause string) (ledger.RefinedSegment, error) {
	start, end := ledger.Span(st.Group)
	text := ledger.JoinText(st.Group)
	ids := st.SourceIDs()

	seg := ledger.RefinedSegment{
		SessionID:   sessionID,
		SpeakerID:   st.SpeakerID,
		SpeakerName: st.Group[0].SpeakerName,
		Text:        text,
		Start:       start,
		End:         end,
		Confidence:  refine.HeuristicConfidence(text, len(ids)),
		SourceIDs:   ids,
		Phase:       ledger.PhaseGrouped,
		Metadata: ledger.Metadata{
			ledger.MetaNeedsRefinement: true,
			MetaCloseCause:             cause,
		},
		CreatedAt: g.now(),
	}

	id, err := g.ledger.CloseGroup(ctx, seg)
	if err != nil {
		return ledger.RefinedSegment{}, fmt.Errorf("diarize: close group: %w", err)
	}
	seg.ID, seg.GroupID = id, id

	g.metrics.OpenGroups.Add(ctx, -1)
	g.metrics.RecordGroupClosed(ctx, cause)
	observe.SessionLogger(ctx, sessionID).Debug("diarize: group closed",
		slog.Int64("group_id", id),
		slog.Int64("speaker_id", st.SpeakerID),
		slog.Int("segments", len(ids)),
		slog.String("cause", cause),
	)
	return seg, nil
}

func (g *Grouper) dropped(ctx context.Context, sessionID string, st *State, err error) {
	g.metrics.OpenGroups.Add(ctx, -1)
	observe.SessionLogger(ctx, sessionID).Warn("diarize: group already consumed elsewhere, dropping",
		slog.Any("source_ids", st.SourceIDs()),
		slog.Any("err", err),
	)
}
