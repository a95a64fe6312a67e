// Package scheduler drives the refinement pipeline.
//
// Every sweep the [Scheduler] discovers the sessions with work, then for each
// one groups new raw segments, refines the closed and still unlocked groups
// and runs the correction pass. Sessions with work are read from the ledger,
// so groups left unlocked survive a restart. Sessions are processed
// concurrently up to a worker limit; a failing session is logged and retried
// on the next sweep without affecting the others. After the sessions, idle
// groups are flushed and refined right away, and sessions where a flushed
// group locked get another correction pass.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/thalamus/internal/diarize"
	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/internal/refine"
	"github.com/MrWong99/thalamus/pkg/ledger"
)

const (
	defaultInterval     = time.Second
	defaultErrorBackoff = 5 * time.Second
	defaultWorkers      = 4
)

// Stages reported with session errors.
const (
	StageGroup   = "group"
	StageRefine  = "refine"
	StageCorrect = "correct"
	StageFlush   = "flush"
)

// Ledger is the slice of [ledger.Ledger] the [Scheduler] reads and writes.
type Ledger interface {
	ListActiveSessions(ctx context.Context) ([]string, error)
	ListRefinableSessions(ctx context.Context) ([]string, error)
	ListRefinableSegments(ctx context.Context, sessionID string) ([]ledger.RefinedSegment, error)
	WriteRefinedSegment(ctx context.Context, seg ledger.RefinedSegment) (int64, error)
}

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithInterval sets the pause between sweeps. Default: 1s.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithErrorBackoff sets the pause after a sweep that failed as a whole.
// Default: 5s.
func WithErrorBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.errorBackoff = d
		}
	}
}

// WithWorkers caps how many sessions are processed concurrently. Default: 4.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithCorrector enables the correction pass after refinement.
func WithCorrector(c *refine.Corrector) Option {
	return func(s *Scheduler) {
		s.corrector = c
	}
}

// WithClock sets the time source for retry bookkeeping and idle flushing.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithMetrics sets the instruments sweeps are recorded in. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler runs sweeps over all sessions with pending work.
type Scheduler struct {
	ledger    Ledger
	grouper   *diarize.Grouper
	engine    *refine.Engine
	corrector *refine.Corrector

	interval     time.Duration
	errorBackoff time.Duration
	workers      int
	now          func() time.Time
	metrics      *observe.Metrics

	// sweepMu keeps sweeps from overlapping.
	sweepMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]struct{}

	startOnce sync.Once
	done      chan struct{}
}

// New returns a [Scheduler] that groups with g and refines with e, reading
// and writing through l.
func New(l Ledger, g *diarize.Grouper, e *refine.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		ledger:       l,
		grouper:      g,
		engine:       e,
		interval:     defaultInterval,
		errorBackoff: defaultErrorBackoff,
		workers:      defaultWorkers,
		now:          time.Now,
		pending:      make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Start runs the sweep loop in a background goroutine until ctx is
// cancelled. Calling Start more than once has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Wait blocks until the loop started by [Scheduler.Start] has returned.
func (s *Scheduler) Wait() {
	<-s.done
}

// Run is [Scheduler.Start] followed by [Scheduler.Wait]. It returns nil once
// ctx is cancelled, which makes it fit an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	s.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	log := observe.Logger(ctx)
	log.Info("scheduler: started",
		slog.Duration("interval", s.interval),
		slog.Int("workers", s.workers),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopped")
			return
		case <-timer.C:
		}

		wait := s.interval
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler: sweep failed, backing off",
				slog.Any("err", err),
				slog.Duration("backoff", s.errorBackoff),
			)
			wait = s.errorBackoff
		}
		timer.Reset(wait)
	}
}

// RunOnce performs a single sweep. It returns an error only when the sweep
// failed as a whole; per-session failures are logged, counted and retried on
// the next sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (err error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "scheduler.sweep")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: sweep panicked: %v", r)
		}
		s.metrics.RecordSweep(ctx, time.Since(start))
	}()

	sessions, err := s.sessions(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, sessionID := range sessions {
		g.Go(func() error {
			s.runSession(gctx, sessionID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.flush(ctx)
	return nil
}

// sessions returns the sessions with unconsumed raw segments, with a group
// that is not locked yet, with an open group, or left pending by an earlier
// sweep.
func (s *Scheduler) sessions(ctx context.Context) ([]string, error) {
	active, err := s.ledger.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list active sessions: %w", err)
	}
	refinable, err := s.ledger.ListRefinableSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list refinable sessions: %w", err)
	}
	set := make(map[string]struct{}, len(active)+len(refinable))
	for _, id := range slices.Concat(active, refinable) {
		set[id] = struct{}{}
	}
	for _, id := range s.grouper.States().Sessions() {
		set[id] = struct{}{}
	}
	s.pendingMu.Lock()
	maps.Copy(set, s.pending)
	s.pendingMu.Unlock()

	return slices.Sorted(maps.Keys(set)), nil
}

// runSession does the work of one session. A panic is confined to the
// session.
func (s *Scheduler) runSession(ctx context.Context, sessionID string) {
	log := observe.SessionLogger(ctx, sessionID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduler: session panicked", slog.Any("panic", r))
			s.metrics.RecordSessionError(ctx, "panic")
			s.markPending(sessionID, true)
		}
	}()

	stage, err := s.processSession(ctx, sessionID)
	if err == nil {
		return
	}
	if ctx.Err() == nil {
		log.Error("scheduler: session failed", slog.String("stage", stage), slog.Any("err", err))
		s.metrics.RecordSessionError(ctx, stage)
	}
	s.markPending(sessionID, true)
}

// processSession groups, refines and corrects one session. It returns the
// stage that failed.
func (s *Scheduler) processSession(ctx context.Context, sessionID string) (string, error) {
	closed, err := s.grouper.Process(ctx, sessionID)
	if err != nil {
		return StageGroup, err
	}

	unlocked, err := s.refineSession(ctx, sessionID, closed)
	if err != nil {
		return StageRefine, err
	}
	s.markPending(sessionID, unlocked > 0)

	if s.corrector != nil {
		if err := s.correct(ctx, sessionID); err != nil {
			return StageCorrect, err
		}
	}
	return "", nil
}

// refineSession refines closed together with every other refinable group of
// the session, in start order. It returns how many groups are still unlocked.
func (s *Scheduler) refineSession(ctx context.Context, sessionID string, closed []ledger.RefinedSegment) (int, error) {
	refinable, err := s.ledger.ListRefinableSegments(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list refinable: %w", err)
	}

	byGroup := make(map[int64]ledger.RefinedSegment, len(closed)+len(refinable))
	for _, seg := range closed {
		byGroup[seg.GroupID] = seg
	}
	// The ledger's view is authoritative for groups it already knows.
	for _, seg := range refinable {
		byGroup[seg.GroupID] = seg
	}
	work := slices.SortedFunc(maps.Values(byGroup), func(a, b ledger.RefinedSegment) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.GroupID, b.GroupID))
	})

	unlocked := 0
	for _, seg := range work {
		locked, err := s.refineOne(ctx, seg)
		if err != nil {
			return 0, err
		}
		if !locked {
			unlocked++
		}
	}
	return unlocked, nil
}

// refineOne runs one refinement attempt on seg and persists the result. A
// group that another writer locked first counts as locked.
func (s *Scheduler) refineOne(ctx context.Context, seg ledger.RefinedSegment) (bool, error) {
	attempt, first := refine.NextAttempt(seg, s.now())
	out, err := s.engine.Refine(ctx, seg, attempt, first)
	switch {
	case errors.Is(err, refine.ErrLocked):
		return true, nil
	case err != nil:
		return false, err
	}
	_, err = s.ledger.WriteRefinedSegment(ctx, out)
	switch {
	case errors.Is(err, ledger.ErrAlreadyLocked):
		observe.SessionLogger(ctx, seg.SessionID).Debug("scheduler: group locked by another writer",
			slog.Int64("group_id", seg.GroupID),
		)
		return true, nil
	case err != nil:
		return false, fmt.Errorf("scheduler: write refined group %d: %w", seg.GroupID, err)
	}
	return out.Locked, nil
}

// flush closes idle groups, refines them immediately and corrects the
// sessions where one of them locked.
func (s *Scheduler) flush(ctx context.Context) {
	log := observe.Logger(ctx)
	flushed, err := s.grouper.FlushIdle(ctx, s.now())
	if err != nil {
		log.Error("scheduler: idle flush failed", slog.Any("err", err))
		s.metrics.RecordSessionError(ctx, StageFlush)
	}
	lockedIn := make(map[string]struct{})
	for _, seg := range flushed {
		locked, err := s.refineOne(ctx, seg)
		if err != nil {
			observe.SessionLogger(ctx, seg.SessionID).Error("scheduler: refining flushed group failed",
				slog.Int64("group_id", seg.GroupID),
				slog.Any("err", err),
			)
			s.metrics.RecordSessionError(ctx, StageRefine)
		}
		// Only ever set here: other groups of the session may still be
		// unlocked.
		if err != nil || !locked {
			s.markPending(seg.SessionID, true)
			continue
		}
		lockedIn[seg.SessionID] = struct{}{}
	}

	if s.corrector == nil {
		return
	}
	for _, sessionID := range slices.Sorted(maps.Keys(lockedIn)) {
		if err := s.correct(ctx, sessionID); err != nil {
			observe.SessionLogger(ctx, sessionID).Error("scheduler: correcting after flush failed", slog.Any("err", err))
			s.metrics.RecordSessionError(ctx, StageCorrect)
			s.markPending(sessionID, true)
		}
	}
}

// correct runs the correction pass on sessionID under its session lock.
func (s *Scheduler) correct(ctx context.Context, sessionID string) error {
	unlock := s.grouper.States().Lock(sessionID)
	defer unlock()
	_, err := s.corrector.Run(ctx, sessionID)
	return err
}

func (s *Scheduler) markPending(sessionID string, pending bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if pending {
		s.pending[sessionID] = struct{}{}
	} else {
		delete(s.pending, sessionID)
	}
}

// Pending returns the sessions that the last sweeps left failed or with
// unlocked groups, sorted. They are revisited even when the ledger shows no
// work for them.
func (s *Scheduler) Pending() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return slices.Sorted(maps.Keys(s.pending))
}

// AuditOnStart runs the ledger integrity audit and returns an error wrapping
// [ledger.ErrInvariantViolation] when it finds a raw segment consumed twice.
func AuditOnStart(ctx context.Context, src ledger.Inspector) error {
	report, err := ledger.Audit(ctx, src)
	if err != nil {
		return fmt.Errorf("scheduler: audit: %w", err)
	}
	if !report.OK() {
		return fmt.Errorf("scheduler: audit: %w", report.Err())
	}
	observe.Logger(ctx).Info("scheduler: ledger audit passed")
	return nil
}
