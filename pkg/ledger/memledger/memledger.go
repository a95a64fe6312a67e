// Package memledger provides a thread-safe, in-memory [ledger.Store].
//
// It keeps the same transactional guarantees as the SQL backends (a group
// close either writes its refined row and every usage record or nothing) and
// is used by tests and by the "memory" ledger driver.
package memledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/thalamus/pkg/ledger"
)

// Compile-time assertion that Ledger satisfies the Store interface.
var _ ledger.Store = (*Ledger)(nil)

// Ledger is an in-memory [ledger.Store]. Create one with [New].
type Ledger struct {
	mu sync.RWMutex

	sessions     map[string]ledger.Session
	speakers     map[string]ledger.Speaker
	speakersByID map[int64]ledger.Speaker
	raws         []ledger.RawSegment
	refined      []ledger.RefinedSegment
	usage        map[int64]ledger.UsageRecord

	nextSpeaker int64
	nextRaw     int64
	nextRefined int64

	failures map[string]error
	now      func() time.Time
}

// Option configures a [Ledger].
type Option func(*Ledger)

// WithClock overrides the clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns an empty [Ledger].
func New(opts ...Option) *Ledger {
	l := &Ledger{
		sessions:     make(map[string]ledger.Session),
		speakers:     make(map[string]ledger.Speaker),
		speakersByID: make(map[int64]ledger.Speaker),
		usage:        make(map[int64]ledger.UsageRecord),
		failures:     make(map[string]error),
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// FailNext makes the next call to op return err wrapped in a
// [ledger.StorageError]. op is the ledger method name, e.g. "CloseGroup".
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = err
}

// injected must be called with l.mu held for writing.
func (l *Ledger) injected(op string) error {
	err, ok := l.failures[op]
	if !ok {
		return nil
	}
	delete(l.failures, op)
	return &ledger.StorageError{Op: op, Err: err}
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion
// ─────────────────────────────────────────────────────────────────────────────

// EnsureSession implements [ledger.Ingester].
func (l *Ledger) EnsureSession(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("EnsureSession"); err != nil {
		return err
	}
	if _, ok := l.sessions[sessionID]; !ok {
		l.sessions[sessionID] = ledger.Session{ID: sessionID, CreatedAt: l.now()}
	}
	return nil
}

// EnsureSpeaker implements [ledger.Ingester].
func (l *Ledger) EnsureSpeaker(_ context.Context, sp ledger.Speaker) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("EnsureSpeaker"); err != nil {
		return 0, err
	}
	if existing, ok := l.speakers[sp.Key()]; ok {
		return existing.ID, nil
	}
	l.nextSpeaker++
	sp.ID = l.nextSpeaker
	sp.CreatedAt = l.now()
	l.speakers[sp.Key()] = sp
	l.speakersByID[sp.ID] = sp
	return sp.ID, nil
}

// InsertRawSegment implements [ledger.Ingester].
func (l *Ledger) InsertRawSegment(_ context.Context, seg ledger.RawSegment) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("InsertRawSegment"); err != nil {
		return 0, err
	}
	if _, ok := l.sessions[seg.SessionID]; !ok {
		l.sessions[seg.SessionID] = ledger.Session{ID: seg.SessionID, CreatedAt: l.now()}
	}
	if sp, ok := l.speakersByID[seg.SpeakerID]; ok && seg.SpeakerName == "" {
		seg.SpeakerName = sp.Name
	}
	if seg.ReceivedAt.IsZero() {
		seg.ReceivedAt = l.now()
	}
	l.nextRaw++
	seg.ID = l.nextRaw
	l.raws = append(l.raws, seg)
	return seg.ID, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline operations
// ─────────────────────────────────────────────────────────────────────────────

// ListUnconsumedRawSegments implements [ledger.Ledger].
func (l *Ledger) ListUnconsumedRawSegments(_ context.Context, sessionID string) ([]ledger.RawSegment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ListUnconsumedRawSegments"); err != nil {
		return nil, err
	}

	out := []ledger.RawSegment{}
	for _, r := range l.raws {
		if r.SessionID != sessionID {
			continue
		}
		if _, used := l.usage[r.ID]; used {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b ledger.RawSegment) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// CloseGroup implements [ledger.Ledger].
func (l *Ledger) CloseGroup(_ context.Context, seg ledger.RefinedSegment) (int64, error) {
	if seg.Phase != ledger.PhaseGrouped {
		return 0, fmt.Errorf("memledger: close group: phase %s is not a group close", seg.Phase)
	}
	if len(seg.SourceIDs) == 0 {
		return 0, fmt.Errorf("memledger: close group: no source segments")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("CloseGroup"); err != nil {
		return 0, err
	}
	if err := l.checkUnused(seg.SourceIDs); err != nil {
		return 0, err
	}

	l.nextRefined++
	seg = seg.Clone()
	seg.ID = l.nextRefined
	seg.GroupID = seg.ID
	seg.CreatedAt = l.now()
	l.refined = append(l.refined, seg)
	l.bind(seg.SourceIDs, seg.ID)
	return seg.ID, nil
}

// WriteRefinedSegment implements [ledger.Ledger].
func (l *Ledger) WriteRefinedSegment(_ context.Context, seg ledger.RefinedSegment) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("WriteRefinedSegment"); err != nil {
		return 0, err
	}
	if !l.hasGroup(seg.GroupID) {
		return 0, fmt.Errorf("memledger: write refined segment: group %d: %w", seg.GroupID, ledger.ErrNotFound)
	}
	if seg.Phase == ledger.PhaseRefined && l.groupLocked(seg.GroupID) {
		return 0, fmt.Errorf("memledger: write refined segment: group %d: %w", seg.GroupID, ledger.ErrAlreadyLocked)
	}

	l.nextRefined++
	seg = seg.Clone()
	seg.ID = l.nextRefined
	seg.CreatedAt = l.now()
	l.refined = append(l.refined, seg)
	return seg.ID, nil
}

// WriteUsageRecords implements [ledger.Ledger].
func (l *Ledger) WriteUsageRecords(_ context.Context, rawIDs []int64, refinedID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("WriteUsageRecords"); err != nil {
		return err
	}
	if err := l.checkUnused(rawIDs); err != nil {
		return err
	}
	l.bind(rawIDs, refinedID)
	return nil
}

// ListLockedSegments implements [ledger.Ledger].
func (l *Ledger) ListLockedSegments(_ context.Context, sessionID string, limit int, mostRecentFirst bool) ([]ledger.RefinedSegment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ListLockedSegments"); err != nil {
		return nil, err
	}
	return ledger.SelectLocked(l.sessionRows(sessionID), limit, mostRecentFirst), nil
}

// ListRefinableSegments implements [ledger.Ledger].
func (l *Ledger) ListRefinableSegments(_ context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ListRefinableSegments"); err != nil {
		return nil, err
	}
	return ledger.SelectRefinable(l.sessionRows(sessionID)), nil
}

// ListActiveSessions implements [ledger.Ledger].
func (l *Ledger) ListActiveSessions(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ListActiveSessions"); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, r := range l.raws {
		if _, used := l.usage[r.ID]; used || seen[r.SessionID] {
			continue
		}
		seen[r.SessionID] = true
		out = append(out, r.SessionID)
	}
	slices.Sort(out)
	return out, nil
}

// ListRefinableSessions implements [ledger.Ledger].
func (l *Ledger) ListRefinableSessions(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ListRefinableSessions"); err != nil {
		return nil, err
	}

	var out []string
	for _, r := range ledger.SelectRefinable(l.refined) {
		if !slices.Contains(out, r.SessionID) {
			out = append(out, r.SessionID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Inspection
// ─────────────────────────────────────────────────────────────────────────────

// ListRefinedSegments implements [ledger.Inspector].
func (l *Ledger) ListRefinedSegments(_ context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sessionID == "" {
		out := make([]ledger.RefinedSegment, 0, len(l.refined))
		for _, r := range l.refined {
			out = append(out, r.Clone())
		}
		return out, nil
	}
	return l.sessionRows(sessionID), nil
}

// ListUsage implements [ledger.Inspector].
func (l *Ledger) ListUsage(_ context.Context) ([]ledger.UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ledger.UsageRecord, 0, len(l.usage))
	for _, u := range l.usage {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b ledger.UsageRecord) int {
		return cmp.Compare(a.RawSegmentID, b.RawSegmentID)
	})
	return out, nil
}

// Ping implements [ledger.Store]. It always succeeds unless a failure was
// injected with [Ledger.FailNext].
func (l *Ledger) Ping(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.injected("Ping")
}

// Close implements [ledger.Store]. It is a no-op.
func (l *Ledger) Close() error { return nil }

// ─────────────────────────────────────────────────────────────────────────────
// helpers (l.mu must be held)
// ─────────────────────────────────────────────────────────────────────────────

func (l *Ledger) checkUnused(rawIDs []int64) error {
	seen := make(map[int64]bool, len(rawIDs))
	for _, id := range rawIDs {
		if _, used := l.usage[id]; used || seen[id] {
			return fmt.Errorf("memledger: raw segment %d: %w", id, ledger.ErrAlreadyConsumed)
		}
		seen[id] = true
	}
	return nil
}

func (l *Ledger) bind(rawIDs []int64, refinedID int64) {
	now := l.now()
	for _, id := range rawIDs {
		l.usage[id] = ledger.UsageRecord{RawSegmentID: id, RefinedSegmentID: refinedID, CreatedAt: now}
	}
}

func (l *Ledger) hasGroup(groupID int64) bool {
	for _, r := range l.refined {
		if r.ID == groupID && r.Phase == ledger.PhaseGrouped {
			return true
		}
	}
	return false
}

func (l *Ledger) groupLocked(groupID int64) bool {
	for _, r := range l.refined {
		if r.GroupID == groupID && r.Locked {
			return true
		}
	}
	return false
}

func (l *Ledger) sessionRows(sessionID string) []ledger.RefinedSegment {
	var out []ledger.RefinedSegment
	for _, r := range l.refined {
		if r.SessionID == sessionID {
			out = append(out, r.Clone())
		}
	}
	return out
}
