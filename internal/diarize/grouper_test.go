package diarize_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/thalamus/internal/diarize"
	"github.com/MrWong99/thalamus/pkg/ledger"
	"github.com/MrWong99/thalamus/pkg/ledger/memledger"
)

// fakeClock is a settable time source.
type fakeClock struct {
	ns atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.ns.Load()).UTC() }

func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type fixture struct {
	l     *memledger.Ledger
	clock *fakeClock
	g     *diarize.Grouper
	alice int64
	bob   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{l: memledger.New(), clock: newFakeClock()}
	f.g = diarize.New(f.l, diarize.WithClock(f.clock.Now))
	f.alice = f.speaker(t, "spk-1", "Alice")
	f.bob = f.speaker(t, "spk-2", "Bob")
	return f
}

func (f *fixture) speaker(t *testing.T, ext, name string) int64 {
	t.Helper()
	id, err := f.l.EnsureSpeaker(context.Background(), ledger.Speaker{ExternalID: ext, Name: name})
	if err != nil {
		t.Fatalf("EnsureSpeaker: %v", err)
	}
	return id
}

func (f *fixture) raw(t *testing.T, session string, speaker int64, text string, start, end float64) int64 {
	t.Helper()
	id, err := f.l.InsertRawSegment(context.Background(), ledger.RawSegment{
		SessionID: session, SpeakerID: speaker, Text: text, Start: start, End: end,
	})
	if err != nil {
		t.Fatalf("InsertRawSegment: %v", err)
	}
	return id
}

func TestProcess_SpeakerChangeClosesGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	a1 := f.raw(t, "s1", f.alice, "I think", 0, 1.2)
	a2 := f.raw(t, "s1", f.alice, "we should proceed.", 1.3, 3.5)
	b1 := f.raw(t, "s1", f.bob, "Agreed.", 4.0, 4.8)

	closed, err := f.g.Process(ctx, "s1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed = %d groups, want 1", len(closed))
	}

	got := closed[0]
	if got.Text != "I think we should proceed." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Start != 0 || got.End != 3.5 {
		t.Errorf("span = [%v, %v], want [0, 3.5]", got.Start, got.End)
	}
	if len(got.SourceIDs) != 2 || got.SourceIDs[0] != a1 || got.SourceIDs[1] != a2 {
		t.Errorf("SourceIDs = %v, want [%d %d]", got.SourceIDs, a1, a2)
	}
	if got.Phase != ledger.PhaseGrouped || got.Locked {
		t.Errorf("phase %v locked %v, want unlocked phase 0", got.Phase, got.Locked)
	}
	if got.ID == 0 || got.GroupID != got.ID {
		t.Errorf("ID/GroupID = %d/%d", got.ID, got.GroupID)
	}
	if !got.Metadata.Bool(ledger.MetaNeedsRefinement) {
		t.Error("needs_refinement not set")
	}
	if got.Metadata.String(diarize.MetaCloseCause) != diarize.CauseSpeakerChange {
		t.Errorf("close_cause = %q", got.Metadata.String(diarize.MetaCloseCause))
	}

	open := f.g.States().Snapshot("s1")
	if open == nil || open.SpeakerID != f.bob || len(open.Group) != 1 || open.Group[0].ID != b1 {
		t.Errorf("open group = %+v, want Bob's segment %d", open, b1)
	}

	rest, err := f.l.ListUnconsumedRawSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListUnconsumedRawSegments: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != b1 {
		t.Errorf("unconsumed = %v, want only %d", rest, b1)
	}
}

func TestProcess_RepeatedPollsDoNotDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.raw(t, "s1", f.alice, "hello", 0, 1)

	for range 3 {
		closed, err := f.g.Process(ctx, "s1")
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(closed) != 0 {
			t.Fatalf("closed %d groups without a speaker change", len(closed))
		}
	}
	open := f.g.States().Snapshot("s1")
	if open == nil || len(open.Group) != 1 {
		t.Fatalf("open group = %+v, want exactly one member", open)
	}
}

func TestProcess_LastReceivedOnlyMovesOnNewSegments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.raw(t, "s1", f.alice, "hello", 0, 1)

	if _, err := f.g.Process(ctx, "s1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	first := f.g.States().Snapshot("s1").LastReceived

	f.clock.Advance(30 * time.Second)
	if _, err := f.g.Process(ctx, "s1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.g.States().Snapshot("s1").LastReceived; !got.Equal(first) {
		t.Errorf("LastReceived moved without new segments: %v -> %v", first, got)
	}

	f.raw(t, "s1", f.alice, "again", 1, 2)
	if _, err := f.g.Process(ctx, "s1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.g.States().Snapshot("s1").LastReceived; !got.Equal(f.clock.Now()) {
		t.Errorf("LastReceived = %v, want %v", got, f.clock.Now())
	}
}

func TestFlushIdle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	b1 := f.raw(t, "s1", f.bob, "Agreed.", 4.0, 4.8)
	if _, err := f.g.Process(ctx, "s1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	f.clock.Advance(119 * time.Second)
	flushed, err := f.g.FlushIdle(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("FlushIdle: %v", err)
	}
	if len(flushed) != 0 {
		t.Fatalf("flushed %d groups before the idle timeout", len(flushed))
	}

	f.clock.Advance(time.Second)
	flushed, err = f.g.FlushIdle(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("FlushIdle: %v", err)
	}
	if len(flushed) != 1 {
		t.Fatalf("flushed = %d groups, want 1", len(flushed))
	}
	if got := flushed[0]; len(got.SourceIDs) != 1 || got.SourceIDs[0] != b1 || got.Text != "Agreed." {
		t.Errorf("flushed = %+v", got)
	}
	if got := flushed[0].Metadata.String(diarize.MetaCloseCause); got != diarize.CauseIdle {
		t.Errorf("close_cause = %q, want idle", got)
	}
	if s := f.g.States().Snapshot("s1"); s != nil {
		t.Errorf("state kept after flush: %+v", s)
	}
	if ids := f.g.States().Sessions(); len(ids) != 0 {
		t.Errorf("Sessions = %v, want none", ids)
	}
}

func TestProcess_CloseFailureKeepsGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	a1 := f.raw(t, "s1", f.alice, "one", 0, 1)
	f.raw(t, "s1", f.bob, "two", 1, 2)

	boom := errors.New("disk full")
	f.l.FailNext("CloseGroup", boom)
	closed, err := f.g.Process(ctx, "s1")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(closed) != 0 {
		t.Fatalf("closed = %v on failure", closed)
	}
	open := f.g.States().Snapshot("s1")
	if open == nil || open.SpeakerID != f.alice || open.Group[0].ID != a1 {
		t.Fatalf("open group = %+v, want Alice's group kept", open)
	}

	closed, err = f.g.Process(ctx, "s1")
	if err != nil {
		t.Fatalf("retry Process: %v", err)
	}
	if len(closed) != 1 || closed[0].SourceIDs[0] != a1 {
		t.Errorf("retry closed = %+v, want Alice's group", closed)
	}
}

func TestProcess_AlreadyConsumedDropsGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	other := diarize.New(f.l, diarize.WithClock(f.clock.Now))

	f.raw(t, "s1", f.alice, "one", 0, 1)
	for _, g := range []*diarize.Grouper{f.g, other} {
		if _, err := g.Process(ctx, "s1"); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	b1 := f.raw(t, "s1", f.bob, "two", 1, 2)
	if closed, err := other.Process(ctx, "s1"); err != nil || len(closed) != 1 {
		t.Fatalf("other.Process = %v, %v", closed, err)
	}

	closed, err := f.g.Process(ctx, "s1")
	if err != nil {
		t.Fatalf("Process after concurrent close: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("closed = %v, want the stale group dropped", closed)
	}
	open := f.g.States().Snapshot("s1")
	if open == nil || open.SpeakerID != f.bob || open.Group[0].ID != b1 {
		t.Errorf("open group = %+v, want Bob's segment", open)
	}

	report, err := ledger.Audit(ctx, f.l)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.OK() {
		t.Errorf("audit: %v", report.Err())
	}
}

func TestProcess_ConcurrentCallsConsumeOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	speakers := []int64{f.alice, f.alice, f.bob, f.bob, f.alice, f.bob}
	for i, sp := range speakers {
		f.raw(t, "s1", sp, "seg", float64(i), float64(i)+0.5)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.g.Process(ctx, "s1"); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, err := f.l.ListRefinedSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListRefinedSegments: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("groups = %d, want 3 (AA BB A; last B still open)", len(rows))
	}
	report, err := ledger.Audit(ctx, f.l)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.OK() {
		t.Errorf("audit: %v", report.Err())
	}
}

func TestFlushIdle_IsolatesSessionFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.raw(t, "s1", f.alice, "one", 0, 1)
	f.raw(t, "s2", f.bob, "two", 0, 1)
	for _, s := range []string{"s1", "s2"} {
		if _, err := f.g.Process(ctx, s); err != nil {
			t.Fatalf("Process(%s): %v", s, err)
		}
	}

	f.clock.Advance(2 * time.Minute)
	boom := errors.New("timeout")
	f.l.FailNext("CloseGroup", boom)
	flushed, err := f.g.FlushIdle(ctx, f.clock.Now())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if len(flushed) != 1 || flushed[0].SessionID != "s2" {
		t.Errorf("flushed = %+v, want s2 only", flushed)
	}
	if ids := f.g.States().Sessions(); len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("open sessions = %v, want [s1]", ids)
	}
}
