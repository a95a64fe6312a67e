// Package ledgertest holds a behavioural test suite shared by every
// [ledger.Store] backend.
package ledgertest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/thalamus/pkg/ledger"
)

// Run executes the suite. newStore must return an empty store; it is called
// once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()

	t.Run("UnconsumedOrderedByStart", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		c := mustRaw(t, s, "S1", sp, "third", 4, 5)
		a := mustRaw(t, s, "S1", sp, "first", 0, 1)
		b := mustRaw(t, s, "S1", sp, "second", 2, 3)
		mustRaw(t, s, "S2", sp, "other session", 0, 1)

		got, err := s.ListUnconsumedRawSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListUnconsumedRawSegments: %v", err)
		}
		if ids := rawIDs(got); !slices.Equal(ids, []int64{a, b, c}) {
			t.Errorf("ids = %v, want %v", ids, []int64{a, b, c})
		}
		if got[0].SpeakerName != "Ana" {
			t.Errorf("SpeakerName = %q, want Ana", got[0].SpeakerName)
		}
	})

	t.Run("CloseGroupConsumes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		a := mustRaw(t, s, "S1", sp, "I think", 0, 1)
		b := mustRaw(t, s, "S1", sp, "we should proceed.", 1, 2)
		c := mustRaw(t, s, "S1", sp, "later", 3, 4)

		id, err := s.CloseGroup(ctx, group("S1", sp, "I think we should proceed.", a, b))
		if err != nil {
			t.Fatalf("CloseGroup: %v", err)
		}

		left, err := s.ListUnconsumedRawSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListUnconsumedRawSegments: %v", err)
		}
		if ids := rawIDs(left); !slices.Equal(ids, []int64{c}) {
			t.Errorf("unconsumed = %v, want [%d]", ids, c)
		}

		rows, err := s.ListRefinableSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListRefinableSegments: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("refinable rows = %d, want 1", len(rows))
		}
		got := rows[0]
		if got.ID != id || got.GroupID != id {
			t.Errorf("ID/GroupID = %d/%d, want %d/%d", got.ID, got.GroupID, id, id)
		}
		if !slices.Equal(got.SourceIDs, []int64{a, b}) {
			t.Errorf("SourceIDs = %v, want %v", got.SourceIDs, []int64{a, b})
		}
		if !got.Metadata.Bool(ledger.MetaNeedsRefinement) {
			t.Error("needs_refinement metadata lost")
		}

		usage, err := s.ListUsage(ctx)
		if err != nil {
			t.Fatalf("ListUsage: %v", err)
		}
		if len(usage) != 2 || usage[0].RefinedSegmentID != id {
			t.Errorf("usage = %+v, want 2 records bound to %d", usage, id)
		}
	})

	t.Run("CloseGroupRejectsConsumedAtomically", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		a := mustRaw(t, s, "S1", sp, "one", 0, 1)
		b := mustRaw(t, s, "S1", sp, "two", 1, 2)

		if _, err := s.CloseGroup(ctx, group("S1", sp, "one", a)); err != nil {
			t.Fatalf("first CloseGroup: %v", err)
		}
		_, err := s.CloseGroup(ctx, group("S1", sp, "one two", a, b))
		if !errors.Is(err, ledger.ErrAlreadyConsumed) {
			t.Fatalf("second CloseGroup err = %v, want ErrAlreadyConsumed", err)
		}

		left, err := s.ListUnconsumedRawSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListUnconsumedRawSegments: %v", err)
		}
		if ids := rawIDs(left); !slices.Equal(ids, []int64{b}) {
			t.Errorf("unconsumed = %v, want [%d] (failed close must not bind b)", ids, b)
		}
		all, err := s.ListRefinedSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListRefinedSegments: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("refined rows = %d, want 1 (no orphaned phase-0 row)", len(all))
		}
	})

	t.Run("ConcurrentClosesAreExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		a := mustRaw(t, s, "S1", sp, "race", 0, 1)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.CloseGroup(ctx, group("S1", sp, "race", a)); err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if success != 1 {
			t.Errorf("successful closes = %d, want 1", success)
		}
		report, err := ledger.Audit(ctx, s)
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		if !report.OK() {
			t.Errorf("audit found violations: %v", report.Err())
		}
	})

	t.Run("RefinableAndLockedLineage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")

		var groups []int64
		for i := range 3 {
			raw := mustRaw(t, s, "S1", sp, "text", float64(i*10), float64(i*10+5))
			gid, err := s.CloseGroup(ctx, group("S1", sp, "text", raw))
			if err != nil {
				t.Fatalf("CloseGroup: %v", err)
			}
			groups = append(groups, gid)
		}

		// Group 0: unlocked attempt then locked attempt.
		mustWrite(t, s, refined(groups[0], "S1", sp, 0, ledger.PhaseRefined, false))
		mustWrite(t, s, refined(groups[0], "S1", sp, 0, ledger.PhaseRefined, true))
		// Group 1: locked, then corrected.
		mustWrite(t, s, refined(groups[1], "S1", sp, 10, ledger.PhaseRefined, true))
		corrected := mustWrite(t, s, refined(groups[1], "S1", sp, 10, ledger.PhaseCorrected, true))
		// Group 2: one unlocked attempt.
		retry := mustWrite(t, s, refined(groups[2], "S1", sp, 20, ledger.PhaseRefined, false))

		refinable, err := s.ListRefinableSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListRefinableSegments: %v", err)
		}
		if len(refinable) != 1 || refinable[0].ID != retry {
			t.Errorf("refinable = %v, want only row %d", segIDs(refinable), retry)
		}

		locked, err := s.ListLockedSegments(ctx, "S1", 0, false)
		if err != nil {
			t.Fatalf("ListLockedSegments: %v", err)
		}
		if len(locked) != 2 {
			t.Fatalf("locked = %v, want 2 rows", segIDs(locked))
		}
		if locked[0].GroupID != groups[0] || locked[1].ID != corrected {
			t.Errorf("locked = %v, want group %d then correction %d", segIDs(locked), groups[0], corrected)
		}

		recent, err := s.ListLockedSegments(ctx, "S1", 1, true)
		if err != nil {
			t.Fatalf("ListLockedSegments recent: %v", err)
		}
		if len(recent) != 1 || recent[0].ID != corrected {
			t.Errorf("most recent locked = %v, want [%d]", segIDs(recent), corrected)
		}
	})

	t.Run("WriteRefinedRequiresGroup", func(t *testing.T) {
		s := newStore(t)
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		_, err := s.WriteRefinedSegment(context.Background(), refined(9999, "S1", sp, 0, ledger.PhaseRefined, false))
		if err == nil {
			t.Fatal("WriteRefinedSegment with unknown group succeeded")
		}
	})

	t.Run("ActiveSessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		a := mustRaw(t, s, "S1", sp, "x", 0, 1)
		mustRaw(t, s, "S2", sp, "y", 0, 1)

		if _, err := s.CloseGroup(ctx, group("S1", sp, "x", a)); err != nil {
			t.Fatalf("CloseGroup: %v", err)
		}
		got, err := s.ListActiveSessions(ctx)
		if err != nil {
			t.Fatalf("ListActiveSessions: %v", err)
		}
		if !slices.Equal(got, []string{"S2"}) {
			t.Errorf("active = %v, want [S2]", got)
		}
	})

	t.Run("LockedGroupRefusesRefinement", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		raw := mustRaw(t, s, "S1", sp, "Agreed.", 0, 1)
		gid, err := s.CloseGroup(ctx, group("S1", sp, "Agreed.", raw))
		if err != nil {
			t.Fatalf("CloseGroup: %v", err)
		}
		mustWrite(t, s, refined(gid, "S1", sp, 0, ledger.PhaseRefined, true))

		for _, locked := range []bool{false, true} {
			_, err := s.WriteRefinedSegment(ctx, refined(gid, "S1", sp, 0, ledger.PhaseRefined, locked))
			if !errors.Is(err, ledger.ErrAlreadyLocked) {
				t.Errorf("phase-1 write (locked=%v) after lock: err = %v, want ErrAlreadyLocked", locked, err)
			}
		}
		// A correction still lands on a locked group.
		mustWrite(t, s, refined(gid, "S1", sp, 0, ledger.PhaseCorrected, true))

		rows, err := s.ListRefinedSegments(ctx, "S1")
		if err != nil {
			t.Fatalf("ListRefinedSegments: %v", err)
		}
		if len(rows) != 3 {
			t.Errorf("rows = %v, want group, lock and correction only", segIDs(rows))
		}
	})

	t.Run("ConcurrentLocksAreExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		raw := mustRaw(t, s, "S1", sp, "Agreed.", 0, 1)
		gid, err := s.CloseGroup(ctx, group("S1", sp, "Agreed.", raw))
		if err != nil {
			t.Fatalf("CloseGroup: %v", err)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			written int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.WriteRefinedSegment(ctx, refined(gid, "S1", sp, 0, ledger.PhaseRefined, true))
				switch {
				case err == nil:
					mu.Lock()
					written++
					mu.Unlock()
				case !errors.Is(err, ledger.ErrAlreadyLocked):
					t.Errorf("WriteRefinedSegment: %v", err)
				}
			}()
		}
		wg.Wait()
		if written != 1 {
			t.Errorf("locked rows written = %d, want exactly 1", written)
		}
	})

	t.Run("RefinableSessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")

		closeOne := func(session string) int64 {
			raw := mustRaw(t, s, session, sp, "x", 0, 1)
			gid, err := s.CloseGroup(ctx, group(session, sp, "x", raw))
			if err != nil {
				t.Fatalf("CloseGroup: %v", err)
			}
			return gid
		}
		// S1 scored but unlocked, S2 locked, S3 a bare draft, S4 ungrouped.
		mustWrite(t, s, refined(closeOne("S1"), "S1", sp, 0, ledger.PhaseRefined, false))
		mustWrite(t, s, refined(closeOne("S2"), "S2", sp, 0, ledger.PhaseRefined, true))
		closeOne("S3")
		mustRaw(t, s, "S4", sp, "not grouped yet", 0, 1)

		got, err := s.ListRefinableSessions(ctx)
		if err != nil {
			t.Fatalf("ListRefinableSessions: %v", err)
		}
		if !slices.Equal(got, []string{"S1", "S3"}) {
			t.Errorf("refinable sessions = %v, want [S1 S3]", got)
		}
	})

	t.Run("MetadataRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sp := mustSpeaker(t, s, "spk-1", "Ana")
		raw := mustRaw(t, s, "S1", sp, "x", 0, 1)
		gid, err := s.CloseGroup(ctx, group("S1", sp, "x", raw))
		if err != nil {
			t.Fatalf("CloseGroup: %v", err)
		}
		first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		seg := refined(gid, "S1", sp, 0, ledger.PhaseRefined, true)
		seg.Metadata = seg.Metadata.
			With(ledger.MetaAttempt, 2).
			With(ledger.MetaFirstAttemptAt, first).
			With(ledger.MetaLockReason, "max_attempts")
		mustWrite(t, s, seg)

		locked, err := s.ListLockedSegments(ctx, "S1", 1, true)
		if err != nil || len(locked) != 1 {
			t.Fatalf("ListLockedSegments = %v, %v", locked, err)
		}
		md := locked[0].Metadata
		if n, ok := md.Int(ledger.MetaAttempt); !ok || n != 2 {
			t.Errorf("attempt = %d, %v; want 2", n, ok)
		}
		if ts, ok := md.Time(ledger.MetaFirstAttemptAt); !ok || !ts.Equal(first) {
			t.Errorf("first_attempt_at = %v, %v; want %v", ts, ok, first)
		}
		if md.String(ledger.MetaLockReason) != "max_attempts" {
			t.Errorf("lock_reason = %q", md.String(ledger.MetaLockReason))
		}
	})

	t.Run("SpeakerDeduplicated", func(t *testing.T) {
		s := newStore(t)
		a := mustSpeaker(t, s, "spk-1", "Ana")
		b := mustSpeaker(t, s, "spk-1", "Ana renamed")
		if a != b {
			t.Errorf("EnsureSpeaker returned %d then %d for the same external id", a, b)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := newStore(t).Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func mustSpeaker(t *testing.T, s ledger.Store, external, name string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.EnsureSpeaker(ctx, ledger.Speaker{ExternalID: external, Name: name})
	if err != nil {
		t.Fatalf("EnsureSpeaker: %v", err)
	}
	return id
}

func mustRaw(t *testing.T, s ledger.Store, session string, speaker int64, text string, start, end float64) int64 {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureSession(ctx, session); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	id, err := s.InsertRawSegment(ctx, ledger.RawSegment{
		SessionID: session,
		SpeakerID: speaker,
		Text:      text,
		Start:     start,
		End:       end,
	})
	if err != nil {
		t.Fatalf("InsertRawSegment: %v", err)
	}
	return id
}

func mustWrite(t *testing.T, s ledger.Store, seg ledger.RefinedSegment) int64 {
	t.Helper()
	id, err := s.WriteRefinedSegment(context.Background(), seg)
	if err != nil {
		t.Fatalf("WriteRefinedSegment: %v", err)
	}
	return id
}

func group(session string, speaker int64, text string, ids ...int64) ledger.RefinedSegment {
	return ledger.RefinedSegment{
		SessionID: session,
		SpeakerID: speaker,
		Text:      text,
		SourceIDs: ids,
		Phase:     ledger.PhaseGrouped,
		Metadata:  ledger.Metadata{ledger.MetaNeedsRefinement: true},
	}
}

func refined(groupID int64, session string, speaker int64, start float64, phase ledger.Phase, locked bool) ledger.RefinedSegment {
	return ledger.RefinedSegment{
		GroupID:    groupID,
		SessionID:  session,
		SpeakerID:  speaker,
		Text:       "text",
		Start:      start,
		End:        start + 5,
		Confidence: 0.5,
		Phase:      phase,
		Locked:     locked,
		Metadata:   ledger.Metadata{},
	}
}

func rawIDs(segs []ledger.RawSegment) []int64 {
	out := make([]int64, len(segs))
	for i, s := range segs {
		out[i] = s.ID
	}
	return out
}

func segIDs(segs []ledger.RefinedSegment) []int64 {
	out := make([]int64, len(segs))
	for i, s := range segs {
		out[i] = s.ID
	}
	return out
}
