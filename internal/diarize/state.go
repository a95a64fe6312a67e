package diarize

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/thalamus/pkg/ledger"
)

// State is the open speaker group of one session.
type State struct {
	SpeakerID    int64
	Group        []ledger.RawSegment
	LastReceived time.Time

	members map[int64]struct{}
}

func newState(speakerID int64) *State {
	return &State{SpeakerID: speakerID, members: make(map[int64]struct{})}
}

func (s *State) has(id int64) bool {
	_, ok := s.members[id]
	return ok
}

func (s *State) add(seg ledger.RawSegment) {
	s.Group = append(s.Group, seg)
	s.members[seg.ID] = struct{}{}
}

// SourceIDs returns the ids of the group members in arrival order.
func (s *State) SourceIDs() []int64 {
	ids := make([]int64, len(s.Group))
	for i, seg := range s.Group {
		ids[i] = seg.ID
	}
	return ids
}

type entry struct {
	mu    sync.Mutex
	state *State
}

// StateStore keeps the open group of every session. Each session has its own
// lock; the group of a session may only be read or changed while holding it.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{entries: make(map[string]*entry)}
}

func (s *StateStore) entry(sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{}
		s.entries[sessionID] = e
	}
	return e
}

// Lock acquires the lock of sessionID and returns the function that releases
// it.
func (s *StateStore) Lock(sessionID string) (unlock func()) {
	e := s.entry(sessionID)
	e.mu.Lock()
	return e.mu.Unlock
}

// get returns the open group of sessionID, or nil. The caller holds the
// session lock.
func (s *StateStore) get(sessionID string) *State {
	return s.entry(sessionID).state
}

// put replaces the open group of sessionID; nil clears it. The caller holds
// the session lock.
func (s *StateStore) put(sessionID string, st *State) {
	s.entry(sessionID).state = st
}

// Snapshot returns a copy of the open group of sessionID, or nil.
func (s *StateStore) Snapshot(sessionID string) *State {
	unlock := s.Lock(sessionID)
	defer unlock()
	st := s.get(sessionID)
	if st == nil {
		return nil
	}
	cp := newState(st.SpeakerID)
	cp.LastReceived = st.LastReceived
	for _, seg := range st.Group {
		cp.add(seg)
	}
	return cp
}

// Sessions returns the sessions that currently hold an open group, sorted.
func (s *StateStore) Sessions() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	entries := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.Unlock()

	open := make([]string, 0, len(ids))
	for i, e := range entries {
		e.mu.Lock()
		if e.state != nil && len(e.state.Group) > 0 {
			open = append(open, ids[i])
		}
		e.mu.Unlock()
	}
	slices.Sort(open)
	return open
}
