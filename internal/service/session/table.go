package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"meeting-transcription-relay/internal/models"
)

// Snapshot is a read-only copy of a session. Mutating it never affects the table.
type Snapshot struct {
	MeetingID    string
	Generation   uint64
	Participants []string
	Entries      []models.TranscriptEntry
	StartedAt    time.Time
	EndedAt      *time.Time // nil while active
	LastActivity time.Time
	State        State
}

// Active reports whether the session still accepts entries.
func (s *Snapshot) Active() bool {
	return s.State == StateActive
}

// session is one meeting's transcription state. Its mutex serializes entry
// appends and the active-flag check-then-act in End.
type session struct {
	mu           sync.Mutex
	meetingID    string
	generation   uint64
	participants []string
	entries      []models.TranscriptEntry
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time
	nextSeq      int64
	lc           lifecycle
}

func (s *session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		MeetingID:    s.meetingID,
		Generation:   s.generation,
		Participants: append([]string(nil), s.participants...),
		Entries:      append([]models.TranscriptEntry(nil), s.entries...),
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		State:        s.lc.state,
	}
	if s.lc.state == StateEnded {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// Table holds one entry per in-progress meeting, keyed by meeting identifier.
// At most one active session exists per meeting identifier.
type Table struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	generation uint64
	now        func() time.Time
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start creates and activates a session for meetingID with a snapshot of participants.
// A second Start while the session is active fails with ErrAlreadyActive and leaves
// the existing session untouched. An ended session that has not been removed yet is replaced.
func (t *Table) Start(meetingID string, participants []string) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[meetingID]; ok {
		existing.mu.Lock()
		state := existing.lc.state
		existing.mu.Unlock()
		if state == StateActive {
			return nil, fmt.Errorf("start %s: %w", meetingID, ErrAlreadyActive)
		}
	}

	t.generation++
	now := t.now()
	s := &session{
		meetingID:    meetingID,
		generation:   t.generation,
		participants: append([]string(nil), participants...),
		startedAt:    now,
		lastActivity: now,
	}
	if err := s.lc.activate(); err != nil {
		return nil, err
	}
	t.sessions[meetingID] = s

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// Append adds an entry to the active session for meetingID, assigning the next
// sequence number. It returns the new entry count and the stored entry.
// The table is unchanged when it fails.
func (t *Table) Append(meetingID string, entry models.TranscriptEntry) (int, models.TranscriptEntry, error) {
	s := t.lookup(meetingID)
	if s == nil {
		return 0, entry, fmt.Errorf("append to %s: %w", meetingID, ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.canAppend(); err != nil {
		return 0, entry, fmt.Errorf("append to %s (%v): %w", meetingID, err, ErrSessionNotFound)
	}

	s.nextSeq++
	entry.Seq = s.nextSeq
	s.entries = append(s.entries, entry)
	s.lastActivity = t.now()
	return len(s.entries), entry, nil
}

// End marks the session inactive, stamps its end time and returns the full session.
func (t *Table) End(meetingID string) (*Snapshot, error) {
	s := t.lookup(meetingID)
	if s == nil {
		return nil, fmt.Errorf("end %s: %w", meetingID, ErrSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.end(); err != nil {
		return nil, fmt.Errorf("end %s (%v): %w", meetingID, err, ErrSessionNotFound)
	}
	s.endedAt = t.now()
	if s.endedAt.Before(s.startedAt) {
		s.endedAt = s.startedAt
	}
	return s.snapshotLocked(), nil
}

// Get returns a defensive copy of the session for status polling.
func (t *Table) Get(meetingID string) (*Snapshot, bool) {
	s := t.lookup(meetingID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), true
}

// Roster returns the participant snapshot and current entry count of an active session.
func (t *Table) Roster(meetingID string) ([]string, int, error) {
	s := t.lookup(meetingID)
	if s == nil {
		return nil, 0, fmt.Errorf("roster %s: %w", meetingID, ErrSessionNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lc.canAppend(); err != nil {
		return nil, 0, fmt.Errorf("roster %s (%v): %w", meetingID, err, ErrSessionNotFound)
	}
	return append([]string(nil), s.participants...), len(s.entries), nil
}

// Remove deletes the session for meetingID if it is still the given generation.
// It reports whether an entry was removed.
func (t *Table) Remove(meetingID string, generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[meetingID]
	if !ok || s.generation != generation {
		return false
	}
	delete(t.sessions, meetingID)
	return true
}

// Touch records activity on an active session.
func (t *Table) Touch(meetingID string) {
	s := t.lookup(meetingID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.lc.state == StateActive {
		s.lastActivity = t.now()
	}
	s.mu.Unlock()
}

// Idle returns the meeting ids of active sessions with no activity within timeout,
// oldest first.
func (t *Table) Idle(timeout time.Duration) []string {
	cutoff := t.now().Add(-timeout)

	type idle struct {
		id   string
		last time.Time
	}
	var found []idle

	t.mu.RLock()
	for id, s := range t.sessions {
		s.mu.Lock()
		if s.lc.state == StateActive && s.lastActivity.Before(cutoff) {
			found = append(found, idle{id: id, last: s.lastActivity})
		}
		s.mu.Unlock()
	}
	t.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].last.Before(found[j].last) })
	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids
}

// ActiveCount returns the number of active sessions.
func (t *Table) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.sessions {
		s.mu.Lock()
		if s.lc.state == StateActive {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ActiveIDs returns the meeting ids of all active sessions.
func (t *Table) ActiveIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, s := range t.sessions {
		s.mu.Lock()
		if s.lc.state == StateActive {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entries in the table, including ended sessions not yet removed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Table) lookup(meetingID string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[meetingID]
}
