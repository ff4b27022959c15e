// Package memory is an in-process store used by tests and STORE_BACKEND=memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/store"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.FinalizedSession
	entries  map[string][]models.TranscriptEntry
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]models.FinalizedSession),
		entries:  make(map[string][]models.TranscriptEntry),
	}
}

func (s *Store) AppendEntry(_ context.Context, meetingID string, entry models.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[meetingID] = append(s.entries[meetingID], entry)
	return nil
}

func (s *Store) SaveSession(_ context.Context, fs models.FinalizedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs.Participants = append([]string(nil), fs.Participants...)
	fs.Entries = append([]models.TranscriptEntry(nil), fs.Entries...)
	s.sessions[fs.MeetingID] = fs
	return nil
}

func (s *Store) LoadSession(_ context.Context, meetingID string) (*models.FinalizedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.sessions[meetingID]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", meetingID, store.ErrNotFound)
	}
	fs.Entries = append([]models.TranscriptEntry(nil), fs.Entries...)
	return &fs, nil
}

// Entries returns the raw entries appended for meetingID.
func (s *Store) Entries(meetingID string) []models.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TranscriptEntry(nil), s.entries[meetingID]...)
}

func (s *Store) Close() error { return nil }
