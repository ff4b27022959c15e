// Package store defines the durable store for finalized meetings and raw transcript entries.
package store

import (
	"context"
	"errors"

	"meeting-transcription-relay/internal/models"
)

var (
	// ErrPersistence wraps every write failure reported by a backend.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned by LoadSession for unknown meetings.
	ErrNotFound = errors.New("meeting not found")
)

// Backend names accepted by STORE_BACKEND.
const (
	BackendSQLite    = "sqlite"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Store persists transcripts. Implementations must be safe for concurrent use.
type Store interface {
	// AppendEntry records one final entry as it is produced.
	AppendEntry(ctx context.Context, meetingID string, entry models.TranscriptEntry) error

	// SaveSession writes the finalized record of a meeting.
	SaveSession(ctx context.Context, s models.FinalizedSession) error

	// LoadSession reads a finalized record back.
	LoadSession(ctx context.Context, meetingID string) (*models.FinalizedSession, error)

	// Close releases backend resources.
	Close() error
}
