// Package firestore stores finalized meetings in Cloud Firestore.
//
// Finalized meetings are written to meetings/{meetingId}; raw entries are added
// to the transcripts collection as they are produced.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/store"
)

// Collection names.
const (
	MeetingsCollection    = "meetings"
	TranscriptsCollection = "transcripts"
)

// Store implements store.Store on Firestore.
type Store struct {
	client *firestore.Client
}

// Open creates a Firestore client for projectID. Without credentialsFile,
// Application Default Credentials (or FIRESTORE_EMULATOR_HOST) are used.
func Open(ctx context.Context, projectID, credentialsFile string) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

// transcriptDoc is one raw entry in the transcripts collection.
type transcriptDoc struct {
	MeetingID string `firestore:"meetingId"`
	models.TranscriptEntry
}

func (s *Store) AppendEntry(ctx context.Context, meetingID string, e models.TranscriptEntry) error {
	_, _, err := s.client.Collection(TranscriptsCollection).Add(ctx, transcriptDoc{
		MeetingID:       meetingID,
		TranscriptEntry: e,
	})
	if err != nil {
		return fmt.Errorf("append entry %s/%d: %w: %w", meetingID, e.Seq, store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, fs models.FinalizedSession) error {
	if _, err := s.client.Collection(MeetingsCollection).Doc(fs.MeetingID).Set(ctx, fs); err != nil {
		return fmt.Errorf("save session %s: %w: %w", fs.MeetingID, store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, meetingID string) (*models.FinalizedSession, error) {
	snap, err := s.client.Collection(MeetingsCollection).Doc(meetingID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("load %s: %w", meetingID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", meetingID, err)
	}
	var fs models.FinalizedSession
	if err := snap.DataTo(&fs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", meetingID, err)
	}
	return &fs, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
