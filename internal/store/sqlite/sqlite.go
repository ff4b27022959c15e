// Package sqlite stores finalized meetings in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/store"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
    meeting_id        TEXT PRIMARY KEY,
    participants_json TEXT NOT NULL,
    started_at        TEXT NOT NULL,
    ended_at          TEXT NOT NULL,
    statistics_json   TEXT NOT NULL,
    full_transcript   TEXT NOT NULL,
    saved_at          TEXT NOT NULL
);

-- Raw log of every final entry as it is produced. Append only, so a reused
-- meeting id never overwrites an earlier session's rows.
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    meeting_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    speaker    TEXT NOT NULL,
    text       TEXT NOT NULL,
    confidence REAL NOT NULL,
    timestamp  TEXT NOT NULL,
    is_final   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_meeting ON transcript_entries (meeting_id);

-- Entries of the latest finalized session for each meeting row.
CREATE TABLE IF NOT EXISTS meeting_entries (
    meeting_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    speaker    TEXT NOT NULL,
    text       TEXT NOT NULL,
    confidence REAL NOT NULL,
    timestamp  TEXT NOT NULL,
    is_final   INTEGER NOT NULL,
    PRIMARY KEY (meeting_id, seq)
);
`

// Store implements store.Store on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open connects to the database at path and creates the tables.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendEntry adds a row to the raw entry log.
func (s *Store) AppendEntry(ctx context.Context, meetingID string, e models.TranscriptEntry) error {
	err := s.execWithRetry(ctx,
		`INSERT INTO transcript_entries
            (meeting_id, seq, speaker, text, confidence, timestamp, is_final)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meetingID, e.Seq, e.Speaker, e.Text, e.Confidence, e.Timestamp, boolToInt(e.IsFinal),
	)
	if err != nil {
		return fmt.Errorf("append entry %s/%d: %w: %w", meetingID, e.Seq, store.ErrPersistence, err)
	}
	return nil
}

// SaveSession writes the meeting row and all of its entries in one transaction,
// replacing whatever an earlier session with the same id saved.
func (s *Store) SaveSession(ctx context.Context, fs models.FinalizedSession) error {
	participants, err := json.Marshal(fs.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	stats, err := json.Marshal(fs.Statistics)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}

	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO meetings
                (meeting_id, participants_json, started_at, ended_at, statistics_json, full_transcript, saved_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fs.MeetingID,
			string(participants),
			fs.StartedAt.UTC().Format(time.RFC3339Nano),
			fs.EndedAt.UTC().Format(time.RFC3339Nano),
			string(stats),
			fs.Statistics.FullTranscript,
			time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM meeting_entries WHERE meeting_id = ?`, fs.MeetingID,
		); err != nil {
			return err
		}
		for _, e := range fs.Entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO meeting_entries
                    (meeting_id, seq, speaker, text, confidence, timestamp, is_final)
                 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				fs.MeetingID, e.Seq, e.Speaker, e.Text, e.Confidence, e.Timestamp, boolToInt(e.IsFinal),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w: %w", fs.MeetingID, store.ErrPersistence, err)
	}
	return nil
}

// LoadSession reads a finalized meeting and its entries ordered by seq.
func (s *Store) LoadSession(ctx context.Context, meetingID string) (*models.FinalizedSession, error) {
	var (
		participants, startedAt, endedAt, stats string
		fs                                      = models.FinalizedSession{MeetingID: meetingID}
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT participants_json, started_at, ended_at, statistics_json FROM meetings WHERE meeting_id = ?`,
		meetingID,
	)
	if err := row.Scan(&participants, &startedAt, &endedAt, &stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load %s: %w", meetingID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", meetingID, err)
	}
	if err := json.Unmarshal([]byte(participants), &fs.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &fs.Statistics); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	fs.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	fs.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, speaker, text, confidence, timestamp, is_final
         FROM meeting_entries WHERE meeting_id = ? ORDER BY seq`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e       models.TranscriptEntry
			isFinal int
		)
		if err := rows.Scan(&e.Seq, &e.Speaker, &e.Text, &e.Confidence, &e.Timestamp, &isFinal); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.IsFinal = isFinal != 0
		fs.Entries = append(fs.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return &fs, nil
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
