// Package audio routes inbound audio for each active meeting to the
// transcription backend and turns backend results into transcript entries.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/logging"
	"meeting-transcription-relay/internal/observability/metrics"
	"meeting-transcription-relay/internal/service/session"
	"meeting-transcription-relay/internal/service/stt"
	"meeting-transcription-relay/internal/service/stt/demo"
)

// ErrChunkTooLarge is returned by Accept for frames over Limits.MaxChunkBytes.
var ErrChunkTooLarge = errors.New("audio chunk too large")

// Drop reasons recorded in metrics.
const (
	dropQueueFull   = "queue_full"
	dropBackend     = "backend_unavailable"
	dropNoBackend   = "no_backend"
	dropTooLarge    = "too_large"
	dropUnknownMeet = "session_not_found"
)

// Limits bounds per-meeting resource usage and backend retries.
type Limits struct {
	QueueSize      int           // frames buffered per meeting before the oldest is dropped
	MaxChunkBytes  int           // largest accepted frame
	MaxRetries     int           // extra attempts when opening a backend stream
	RetryBaseDelay time.Duration // first retry delay, doubled per attempt plus jitter
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		QueueSize:      64,
		MaxChunkBytes:  256 * 1024,
		MaxRetries:     3,
		RetryBaseDelay: 200 * time.Millisecond,
	}
}

// Sessions is the part of the session table the ingest path writes to.
type Sessions interface {
	Roster(meetingID string) ([]string, int, error)
	Append(meetingID string, entry models.TranscriptEntry) (int, models.TranscriptEntry, error)
	Touch(meetingID string)
}

// Broadcaster fans a message out to the connections bound to a meeting.
type Broadcaster interface {
	Broadcast(meetingID string, msg any) int
}

// BoundCounter reports how many connections are bound to a meeting.
type BoundCounter interface {
	CountBound(meetingID string) int
}

// EntryWriter persists raw final entries as they are produced.
type EntryWriter interface {
	AppendEntry(ctx context.Context, meetingID string, entry models.TranscriptEntry) error
}

// TranscriptPublisher forwards transcript messages to the event stream.
type TranscriptPublisher interface {
	PublishTranscript(ctx context.Context, t models.Transcript) error
}

// Options wires an Ingest to its collaborators. Exactly one of Factory and Demo
// selects the transcription mode; with neither, audio is accepted and discarded.
type Options struct {
	Provider string
	Factory  stt.Factory
	Demo     *demo.Generator
	Bound    BoundCounter

	Sessions  Sessions
	Fanout    Broadcaster
	Store     EntryWriter
	Publisher TranscriptPublisher
	Metrics   *metrics.Metrics
	Limits    Limits
}

// Ingest owns one Pipeline per active meeting.
type Ingest struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// New creates an Ingest. A nil Metrics uses metrics.DefaultMetrics.
func New(opts Options) *Ingest {
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.Limits.QueueSize <= 0 {
		opts.Limits.QueueSize = DefaultLimits().QueueSize
	}
	if opts.Provider == "" {
		switch {
		case opts.Factory != nil:
			opts.Provider = "backend"
		case opts.Demo != nil:
			opts.Provider = "demo"
		default:
			opts.Provider = "none"
		}
	}
	return &Ingest{
		opts:      opts,
		log:       logging.WithComponent("ingest"),
		pipelines: make(map[string]*Pipeline),
	}
}

// Open creates the pipeline for a newly started session of meetingID. A
// pipeline left over from an earlier session with the same id is closed first.
func (in *Ingest) Open(meetingID string, generation uint64) *Pipeline {
	p := newPipeline(meetingID, generation, in)

	in.mu.Lock()
	old := in.pipelines[meetingID]
	in.pipelines[meetingID] = p
	in.mu.Unlock()

	if old != nil {
		old.close()
	}
	if in.opts.Demo != nil {
		in.opts.Demo.Forget(meetingID)
	}
	p.run()

	in.log.Info().
		Str("meetingId", meetingID).
		Uint64("generation", generation).
		Str("sttProvider", in.opts.Provider).
		Msg("Audio pipeline opened")
	return p
}

// Accept routes one audio frame to the meeting's pipeline.
func (in *Ingest) Accept(meetingID string, audio []byte) error {
	in.mu.Lock()
	p := in.pipelines[meetingID]
	in.mu.Unlock()

	if p == nil {
		in.opts.Metrics.RecordAudioDropped(dropUnknownMeet)
		return fmt.Errorf("audio for %s: %w", meetingID, session.ErrSessionNotFound)
	}
	if limit := in.opts.Limits.MaxChunkBytes; limit > 0 && len(audio) > limit {
		in.opts.Metrics.RecordAudioDropped(dropTooLarge)
		return fmt.Errorf("audio for %s: %d bytes: %w", meetingID, len(audio), ErrChunkTooLarge)
	}
	if len(audio) == 0 {
		return nil
	}

	in.opts.Metrics.RecordAudioReceived(len(audio))
	in.opts.Sessions.Touch(meetingID)
	p.accept(audio)
	return nil
}

// Close stops and removes the pipeline of the given session. A pipeline that
// belongs to a newer session under the same id is left running. It reports
// whether a pipeline was closed.
func (in *Ingest) Close(meetingID string, generation uint64) bool {
	in.mu.Lock()
	p := in.pipelines[meetingID]
	if p == nil || p.generation != generation {
		in.mu.Unlock()
		return false
	}
	delete(in.pipelines, meetingID)
	in.mu.Unlock()

	p.close()
	if in.opts.Demo != nil {
		in.opts.Demo.Forget(meetingID)
	}
	return true
}

// Shutdown closes every pipeline.
func (in *Ingest) Shutdown() {
	in.mu.Lock()
	open := make([]*Pipeline, 0, len(in.pipelines))
	for _, p := range in.pipelines {
		open = append(open, p)
	}
	in.mu.Unlock()

	for _, p := range open {
		in.Close(p.meetingID, p.generation)
	}
}

// Len returns the number of open pipelines.
func (in *Ingest) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pipelines)
}
