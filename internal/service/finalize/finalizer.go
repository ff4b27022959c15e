// Package finalize ends meeting sessions, persists the finalized record and
// hands it to downstream analysis.
package finalize

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/logging"
	"meeting-transcription-relay/internal/observability/metrics"
	"meeting-transcription-relay/internal/service/session"
	"meeting-transcription-relay/internal/store"
)

// What caused a session to be finalized.
const (
	TriggerClient   = "client"
	TriggerIdle     = "idle"
	TriggerShutdown = "shutdown"
)

// AnalysisTrigger requests analysis of a finalized meeting.
type AnalysisTrigger interface {
	TriggerAnalysis(ctx context.Context, fs models.FinalizedSession) error
}

// PipelineCloser stops the audio pipeline of one session of a meeting.
type PipelineCloser interface {
	Close(meetingID string, generation uint64) bool
}

// Unbinder detaches connections from one finished session of a meeting.
type Unbinder interface {
	UnbindMeeting(meetingID string, generation uint64) int
}

// Sweeper removes connections whose sockets failed.
type Sweeper interface {
	Sweep() int
}

// Options wires a Finalizer to its collaborators. Pipelines, Analysis and
// Connections may be nil.
type Options struct {
	Table       *session.Table
	Pipelines   PipelineCloser
	Store       store.Store
	Analysis    AnalysisTrigger
	Connections Unbinder
	Metrics     *metrics.Metrics

	PersistRetries  int
	RetryBaseDelay  time.Duration
	AnalysisTimeout time.Duration
}

// Finalizer turns an active session into a durable FinalizedSession.
type Finalizer struct {
	opts Options
	log  zerolog.Logger

	// analysis tracks in-flight analysis triggers.
	analysis sync.WaitGroup
}

// New creates a Finalizer. A nil Metrics uses metrics.DefaultMetrics.
func New(opts Options) *Finalizer {
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 30 * time.Second
	}
	return &Finalizer{
		opts: opts,
		log:  logging.WithComponent("finalize"),
	}
}

// Finalize ends the session for meetingID, persists it and triggers analysis.
// It fails only when no active session exists; a persistence failure is logged
// and counted but the finalized record is still returned.
func (f *Finalizer) Finalize(ctx context.Context, meetingID, trigger string) (*models.FinalizedSession, error) {
	snap, err := f.opts.Table.End(meetingID)
	if err != nil {
		f.opts.Metrics.RecordSessionRejected("end_not_found")
		return nil, err
	}
	log := logging.WithMeeting("finalize", meetingID)

	if f.opts.Pipelines != nil {
		f.opts.Pipelines.Close(meetingID, snap.Generation)
	}

	endedAt := time.Now().UTC()
	if snap.EndedAt != nil {
		endedAt = *snap.EndedAt
	}
	fs := models.FinalizedSession{
		MeetingID:    meetingID,
		Participants: snap.Participants,
		StartedAt:    snap.StartedAt,
		EndedAt:      endedAt,
		Entries:      snap.Entries,
		Statistics:   ComputeStatistics(snap.Participants, snap.Entries, snap.StartedAt, endedAt),
	}

	if err := f.persist(ctx, fs); err != nil {
		log.Error().Err(err).Msg("Finalized session could not be persisted")
	}

	if f.opts.Analysis != nil {
		f.analysis.Add(1)
		go f.triggerAnalysis(fs)
	}

	f.opts.Table.Remove(meetingID, snap.Generation)
	if f.opts.Connections != nil {
		f.opts.Connections.UnbindMeeting(meetingID, snap.Generation)
	}

	f.opts.Metrics.RecordSessionFinalized(trigger, fs.Statistics.DurationSeconds, len(fs.Entries))
	log.Info().
		Str("trigger", trigger).
		Int("transcriptCount", fs.Statistics.TranscriptCount).
		Int("totalWords", fs.Statistics.TotalWords).
		Float64("durationSeconds", fs.Statistics.DurationSeconds).
		Msg("Session finalized")
	return &fs, nil
}

// persist writes the record with doubling backoff between attempts.
func (f *Finalizer) persist(ctx context.Context, fs models.FinalizedSession) error {
	if f.opts.Store == nil {
		return nil
	}
	delay := f.opts.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= f.opts.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		start := time.Now()
		lastErr = f.opts.Store.SaveSession(ctx, fs)
		f.opts.Metrics.RecordPersist("save_session", lastErr, time.Since(start).Seconds())
		if lastErr == nil {
			return nil
		}
		f.log.Warn().
			Err(lastErr).
			Str("meetingId", fs.MeetingID).
			Int("attempt", attempt+1).
			Msg("Persist attempt failed")
	}
	return lastErr
}

func (f *Finalizer) triggerAnalysis(fs models.FinalizedSession) {
	defer f.analysis.Done()
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.AnalysisTimeout)
	defer cancel()

	if err := f.opts.Analysis.TriggerAnalysis(ctx, fs); err != nil {
		f.log.Error().Err(err).Str("meetingId", fs.MeetingID).Msg("Analysis trigger failed")
		return
	}
	f.log.Debug().Str("meetingId", fs.MeetingID).Msg("Analysis triggered")
}

// Wait blocks until in-flight analysis triggers have returned.
func (f *Finalizer) Wait() {
	f.analysis.Wait()
}

// FinalizeAll finalizes every active session, used on shutdown.
func (f *Finalizer) FinalizeAll(ctx context.Context) int {
	n := 0
	for _, id := range f.opts.Table.ActiveIDs() {
		if _, err := f.Finalize(ctx, id, TriggerShutdown); err == nil {
			n++
		}
	}
	return n
}
