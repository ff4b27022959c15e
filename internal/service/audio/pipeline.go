package audio

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/logging"
	"meeting-transcription-relay/internal/service/stt"
)

// publishTimeout bounds one event-stream hand-off so a stalled broker cannot
// hold up transcript delivery.
const publishTimeout = 2 * time.Second

// Pipeline carries one session's audio to the backend and its results back out.
//
// Frames are queued and forwarded by a single pump goroutine. Results are
// emitted under emitMu so that entries are appended, persisted and broadcast in
// sequence order. Once closed, late results are discarded so they can never
// land in a newer session that reuses the meeting id.
type Pipeline struct {
	meetingID  string
	generation uint64
	in         *Ingest
	log        zerolog.Logger

	queue  *frameQueue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	emitMu sync.Mutex
	closed bool // guarded by emitMu

	mu       sync.Mutex
	adapter  stt.Adapter
	lastSend time.Time
}

func newPipeline(meetingID string, generation uint64, in *Ingest) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		meetingID:  meetingID,
		generation: generation,
		in:         in,
		log:        logging.WithStream(meetingID, in.opts.Provider),
		queue:      newFrameQueue(in.opts.Limits.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// MeetingID returns the meeting this pipeline serves.
func (p *Pipeline) MeetingID() string { return p.meetingID }

func (p *Pipeline) run() {
	if p.in.opts.Factory == nil {
		close(p.done)
		return
	}
	go p.pump()
}

func (p *Pipeline) accept(audio []byte) {
	switch {
	case p.in.opts.Factory != nil:
		if p.queue.push(audio) {
			p.in.opts.Metrics.RecordAudioDropped(dropQueueFull)
			p.log.Warn().Int("queueSize", p.queue.limit).Msg("Audio queue full, dropped oldest frame")
		}
	case p.in.opts.Demo != nil:
		bound := 0
		if p.in.opts.Bound != nil {
			bound = p.in.opts.Bound.CountBound(p.meetingID)
		}
		if res, ok := p.in.opts.Demo.Next(p.meetingID, bound); ok {
			p.emitFinal(res)
		}
	default:
		p.in.opts.Metrics.RecordAudioDropped(dropNoBackend)
	}
}

// pump forwards queued frames to the backend until the pipeline is closed.
func (p *Pipeline) pump() {
	defer close(p.done)
	for {
		frame, ok := p.queue.pop(p.ctx)
		if !ok || p.isClosed() {
			return
		}

		adapter, err := p.ensureAdapter()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.in.opts.Metrics.RecordAudioDropped(dropBackend)
			p.log.Error().Err(err).Msg("BackendUnavailable: dropping audio chunk")
			continue
		}

		if err := adapter.SendAudio(p.ctx, frame); err != nil {
			p.in.opts.Metrics.RecordSTTError(p.in.opts.Provider, stt.KindOf(err))
			p.in.opts.Metrics.RecordAudioDropped(dropBackend)
			p.log.Error().Err(err).Msg("BackendUnavailable: send failed, stream will be reopened")
			p.resetAdapter(adapter)
			continue
		}

		p.mu.Lock()
		p.lastSend = time.Now()
		p.mu.Unlock()
	}
}

// ensureAdapter returns the open stream, opening a new one with bounded
// exponential backoff and jitter when needed.
func (p *Pipeline) ensureAdapter() (stt.Adapter, error) {
	p.mu.Lock()
	a := p.adapter
	p.mu.Unlock()
	if a != nil {
		return a, nil
	}

	limits := p.in.opts.Limits
	delay := limits.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= limits.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if delay > 0 {
				wait += rand.N(delay)
			}
			select {
			case <-time.After(wait):
			case <-p.ctx.Done():
				return nil, p.ctx.Err()
			}
			delay *= 2
		}

		a, lastErr = p.open()
		p.in.opts.Metrics.RecordStreamOpen(p.in.opts.Provider, lastErr)
		if lastErr == nil {
			p.mu.Lock()
			p.adapter = a
			p.mu.Unlock()
			p.log.Info().Int("attempt", attempt+1).Msg("STT stream opened")
			return a, nil
		}
		p.in.opts.Metrics.RecordSTTError(p.in.opts.Provider, stt.KindOf(lastErr))
		p.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("Failed to open STT stream")
	}
	return nil, lastErr
}

func (p *Pipeline) open() (stt.Adapter, error) {
	a, err := p.in.opts.Factory(p.ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Start(p.ctx, &streamCallback{p: p, adapter: a}); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// resetAdapter discards a failed stream if it is still the current one.
func (p *Pipeline) resetAdapter(failed stt.Adapter) {
	p.mu.Lock()
	current := p.adapter == failed
	if current {
		p.adapter = nil
	}
	p.mu.Unlock()
	if current {
		_ = failed.Close()
	}
}

// close stops the pump and releases the stream. The adapter is closed before
// the context is cancelled so its receive loop treats the cancellation as a
// normal shutdown. Results that arrive afterwards are discarded.
func (p *Pipeline) close() {
	p.emitMu.Lock()
	p.closed = true
	p.emitMu.Unlock()

	p.queue.close()

	p.mu.Lock()
	a := p.adapter
	p.adapter = nil
	p.mu.Unlock()
	if a != nil {
		if err := a.Close(); err != nil {
			p.log.Debug().Err(err).Msg("Error closing STT stream")
		}
	}

	p.cancel()
	<-p.done

	// The pump may have opened a stream while it was draining.
	p.mu.Lock()
	a = p.adapter
	p.adapter = nil
	p.mu.Unlock()
	if a != nil {
		_ = a.Close()
	}
	p.log.Info().Msg("Audio pipeline closed")
}

func (p *Pipeline) isClosed() bool {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	return p.closed
}

func (p *Pipeline) emitPartial(res stt.Result) {
	if msg, ok := p.buildPartial(res); ok {
		p.publish(msg)
	}
}

func (p *Pipeline) buildPartial(res stt.Result) (models.Transcript, bool) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.closed {
		return models.Transcript{}, false
	}

	participants, count, err := p.in.opts.Sessions.Roster(p.meetingID)
	if err != nil {
		p.log.Debug().Err(err).Msg("Partial after session ended, discarded")
		return models.Transcript{}, false
	}
	entry := models.NewEntry(speakerLabel(participants, res.SpeakerTag, count), res.Text, res.Confidence, false)
	if entry.Text == "" {
		return models.Transcript{}, false
	}

	msg := models.NewTranscript(p.meetingID, entry)
	p.in.opts.Metrics.RecordPartialTranscript()
	p.in.opts.Fanout.Broadcast(p.meetingID, msg)
	return msg, true
}

func (p *Pipeline) emitFinal(res stt.Result) {
	if msg, ok := p.appendFinal(res); ok {
		p.publish(msg)
	}
}

// appendFinal appends, persists and broadcasts one final entry under emitMu.
// Publishing to the event stream happens after the lock is released.
func (p *Pipeline) appendFinal(res stt.Result) (models.Transcript, bool) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.closed {
		p.log.Debug().Msg("Final after pipeline closed, discarded")
		return models.Transcript{}, false
	}

	participants, count, err := p.in.opts.Sessions.Roster(p.meetingID)
	if err != nil {
		p.log.Debug().Err(err).Msg("Final after session ended, discarded")
		return models.Transcript{}, false
	}
	entry := models.NewEntry(speakerLabel(participants, res.SpeakerTag, count), res.Text, res.Confidence, true)
	if entry.Text == "" {
		return models.Transcript{}, false
	}

	_, stored, err := p.in.opts.Sessions.Append(p.meetingID, entry)
	if err != nil {
		p.log.Debug().Err(err).Msg("Final rejected by session table")
		return models.Transcript{}, false
	}
	p.in.opts.Metrics.RecordFinalTranscript()

	p.mu.Lock()
	lastSend := p.lastSend
	p.mu.Unlock()
	if !lastSend.IsZero() {
		p.in.opts.Metrics.STTFinalLatency.Observe(time.Since(lastSend).Seconds())
	}

	if p.in.opts.Store != nil {
		start := time.Now()
		err := p.in.opts.Store.AppendEntry(p.ctx, p.meetingID, stored)
		p.in.opts.Metrics.RecordPersist("append_entry", err, time.Since(start).Seconds())
		if err != nil {
			p.log.Error().Err(err).Int64("seq", stored.Seq).Msg("Failed to persist transcript entry")
		}
	}

	msg := models.NewTranscript(p.meetingID, stored)
	p.in.opts.Fanout.Broadcast(p.meetingID, msg)
	return msg, true
}

func (p *Pipeline) publish(msg models.Transcript) {
	if p.in.opts.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.in.opts.Publisher.PublishTranscript(ctx, msg); err != nil {
		p.log.Warn().Err(err).Bool("isFinal", msg.IsFinal).Msg("Failed to publish transcript event")
	}
}

// streamCallback binds backend callbacks to the adapter that produced them so a
// late error from a replaced stream cannot reset the current one.
type streamCallback struct {
	p       *Pipeline
	adapter stt.Adapter
}

func (c *streamCallback) OnPartial(r stt.Result) { c.p.emitPartial(r) }

func (c *streamCallback) OnFinal(r stt.Result) { c.p.emitFinal(r) }

func (c *streamCallback) OnError(err error) {
	if c.p.isClosed() {
		c.p.log.Debug().Err(err).Msg("Stream ended after pipeline closed")
		return
	}
	c.p.in.opts.Metrics.RecordSTTError(c.p.in.opts.Provider, stt.KindOf(err))
	c.p.log.Error().Err(err).Msg("BackendUnavailable: stream failed, will reopen on next frame")
	c.p.resetAdapter(c.adapter)
}
