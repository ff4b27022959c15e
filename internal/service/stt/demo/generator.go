// Package demo provides a synthetic transcript generator for running the relay
// without a speech backend.
//
// DEMO MODE ONLY: the generator ignores audio content entirely. It is selected
// explicitly with STT_PROVIDER=demo and is never used as a fallback for a
// configured backend that fails.
package demo

import (
	"math/rand/v2"
	"sync"

	"meeting-transcription-relay/internal/service/stt"
)

// DefaultPhrases are cycled through per meeting.
var DefaultPhrases = []string{
	"Let's start with a quick round of updates.",
	"The release branch was cut yesterday and QA has started.",
	"I can take the follow-up on the billing migration.",
	"Do we have a date for the customer review?",
	"Let's move the design discussion to Thursday.",
	"I'll share the notes after this call.",
	"Any blockers before we wrap up?",
	"Thanks everyone, talk next week.",
}

// Config controls when and how often synthetic entries are produced.
type Config struct {
	// MinConnections is the number of connections that must be bound to the
	// meeting before anything is emitted, so a solo test socket stays silent.
	MinConnections int
	// MaxEntries caps synthetic entries per meeting.
	MaxEntries int
	// Probability of emitting an entry on a single invocation.
	Probability float64
	// Confidence reported on every synthetic entry.
	Confidence float64
	Phrases    []string
	Seed       int64
}

// DefaultConfig returns the generator defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections: 2,
		MaxEntries:     8,
		Probability:    0.1,
		Confidence:     0.95,
		Phrases:        DefaultPhrases,
		Seed:           1,
	}
}

// Generator produces at most one synthetic final result per invocation.
type Generator struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	emitted map[string]int
}

// New creates a generator. A zero Seed still yields a deterministic sequence.
func New(cfg Config) *Generator {
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = DefaultPhrases
	}
	return &Generator{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(uint64(cfg.Seed), 0x6d656574)),
		emitted: make(map[string]int),
	}
}

// Next decides whether to emit an entry for meetingID given the number of
// connections currently bound to it.
func (g *Generator) Next(meetingID string, boundConnections int) (stt.Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if boundConnections < g.cfg.MinConnections {
		return stt.Result{}, false
	}
	n := g.emitted[meetingID]
	if g.cfg.MaxEntries > 0 && n >= g.cfg.MaxEntries {
		return stt.Result{}, false
	}
	if g.rng.Float64() >= g.cfg.Probability {
		return stt.Result{}, false
	}

	g.emitted[meetingID] = n + 1
	return stt.Result{
		Text:       g.cfg.Phrases[n%len(g.cfg.Phrases)],
		Confidence: g.cfg.Confidence,
	}, true
}

// Emitted returns how many entries were produced for meetingID.
func (g *Generator) Emitted(meetingID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emitted[meetingID]
}

// Forget drops per-meeting state once the meeting is finalized.
func (g *Generator) Forget(meetingID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.emitted, meetingID)
}
