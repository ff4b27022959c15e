// Package fanout delivers server messages to every connection bound to a meeting.
package fanout

import (
	"github.com/rs/zerolog"

	"meeting-transcription-relay/internal/observability/logging"
	"meeting-transcription-relay/internal/observability/metrics"
	"meeting-transcription-relay/internal/service/registry"
)

// Broadcaster sends one message to all live connections bound to a meeting.
type Broadcaster struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New creates a Broadcaster. A nil m uses metrics.DefaultMetrics.
func New(reg *registry.Registry, m *metrics.Metrics) *Broadcaster {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Broadcaster{
		registry: reg,
		metrics:  m,
		log:      logging.WithComponent("fanout"),
	}
}

// Broadcast delivers msg to every connection bound to meetingID in registration
// order and returns the number of successful deliveries. A failed send marks the
// connection stale and delivery continues with the rest; stale connections are
// removed by the next Sweep.
func (b *Broadcaster) Broadcast(meetingID string, msg any) int {
	delivered, failed := 0, 0
	for _, c := range b.registry.BoundTo(meetingID) {
		if err := c.Send(msg); err != nil {
			failed++
			b.registry.MarkStale(c.ID)
			b.log.Warn().
				Err(err).
				Str("clientId", c.ID).
				Str("meetingId", meetingID).
				Msg("Delivery failed, marking connection stale")
			continue
		}
		delivered++
	}
	b.metrics.RecordBroadcast(delivered, failed)
	return delivered
}

// Sweep removes connections marked stale by earlier broadcasts.
func (b *Broadcaster) Sweep() int {
	n := b.registry.Sweep()
	if n > 0 {
		b.log.Debug().Int("removed", n).Msg("Swept stale connections")
	}
	return n
}
