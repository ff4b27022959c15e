// Package events publishes transcript and meeting lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/metrics"
)

// Event types carried in the eventType header and metrics labels.
const (
	EventPartial       = "partial"
	EventFinal         = "final"
	EventMeetingEnded  = "meeting_ended"
	analysisRequestVer = 1
)

// Publisher publishes transcript events to separate Kafka topics and emits the
// meeting.ended analysis request. With Kafka disabled every event is only logged.
type Publisher struct {
	writerPartial  *kafka.Writer
	writerFinal    *kafka.Writer
	writerAnalysis *kafka.Writer
	principal      string
	topicPartial   string
	topicFinal     string
	topicAnalysis  string
	enabled        bool
	metrics        *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicPartial  string
	TopicFinal    string
	TopicAnalysis string
	Principal     string
	Enabled       bool
}

// AnalysisRequest is the payload consumed by the downstream analysis service.
type AnalysisRequest struct {
	Version         int               `json:"version"`
	MeetingID       string            `json:"meetingId"`
	Participants    []string          `json:"participants"`
	StartedAt       time.Time         `json:"startedAt"`
	EndedAt         time.Time         `json:"endedAt"`
	FullTranscript  string            `json:"fullTranscript"`
	Statistics      models.Statistics `json:"statistics"`
	TranscriptCount int               `json:"transcriptCount"`
	RequestedBy     string            `json:"requestedBy"`
}

// New creates a Kafka event publisher. A nil m uses metrics.DefaultMetrics.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:     cfg.Principal,
			topicPartial:  cfg.TopicPartial,
			topicFinal:    cfg.TopicFinal,
			topicAnalysis: cfg.TopicAnalysis,
			enabled:       false,
			metrics:       m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicAnalysis", cfg.TopicAnalysis).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerPartial:  newWriter(cfg.Brokers, cfg.TopicPartial, transport, 10*time.Millisecond),
		writerFinal:    newWriter(cfg.Brokers, cfg.TopicFinal, transport, 10*time.Millisecond),
		writerAnalysis: newWriter(cfg.Brokers, cfg.TopicAnalysis, transport, 0),
		principal:      cfg.Principal,
		topicPartial:   cfg.TopicPartial,
		topicFinal:     cfg.TopicFinal,
		topicAnalysis:  cfg.TopicAnalysis,
		enabled:        true,
		metrics:        m,
	}
}

func newWriter(brokers []string, topic string, transport *kafka.Transport, batch time.Duration) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
	if batch > 0 {
		w.BatchTimeout = batch
	}
	return w
}

// PublishTranscript publishes one transcript message keyed by meeting, so all
// events of a meeting land on the same partition in order.
func (p *Publisher) PublishTranscript(ctx context.Context, t models.Transcript) error {
	if t.IsFinal {
		return p.publish(ctx, p.writerFinal, p.topicFinal, EventFinal, t.MeetingID, t)
	}
	return p.publish(ctx, p.writerPartial, p.topicPartial, EventPartial, t.MeetingID, t)
}

// TriggerAnalysis requests downstream analysis of a finalized meeting.
func (p *Publisher) TriggerAnalysis(ctx context.Context, fs models.FinalizedSession) error {
	req := AnalysisRequest{
		Version:         analysisRequestVer,
		MeetingID:       fs.MeetingID,
		Participants:    fs.Participants,
		StartedAt:       fs.StartedAt,
		EndedAt:         fs.EndedAt,
		FullTranscript:  fs.Statistics.FullTranscript,
		Statistics:      fs.Statistics,
		TranscriptCount: len(fs.Entries),
		RequestedBy:     p.principal,
	}
	err := p.publish(ctx, p.writerAnalysis, p.topicAnalysis, EventMeetingEnded, fs.MeetingID, req)
	p.metrics.RecordAnalysisTrigger(err)
	return err
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]*kafka.Writer{
		"partial":  p.writerPartial,
		"final":    p.writerFinal,
		"analysis": p.writerAnalysis,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("writer", name).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
