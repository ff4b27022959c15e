package events

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, testMetrics())
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil || p.writerAnalysis != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:       false,
		Brokers:       []string{"localhost:9092"},
		TopicPartial:  "test.partial",
		TopicFinal:    "test.final",
		TopicAnalysis: "test.ended",
		Principal:     "test-principal",
	}

	p := New(cfg, testMetrics())

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" {
		t.Errorf("expected topic partial 'test.partial', got %s", p.topicPartial)
	}
	if p.topicFinal != "test.final" {
		t.Errorf("expected topic final 'test.final', got %s", p.topicFinal)
	}
	if p.topicAnalysis != "test.ended" {
		t.Errorf("expected topic analysis 'test.ended', got %s", p.topicAnalysis)
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:       true,
		Brokers:       []string{"localhost:9092"},
		TopicPartial:  "p",
		TopicFinal:    "f",
		TopicAnalysis: "a",
	}, testMetrics())
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	if p.writerAnalysis == nil || p.writerAnalysis.Topic != "a" {
		t.Error("expected analysis writer on topic 'a'")
	}
	if p.writerFinal.BatchTimeout != 10*time.Millisecond {
		t.Errorf("expected 10ms batch timeout on final writer, got %v", p.writerFinal.BatchTimeout)
	}
}

func TestPublishTranscript_RoutesByFinality(t *testing.T) {
	m := testMetrics()
	p := New(&Config{Enabled: false, TopicPartial: "p", TopicFinal: "f"}, m)
	ctx := context.Background()

	partial := models.NewTranscript("m1", models.NewEntry("Alice", "hel", 0.5, false))
	final := models.NewTranscript("m1", models.NewEntry("Alice", "hello", 0.9, true))

	if err := p.PublishTranscript(ctx, partial); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishTranscript(ctx, final); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}

	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("p", EventPartial)); got != 1 {
		t.Errorf("expected 1 partial publish, got %v", got)
	}
	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("f", EventFinal)); got != 1 {
		t.Errorf("expected 1 final publish, got %v", got)
	}
}

func TestTriggerAnalysis_Disabled(t *testing.T) {
	m := testMetrics()
	p := New(&Config{Enabled: false, TopicAnalysis: "a"}, m)

	err := p.TriggerAnalysis(context.Background(), models.FinalizedSession{MeetingID: "m1"})
	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if got := testutil.ToFloat64(m.AnalysisTriggers.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 successful trigger, got %v", got)
	}
}

func TestPublish_MarshalError(t *testing.T) {
	p := New(&Config{Enabled: false}, testMetrics())

	err := p.publish(context.Background(), nil, "t", "x", "k", make(chan int))
	if err == nil {
		t.Error("expected marshal error")
	}
}
