package events

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lukasbauer/voiceturn/internal/metrics"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

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
			p := New(tt.cfg, nil)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if p.writerUtterance != nil || p.writerDecision != nil {
				t.Error("expected nil writers when disabled")
			}
			if err := p.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestNew_TopicDefaults(t *testing.T) {
	p := New(&Config{Principal: "svc"}, nil)
	if p.topicUtterance != DefaultTopicUtterance {
		t.Errorf("topicUtterance = %q, want %q", p.topicUtterance, DefaultTopicUtterance)
	}
	if p.topicDecision != DefaultTopicDecision {
		t.Errorf("topicDecision = %q, want %q", p.topicDecision, DefaultTopicDecision)
	}

	p = New(&Config{TopicUtterance: "a", TopicDecision: "b"}, nil)
	if p.topicUtterance != "a" || p.topicDecision != "b" {
		t.Errorf("topics = %q, %q, want a, b", p.topicUtterance, p.topicDecision)
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{Enabled: true, Brokers: []string{"localhost:9092"}}, nil)
	if !p.Enabled() {
		t.Fatal("expected publisher to be enabled")
	}
	if p.writerUtterance.Topic != DefaultTopicUtterance || p.writerDecision.Topic != DefaultTopicDecision {
		t.Errorf("writer topics = %q, %q", p.writerUtterance.Topic, p.writerDecision.Topic)
	}
	_ = p.Close()
}

func TestPublish_DisabledRecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := New(&Config{Enabled: false}, m)

	err := p.PublishUtterance(context.Background(), UtteranceEvent{
		SessionID: "s1",
		MessageID: "m1",
		Text:      "Je voudrais réserver une table",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishUtterance() error = %v", err)
	}
	p50 := 0.5
	err = p.PublishDecision(context.Background(), turn.TurnDecision{
		SessionID:   "s1",
		Trigger:     turn.TriggerSemantic,
		Probability: &p50,
		Decision:    turn.DecisionWait,
	})
	if err != nil {
		t.Fatalf("PublishDecision() error = %v", err)
	}

	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues(DefaultTopicUtterance, "utterance")); got != 1 {
		t.Errorf("utterance publishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues(DefaultTopicDecision, "decision")); got != 1 {
		t.Errorf("decision publishes = %v, want 1", got)
	}
}

func TestPublish_MarshalError(t *testing.T) {
	p := New(nil, nil)
	err := p.publish(context.Background(), nil, "t", "bad", "k", make(chan int))
	if err == nil {
		t.Error("expected marshal error")
	}
}
