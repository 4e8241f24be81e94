// Package events publishes finalized utterances and turn decisions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/metrics"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

// Default topic names.
const (
	DefaultTopicUtterance = "voiceturn.utterance.final"
	DefaultTopicDecision  = "voiceturn.turn.decision"
)

// UtteranceEvent is published once per dispatched user utterance.
type UtteranceEvent struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers        []string `yaml:"brokers"`
	TopicUtterance string   `yaml:"topic_utterance"`
	TopicDecision  string   `yaml:"topic_decision"`
	Principal      string   `yaml:"principal"`
	Enabled        bool     `yaml:"enabled"`
}

// Publisher publishes events to separate Kafka topics. When Kafka is
// disabled it only logs.
type Publisher struct {
	writerUtterance *kafka.Writer
	writerDecision  *kafka.Writer
	principal       string
	topicUtterance  string
	topicDecision   string
	enabled         bool
	metrics         *metrics.Metrics
	log             zerolog.Logger
}

// New creates a publisher. A nil config or one without brokers yields a
// log-only publisher. m may be nil.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	logger := logging.WithComponent("events")

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			topicUtterance: DefaultTopicUtterance,
			topicDecision:  DefaultTopicDecision,
			metrics:        m,
			log:            logger,
		}
	}

	topicUtterance := cfg.TopicUtterance
	if topicUtterance == "" {
		topicUtterance = DefaultTopicUtterance
	}
	topicDecision := cfg.TopicDecision
	if topicDecision == "" {
		topicDecision = DefaultTopicDecision
	}

	p := &Publisher{
		principal:      cfg.Principal,
		topicUtterance: topicUtterance,
		topicDecision:  topicDecision,
		metrics:        m,
		log:            logger,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerUtterance = newWriter(cfg.Brokers, topicUtterance, transport)
	p.writerDecision = newWriter(cfg.Brokers, topicDecision, transport)
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicUtterance", topicUtterance).
		Str("topicDecision", topicDecision).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishUtterance publishes a dispatched utterance keyed by session.
func (p *Publisher) PublishUtterance(ctx context.Context, ev UtteranceEvent) error {
	return p.publish(ctx, p.writerUtterance, p.topicUtterance, "utterance", ev.SessionID, ev)
}

// PublishDecision publishes a turn decision keyed by session.
func (p *Publisher) PublishDecision(ctx context.Context, d turn.TurnDecision) error {
	return p.publish(ctx, p.writerDecision, p.topicDecision, "decision", d.SessionID, d)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	p.log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.record(topic, eventType, nil, start)
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
		p.log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.record(topic, eventType, err, start)
		return fmt.Errorf("write %s event: %w", eventType, err)
	}

	p.record(topic, eventType, nil, start)
	return nil
}

func (p *Publisher) record(topic, eventType string, err error, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
	}
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerUtterance != nil {
		if e := p.writerUtterance.Close(); e != nil {
			p.log.Error().Err(e).Msg("Error closing utterance writer")
			err = e
		}
	}
	if p.writerDecision != nil {
		if e := p.writerDecision.Close(); e != nil {
			p.log.Error().Err(e).Msg("Error closing decision writer")
			err = e
		}
	}
	return err
}
