// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"live-transcribe-service/internal/models"
	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/schema"
)

// Sink names used for metrics labels.
const (
	SinkKafka = "kafka"
	SinkNATS  = "nats"
	SinkLog   = "log"
)

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript segment events to separate Kafka topics
// and, when configured, to NATS subjects.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	nats          *NATSSink
	validator     *schema.Validator
	principal     string
	topicPartial  string
	topicFinal    string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool
	NATS         NATSConfig
}

// New creates a publisher with separate topics for partial and final
// segments. Sinks that are disabled or unreachable fall back to log-only.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Event sinks disabled (nil config), using log-only mode")
		return &Publisher{
			validator: schema.New(),
			metrics:   m,
		}
	}

	p := &Publisher{
		validator:    schema.New(),
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		metrics:      m,
	}

	if cfg.NATS.Enabled {
		sink, err := ConnectNATS(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, skipping NATS sink")
		} else {
			p.nats = sink
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution inside Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
	p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
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

// PublishSegment validates a segment event and routes it to the partial or
// final destinations, keyed by session so a session's events stay ordered.
func (p *Publisher) PublishSegment(ctx context.Context, event models.SegmentEvent) error {
	if err := p.validator.Validate(event); err != nil {
		log.Error().Err(err).Str("sessionId", event.SessionID).Msg("Dropping invalid segment event")
		return err
	}
	if event.IsPartial {
		return p.PublishPartial(ctx, event.SessionID, event)
	}
	return p.PublishFinal(ctx, event.SessionID, event)
}

// PublishPartial publishes a partial segment event.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", key, event)
}

// PublishFinal publishes a final segment event.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", key, event)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
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

	var errs []error
	if p.nats != nil {
		natsStart := time.Now()
		nerr := p.nats.Publish(eventType, key, p.principal, payload)
		p.metrics.RecordPublish(SinkNATS, eventType, nerr, time.Since(natsStart).Seconds())
		if nerr != nil {
			log.Error().Err(nerr).Str("key", key).Msg("Failed to publish to NATS")
			errs = append(errs, nerr)
		}
	}

	if !p.enabled || writer == nil {
		if p.nats == nil {
			p.metrics.RecordPublish(SinkLog, eventType, nil, time.Since(start).Seconds())
		}
		return errors.Join(errs...)
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
		p.metrics.RecordPublish(SinkKafka, eventType, err, time.Since(start).Seconds())
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	p.metrics.RecordPublish(SinkKafka, eventType, nil, time.Since(start).Seconds())
	return errors.Join(errs...)
}

// Close closes the Kafka writers and drains the NATS connection.
func (p *Publisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	if p.nats != nil {
		p.nats.Close()
	}
	return err
}
