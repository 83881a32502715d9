package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	Enabled        bool
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSSink publishes segment events to <prefix>.partial and <prefix>.final.
type NATSSink struct {
	conn   natsConn
	prefix string
}

// ConnectNATS dials the configured server.
func ConnectNATS(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS url configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("live-transcribe-service"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info().Str("url", cfg.URL).Str("subjectPrefix", cfg.SubjectPrefix).Msg("Connected to NATS")
	return newNATSSink(conn, cfg.SubjectPrefix), nil
}

func newNATSSink(conn natsConn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "transcript.segment"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject for the given event kind (partial or final).
func (s *NATSSink) Subject(kind string) string {
	return s.prefix + "." + kind
}

// Publish sends payload with the session key and principal as headers.
func (s *NATSSink) Publish(kind, key, principal string, payload []byte) error {
	msg := nats.NewMsg(s.Subject(kind))
	msg.Data = payload
	msg.Header.Set("key", key)
	msg.Header.Set("principal", principal)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("Error draining NATS connection")
	}
}
