package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"live-transcribe-service/internal/observability/metrics"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Manager creates and tracks sessions.
type Manager struct {
	cfg     Config
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a manager whose sessions share cfg.
func NewManager(cfg Config) *Manager {
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Manager{
		cfg:      cfg,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new idle session with a fresh ID.
func (m *Manager) Create() *Session {
	id := xid.New().String()
	s := New(id, m.cfg)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	log.Info().Str("sessionId", id).Msg("Session created")
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns session summaries, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete closes and removes the session with id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.metrics.RecordSessionClosed()
	return s.Close(ctx)
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		m.metrics.RecordSessionClosed()
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("All sessions closed")
	}
	return errors.Join(errs...)
}
