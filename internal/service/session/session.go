package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/service/audio"
	"live-transcribe-service/internal/service/stt"
	"live-transcribe-service/internal/service/transcript"
)

const (
	defaultFrameBuffer  = 64
	defaultDrainTimeout = 5 * time.Second
	subscriberBuffer    = 16
)

// Config holds what every session needs to run captures.
type Config struct {
	Provider  string
	Factory   stt.Factory
	Limits    audio.CaptureLimits
	// SampleRateHz of pushed PCM, used by the duration limit.
	SampleRateHz int
	Publisher    audio.Publisher
	Archive   audio.Archiver
	Metrics   *metrics.Metrics

	// FrameBuffer is the capacity of the queue between PushAudio and the pump.
	FrameBuffer int
	// DrainTimeout bounds how long Stop waits for the inbound result
	// stream after audio input ends.
	DrainTimeout time.Duration
}

// Update is delivered to subscribers after every transcript or state change.
type Update struct {
	SessionID string
	State     State
	Segments  []transcript.Segment
	Change    *transcript.Change
	Err       error
}

// Info summarizes a session.
type Info struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	CaptureRuns int       `json:"captureRuns"`
	Segments    int       `json:"segments"`
	CreatedAt   time.Time `json:"createdAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// capture is one Start..Stop run.
type capture struct {
	run      int
	handler  *audio.Handler
	frames   chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
	started  time.Time
}

func (c *capture) requestStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Session owns a transcript that persists across capture runs.
type Session struct {
	id         string
	cfg        Config
	createdAt  time.Time
	transcript *transcript.Transcript
	lifecycle  *Lifecycle
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	runs    int
	current *capture
	lastErr error

	subsMu  sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// New creates an idle session.
func New(id string, cfg Config) *Session {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Session{
		id:         id,
		cfg:        cfg,
		createdAt:  time.Now(),
		transcript: transcript.New(),
		lifecycle:  NewLifecycle(),
		metrics:    m,
		logger:     logging.WithSession(id),
		subs:       make(map[int]chan Update),
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the capture state.
func (s *Session) State() State { return s.lifecycle.State() }

// Transcript returns a snapshot of the segment list.
func (s *Session) Transcript() []transcript.Segment { return s.transcript.Snapshot() }

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	runs := s.runs
	lastErr := s.lastErr
	s.mu.Unlock()

	info := Info{
		ID:          s.id,
		State:       s.lifecycle.State().String(),
		Provider:    s.cfg.Provider,
		CaptureRuns: runs,
		Segments:    s.transcript.Len(),
		CreatedAt:   s.createdAt,
	}
	if lastErr != nil {
		info.LastError = lastErr.Error()
	}
	return info
}

// Start begins a capture run. It opens a fresh STT adapter and starts the
// pump that forwards queued audio. Any failure resets the session to idle.
func (s *Session) Start(ctx context.Context) error {
	if err := s.lifecycle.BeginCapture(); err != nil {
		return err
	}

	s.mu.Lock()
	s.runs++
	run := s.runs
	s.lastErr = nil
	s.mu.Unlock()

	// The run outlives the caller's request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &capture{
		run:     run,
		frames:  make(chan []byte, s.cfg.FrameBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
		started: time.Now(),
	}

	adapter, err := s.cfg.Factory(runCtx)
	if err != nil {
		cancel()
		return s.abortStart(fmt.Errorf("create stt adapter: %w", err))
	}

	c.handler = audio.NewHandler(adapter, s.transcript, audio.HandlerConfig{
		SessionID: s.id,
		Run:       run,
		Provider:  s.cfg.Provider,
		Limits:       s.cfg.Limits,
		SampleRateHz: s.cfg.SampleRateHz,
		Publisher:    s.cfg.Publisher,
		Archive:   s.cfg.Archive,
		Metrics:   s.metrics,
		OnUpdate: func(change transcript.Change) {
			s.broadcast(&change, nil)
		},
		OnFailure: func(err error) {
			s.mu.Lock()
			if s.current != c {
				s.mu.Unlock()
				return
			}
			s.lastErr = err
			s.mu.Unlock()
			s.lifecycle.BeginStop()
			c.requestStop()
		},
	})

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()

	if err := c.handler.Start(runCtx); err != nil {
		c.handler.Retire()
		c.requestStop()
		cancel()
		_ = adapter.Close()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		return s.abortStart(fmt.Errorf("start stt stream: %w", err))
	}

	s.metrics.RecordCaptureStart()
	s.logger.Info().Int("captureRun", run).Str("provider", s.cfg.Provider).Msg("Capture started")
	s.broadcast(nil, nil)

	go s.pump(runCtx, c)
	return nil
}

func (s *Session) abortStart(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.lifecycle.EndCapture()
	s.metrics.RecordCaptureEnd("start_failed", 0)
	s.logger.Error().Err(err).Msg("Capture failed to start")
	s.broadcast(nil, err)
	return err
}

// PushAudio queues one PCM frame for the current capture run. It blocks
// while the queue is full, until ctx is done or capture stops.
func (s *Session) PushAudio(ctx context.Context, pcm []byte) error {
	if s.lifecycle.IsClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil || s.lifecycle.State() != StateRecording {
		return ErrNotRecording
	}

	select {
	case <-c.stop:
		return ErrNotRecording
	default:
	}

	select {
	case c.frames <- pcm:
		return nil
	case <-c.stop:
		return ErrNotRecording
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends audio input and waits until the inbound results have been
// applied, or ctx is done. Stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	if s.lifecycle.IsClosed() {
		return ErrSessionClosed
	}
	return s.stopCurrent(ctx)
}

func (s *Session) stopCurrent(ctx context.Context) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	s.lifecycle.BeginStop()
	c.requestStop()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump is the single consumer of the frame queue. After stop it drains
// what is queued, closes the adapter and waits for the inbound stream.
func (s *Session) pump(ctx context.Context, c *capture) {
	defer close(c.done)

	forward := func(frame []byte) {
		if c.handler.Err() != nil {
			return
		}
		if err := c.handler.SendAudio(ctx, frame); err != nil {
			s.logger.Debug().Err(err).Msg("Frame not forwarded")
		}
	}

loop:
	for {
		select {
		case frame := <-c.frames:
			forward(frame)
		case <-c.stop:
			break loop
		}
	}

drain:
	for {
		select {
		case frame := <-c.frames:
			forward(frame)
		default:
			break drain
		}
	}

	if err := c.handler.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing stt stream")
	}

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-c.handler.Done():
	case <-timer.C:
		s.logger.Warn().Dur("timeout", s.cfg.DrainTimeout).Msg("Inbound results did not complete in time")
	}

	// Detach before the session can start another run on the same transcript.
	c.handler.Retire()
	c.cancel()
	s.finishRun(c)
}

func (s *Session) finishRun(c *capture) {
	err := c.handler.Err()
	stats := c.handler.Stats()

	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	s.lifecycle.EndCapture()

	reason := "stopped"
	if err != nil {
		reason = "failed"
	}
	s.metrics.RecordCaptureEnd(reason, time.Since(c.started).Seconds())

	s.logger.Info().
		Int("captureRun", c.run).
		Str("reason", reason).
		Int64("audioBytes", stats.AudioBytes).
		Int("results", stats.Results).
		Int("segments", s.transcript.Len()).
		Msg("Capture ended")

	s.broadcast(nil, err)
}

// Close stops any capture, closes subscriber channels and marks the
// session closed. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	prev := s.lifecycle.Close()
	if prev == StateClosed {
		return nil
	}

	err := s.stopCurrent(ctx)

	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	s.logger.Info().Int("segments", s.transcript.Len()).Msg("Session closed")
	return err
}

// Subscribe registers for updates. The returned channel receives the
// current snapshot immediately. Slow readers miss intermediate updates but
// always see the latest. The cancel func unregisters.
func (s *Session) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	s.subsMu.Lock()
	if s.lifecycle.IsClosed() {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.update(nil, nil)
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) update(change *transcript.Change, err error) Update {
	return Update{
		SessionID: s.id,
		State:     s.lifecycle.State(),
		Segments:  s.transcript.Snapshot(),
		Change:    change,
		Err:       err,
	}
}

// broadcast delivers an update without blocking. A full subscriber loses
// its oldest pending update.
func (s *Session) broadcast(change *transcript.Change, err error) {
	u := s.update(change, err)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
