package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/service/audio"
	"live-transcribe-service/internal/service/stt"
	"live-transcribe-service/internal/service/stt/mock"
	"live-transcribe-service/internal/service/transcript"
)

var script = []mock.SimulatedUtterance{
	{Partials: []string{"a", "a b"}, Final: "a b c", Confidence: 0.9},
	{Partials: []string{"x"}, Final: "x y", Confidence: 0.8},
}

func testConfig(factory stt.Factory) Config {
	return Config{
		Provider:     stt.ProviderMock,
		Factory:      factory,
		Metrics:      metrics.NewMetrics(prometheus.NewRegistry()),
		DrainTimeout: 2 * time.Second,
	}
}

func newTestSession(t *testing.T, opts ...mock.Option) *Session {
	t.Helper()
	opts = append([]mock.Option{mock.WithUtterances(script)}, opts...)
	s := New("sess-test", testConfig(mock.Factory(opts...)))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func push(t *testing.T, s *Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.PushAudio(context.Background(), []byte{0, 0}); err != nil {
			t.Fatalf("PushAudio %d: %v", i, err)
		}
	}
}

func stop(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not return to idle, state=%v", s.State())
}

func assertSegments(t *testing.T, got, want []transcript.Segment) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSession_CaptureRun(t *testing.T) {
	s := newTestSession(t)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatalf("expected recording, got %v", s.State())
	}
	push(t, s, 4)
	stop(t, s)

	if s.State() != StateIdle {
		t.Errorf("expected idle after Stop, got %v", s.State())
	}
	assertSegments(t, s.Transcript(), []transcript.Segment{
		{Transcript: "a b c", IsPartial: false},
		{Transcript: "x y", IsPartial: false},
	})

	info := s.Info()
	if info.CaptureRuns != 1 || info.Segments != 2 || info.State != "idle" || info.LastError != "" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestSession_TranscriptPersistsAcrossRuns(t *testing.T) {
	s := newTestSession(t)

	_ = s.Start(context.Background())
	push(t, s, 3)
	stop(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	push(t, s, 1)
	stop(t, s)

	assertSegments(t, s.Transcript(), []transcript.Segment{
		{Transcript: "a b c", IsPartial: false},
		{Transcript: "a b c", IsPartial: false},
	})
	if s.Info().CaptureRuns != 2 {
		t.Errorf("expected 2 capture runs, got %d", s.Info().CaptureRuns)
	}
}

func TestSession_StartWhileRecording(t *testing.T) {
	s := newTestSession(t)
	_ = s.Start(context.Background())

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}
	stop(t, s)
}

func TestSession_StopWhileIdle(t *testing.T) {
	s := newTestSession(t)
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("expected no-op stop, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %v", s.State())
	}
}

func TestSession_PushAudioWhileIdle(t *testing.T) {
	s := newTestSession(t)
	if err := s.PushAudio(context.Background(), []byte{0, 0}); !errors.Is(err, ErrNotRecording) {
		t.Errorf("expected ErrNotRecording, got %v", err)
	}
}

func TestSession_StartFailure(t *testing.T) {
	boom := errors.New("no credentials")
	s := newTestSession(t, mock.WithStartError(boom))

	err := s.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("expected reset to idle, got %v", s.State())
	}
	if s.Info().LastError == "" {
		t.Error("expected last error recorded")
	}
}

func TestSession_FactoryFailure(t *testing.T) {
	boom := errors.New("bad region")
	s := New("sess-f", testConfig(func(ctx context.Context) (stt.Adapter, error) { return nil, boom }))
	defer s.Close(context.Background())

	if err := s.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %v", s.State())
	}
}

func TestSession_STTErrorResetsToIdle(t *testing.T) {
	boom := errors.New("stream reset")
	s := newTestSession(t, mock.WithFailAfter(2, boom))

	_ = s.Start(context.Background())
	push(t, s, 2)
	waitIdle(t, s)

	if s.Info().LastError == "" {
		t.Error("expected STT error recorded")
	}
	assertSegments(t, s.Transcript(), []transcript.Segment{{Transcript: "a", IsPartial: true}})

	if err := s.Start(context.Background()); err != nil {
		t.Errorf("expected restart after failure, got %v", err)
	}
	stop(t, s)
}

func TestSession_LimitExceeded(t *testing.T) {
	cfg := testConfig(mock.Factory(mock.WithUtterances(script)))
	cfg.Limits = audio.CaptureLimits{MaxAudioBytes: 3}
	s := New("sess-l", cfg)
	defer s.Close(context.Background())

	_ = s.Start(context.Background())
	push(t, s, 1)
	_ = s.PushAudio(context.Background(), []byte{0, 0})
	waitIdle(t, s)

	if s.Info().LastError == "" {
		t.Error("expected limit failure recorded")
	}
}

func TestSession_Subscribe(t *testing.T) {
	s := newTestSession(t)
	updates, cancel := s.Subscribe()
	defer cancel()

	first := <-updates
	if first.State != StateIdle || len(first.Segments) != 0 {
		t.Errorf("unexpected initial update %+v", first)
	}

	_ = s.Start(context.Background())
	push(t, s, 4)
	stop(t, s)

	var last Update
	sawChange := false
	for {
		select {
		case u := <-updates:
			last = u
			if u.Change != nil {
				sawChange = true
			}
			continue
		default:
		}
		break
	}
	if !sawChange {
		t.Error("expected at least one transcript change update")
	}
	if last.State != StateIdle || len(last.Segments) != 2 {
		t.Errorf("expected final idle update with 2 segments, got %+v", last)
	}
}

func TestSession_SlowSubscriberNeverBlocks(t *testing.T) {
	s := newTestSession(t)
	_, cancel := s.Subscribe()
	defer cancel()

	_ = s.Start(context.Background())
	push(t, s, subscriberBuffer*3)
	stop(t, s)

	if s.State() != StateIdle {
		t.Errorf("expected idle, got %v", s.State())
	}
}

func TestSession_Close(t *testing.T) {
	s := newTestSession(t)
	updates, _ := s.Subscribe()
	<-updates

	_ = s.Start(context.Background())
	push(t, s, 3)

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
	if len(s.Transcript()) == 0 {
		t.Error("expected transcript readable after close")
	}

	for range updates {
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Start: expected ErrSessionClosed, got %v", err)
	}
	if err := s.Stop(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Stop: expected ErrSessionClosed, got %v", err)
	}
	if err := s.PushAudio(context.Background(), nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("PushAudio: expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if ch, _ := s.Subscribe(); ch != nil {
		if _, ok := <-ch; ok {
			t.Error("expected closed channel from Subscribe after Close")
		}
	}
}

// lingeringAdapter ignores Close and only delivers once its run context is
// cancelled, like a provider stream that outlives the drain timeout.
type lingeringAdapter struct {
	delivered chan struct{}
}

func (a *lingeringAdapter) Start(ctx context.Context, cb stt.Callback) error {
	go func() {
		defer close(a.delivered)
		<-ctx.Done()
		cb.OnResult(stt.Result{Alternatives: []stt.Alternative{{Transcript: "stale"}}, IsPartial: true})
		cb.OnError(fmt.Errorf("stream: %w", ctx.Err()))
	}()
	return nil
}

func (a *lingeringAdapter) SendAudio(context.Context, []byte) error { return nil }

func (a *lingeringAdapter) Close() error { return nil }

func TestSession_DrainTimeoutDetachesRun(t *testing.T) {
	var mu sync.Mutex
	var adapters []*lingeringAdapter
	cfg := testConfig(func(context.Context) (stt.Adapter, error) {
		a := &lingeringAdapter{delivered: make(chan struct{})}
		mu.Lock()
		adapters = append(adapters, a)
		mu.Unlock()
		return a, nil
	})
	cfg.DrainTimeout = 20 * time.Millisecond
	s := New("sess-drain", cfg)
	defer s.Close(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start run 1: %v", err)
	}
	stop(t, s)
	if s.State() != StateIdle {
		t.Fatalf("expected idle after drain timeout, got %v", s.State())
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start run 2: %v", err)
	}

	mu.Lock()
	first := adapters[0]
	mu.Unlock()
	select {
	case <-first.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never delivered its late callbacks")
	}

	if s.State() != StateRecording {
		t.Errorf("state during run 2 = %v, want recording", s.State())
	}
	if info := s.Info(); info.LastError != "" {
		t.Errorf("run 1 error leaked into run 2: %q", info.LastError)
	}
	if got := s.Transcript(); len(got) != 0 {
		t.Errorf("run 1 result reached the transcript: %+v", got)
	}
	if err := s.PushAudio(context.Background(), []byte{0, 0}); err != nil {
		t.Errorf("PushAudio on run 2: %v", err)
	}
}
