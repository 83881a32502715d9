package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"live-transcribe-service/internal/models"
	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/service/stt"
	"live-transcribe-service/internal/service/transcript"
)

// testAdapter implements stt.Adapter for testing
type testAdapter struct {
	started bool
	closed  bool
	audio   [][]byte
	cb      stt.Callback
}

func (m *testAdapter) Start(ctx context.Context, cb stt.Callback) error {
	m.started = true
	m.cb = cb
	return nil
}

func (m *testAdapter) SendAudio(ctx context.Context, audio []byte) error {
	m.audio = append(m.audio, audio)
	return nil
}

func (m *testAdapter) Close() error {
	m.closed = true
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.SegmentEvent
}

func (p *recordingPublisher) PublishSegment(ctx context.Context, ev models.SegmentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type recordingArchive struct {
	segs []models.ArchivedSegment
	err  error
}

func (a *recordingArchive) SaveSegment(ctx context.Context, seg models.ArchivedSegment) error {
	if a.err != nil {
		return a.err
	}
	a.segs = append(a.segs, seg)
	return nil
}

func result(text string, partial bool) stt.Result {
	return stt.Result{Alternatives: []stt.Alternative{{Transcript: text, Confidence: 0.75}}, IsPartial: partial}
}

func newTestHandler(adapter stt.Adapter, tr *transcript.Transcript, cfg HandlerConfig) *Handler {
	cfg.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-1"
	}
	return NewHandler(adapter, tr, cfg)
}

func TestHandler_StartRegistersCallback(t *testing.T) {
	adapter := &testAdapter{}
	h := newTestHandler(adapter, transcript.New(), HandlerConfig{})

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !adapter.started || adapter.cb != h {
		t.Error("expected adapter started with handler as callback")
	}
	if err := h.SendAudio(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if len(adapter.audio) != 1 {
		t.Errorf("expected 1 forwarded frame, got %d", len(adapter.audio))
	}
	_ = h.Close()
	if !adapter.closed {
		t.Error("expected adapter closed")
	}
}

func TestHandler_OnResultReconciles(t *testing.T) {
	tr := transcript.New()
	pub := &recordingPublisher{}
	arc := &recordingArchive{}
	var changes []transcript.Change
	h := newTestHandler(&testAdapter{}, tr, HandlerConfig{
		Run:       2,
		Publisher: pub,
		Archive:   arc,
		OnUpdate:  func(c transcript.Change) { changes = append(changes, c) },
	})

	h.OnResult(result("Hel", true))
	h.OnResult(result("Hello", true))
	h.OnResult(result("Hello world", false))
	h.OnResult(result("How", true))

	want := []transcript.Segment{
		{Transcript: "Hello world", IsPartial: false},
		{Transcript: "How", IsPartial: true},
	}
	got := tr.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if len(changes) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(changes))
	}
	if changes[1].Kind != transcript.Replaced || changes[3].Kind != transcript.Appended || changes[3].Index != 1 {
		t.Errorf("unexpected changes %+v", changes)
	}

	if len(pub.events) != 4 {
		t.Fatalf("expected 4 published events, got %d", len(pub.events))
	}
	final := pub.events[2]
	if final.EventType != models.EventTypeSegmentFinal || final.SegmentID != "sess-1-seg-1" || final.Confidence != 0.75 || final.CaptureRun != 2 {
		t.Errorf("unexpected final event %+v", final)
	}
	if pub.events[0].Confidence != 0 {
		t.Error("partial events carry no confidence")
	}

	if len(arc.segs) != 1 || arc.segs[0].Text != "Hello world" || arc.segs[0].Index != 0 {
		t.Errorf("expected only the final segment archived, got %+v", arc.segs)
	}
}

func TestHandler_MaxAudioBytesLimit(t *testing.T) {
	adapter := &testAdapter{}
	var failed error
	h := newTestHandler(adapter, transcript.New(), HandlerConfig{
		Limits:    CaptureLimits{MaxAudioBytes: 100},
		OnFailure: func(err error) { failed = err },
	})
	ctx := context.Background()

	if err := h.SendAudio(ctx, make([]byte, 50)); err != nil {
		t.Fatalf("first send should succeed: %v", err)
	}
	err := h.SendAudio(ctx, make([]byte, 60))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if !errors.Is(failed, ErrLimitExceeded) {
		t.Errorf("expected failure callback, got %v", failed)
	}
	if len(adapter.audio) != 1 {
		t.Errorf("frame over the limit must not be forwarded, got %d frames", len(adapter.audio))
	}
	if err := h.SendAudio(ctx, make([]byte, 1)); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("sends after failure should return the failure, got %v", err)
	}
}

func TestHandler_MaxDurationLimit(t *testing.T) {
	h := newTestHandler(&testAdapter{}, transcript.New(), HandlerConfig{
		Limits: CaptureLimits{MaxDuration: time.Millisecond},
	})
	h.mu.Lock()
	h.startTime = time.Now().Add(-time.Second)
	h.mu.Unlock()

	if err := h.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected duration limit error, got %v", err)
	}
}

func TestHandler_MaxResultsLimit(t *testing.T) {
	tr := transcript.New()
	calls := 0
	h := newTestHandler(&testAdapter{}, tr, HandlerConfig{
		Limits:    CaptureLimits{MaxResults: 2},
		OnFailure: func(err error) { calls++ },
	})

	h.OnResult(result("a", false))
	h.OnResult(result("b", false))
	h.OnResult(result("c", false))
	h.OnResult(result("d", false))

	if tr.Len() != 2 {
		t.Errorf("expected results beyond the limit to be ignored, got %d segments", tr.Len())
	}
	if calls != 1 {
		t.Errorf("expected failure callback once, got %d", calls)
	}
}

func TestHandler_OnError(t *testing.T) {
	tr := transcript.New()
	boom := errors.New("stream reset")
	var failed error
	h := newTestHandler(&testAdapter{}, tr, HandlerConfig{OnFailure: func(err error) { failed = err }})

	h.OnResult(result("kept", true))
	h.OnError(boom)
	h.OnResult(result("ignored", true))

	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done to be closed after OnError")
	}
	if !errors.Is(failed, boom) || !errors.Is(h.Err(), boom) {
		t.Errorf("expected stream reset failure, got %v / %v", failed, h.Err())
	}
	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].Transcript != "kept" {
		t.Errorf("expected transcript preserved up to the failure, got %+v", snap)
	}
}

func TestHandler_OnComplete(t *testing.T) {
	h := newTestHandler(&testAdapter{}, transcript.New(), HandlerConfig{})
	h.OnComplete()
	h.OnComplete()

	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	if h.Err() != nil {
		t.Errorf("expected no error, got %v", h.Err())
	}
}

func TestHandler_ArchiveErrorDoesNotFail(t *testing.T) {
	tr := transcript.New()
	h := newTestHandler(&testAdapter{}, tr, HandlerConfig{Archive: &recordingArchive{err: errors.New("disk full")}})

	h.OnResult(result("done", false))

	if h.Err() != nil {
		t.Errorf("archive failures must not fail the run, got %v", h.Err())
	}
	if tr.Len() != 1 {
		t.Error("expected segment applied")
	}
}

func TestHandler_Stats(t *testing.T) {
	h := newTestHandler(&testAdapter{}, transcript.New(), HandlerConfig{})
	_ = h.SendAudio(context.Background(), make([]byte, 10))
	h.OnResult(result("x", true))

	s := h.Stats()
	if s.AudioBytes != 10 || s.Results != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MaxAudioBytes <= 0 || l.MaxDuration <= 0 || l.MaxResults <= 0 {
		t.Errorf("expected all default limits enabled, got %+v", l)
	}
}

func TestHandler_AudioLengthCountsTowardDuration(t *testing.T) {
	var failed error
	h := newTestHandler(&testAdapter{}, transcript.New(), HandlerConfig{
		Limits:       CaptureLimits{MaxDuration: time.Second},
		SampleRateHz: 1000,
		OnFailure:    func(err error) { failed = err },
	})
	ctx := context.Background()

	// 1000 samples at 1kHz is exactly one second of audio.
	if err := h.SendAudio(ctx, make([]byte, 2000)); err != nil {
		t.Fatalf("one second of audio should fit: %v", err)
	}
	if err := h.SendAudio(ctx, make([]byte, 200)); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected duration limit from audio length, got %v", err)
	}
	if !errors.Is(failed, ErrLimitExceeded) {
		t.Errorf("expected failure callback, got %v", failed)
	}
}

func TestHandler_RetireDropsLateCallbacks(t *testing.T) {
	tr := transcript.New()
	updates, failures := 0, 0
	h := newTestHandler(&testAdapter{}, tr, HandlerConfig{
		OnUpdate:  func(transcript.Change) { updates++ },
		OnFailure: func(error) { failures++ },
	})

	h.OnResult(result("kept", false))
	h.Retire()
	h.OnResult(result("late", true))
	h.OnError(errors.New("context canceled"))

	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].Transcript != "kept" {
		t.Errorf("late result reached the transcript: %+v", snap)
	}
	if updates != 1 || failures != 0 {
		t.Errorf("updates=%d failures=%d, want 1 and 0", updates, failures)
	}
	if h.Err() != nil {
		t.Errorf("retired handler recorded error %v", h.Err())
	}
	select {
	case <-h.Done():
	default:
		t.Error("expected Done closed after late OnError")
	}
}
