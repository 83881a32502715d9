package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-transcribe-service/internal/service/stt"
)

// testCallback implements stt.Callback for testing
type testCallback struct {
	mu        sync.Mutex
	results   []stt.Result
	errors    []error
	completed int
}

func (c *testCallback) OnResult(res stt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *testCallback) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

func (c *testCallback) snapshot() ([]stt.Result, []error, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stt.Result{}, c.results...), append([]error{}, c.errors...), c.completed
}

var script = []SimulatedUtterance{
	{Partials: []string{"a", "a b"}, Final: "a b c", Confidence: 0.9},
	{Partials: []string{"x"}, Final: "x y", Confidence: 0.8},
}

func waitDone(t *testing.T, a *Adapter) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound stream to complete")
	}
}

func TestAdapter_New(t *testing.T) {
	adapter := New()
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if adapter.closed {
		t.Error("expected adapter to not be closed initially")
	}
}

func TestAdapter_SendBeforeStart(t *testing.T) {
	adapter := New(WithUtterances(script))
	if err := adapter.SendAudio(context.Background(), []byte{0, 0}); err == nil {
		t.Error("expected error when sending before Start")
	}
}

func TestAdapter_ScriptedSequence(t *testing.T) {
	ctx := context.Background()
	cb := &testCallback{}
	adapter := New(WithUtterances(script))

	if err := adapter.Start(ctx, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := adapter.SendAudio(ctx, []byte{0, 0}); err != nil {
			t.Fatalf("SendAudio %d: %v", i, err)
		}
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitDone(t, adapter)

	results, errs, completed := cb.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if completed != 1 {
		t.Errorf("expected OnComplete once, got %d", completed)
	}

	want := []struct {
		text    string
		partial bool
	}{
		{"a", true},
		{"a b", true},
		{"a b c", false},
		{"x", true},
		{"x y", false}, // flushed by Close
	}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d: %+v", len(want), len(results), results)
	}
	for i, w := range want {
		got := results[i]
		if got.Alternatives[0].Transcript != w.text || got.IsPartial != w.partial {
			t.Errorf("result %d = %+v, want %q partial=%v", i, got, w.text, w.partial)
		}
	}
	if results[2].Alternatives[0].Confidence != 0.9 {
		t.Errorf("expected final confidence 0.9, got %v", results[2].Alternatives[0].Confidence)
	}
}

func TestAdapter_CloseWithoutPendingUtterance(t *testing.T) {
	ctx := context.Background()
	cb := &testCallback{}
	adapter := New(WithUtterances(script))

	_ = adapter.Start(ctx, cb)
	for i := 0; i < 3; i++ {
		_ = adapter.SendAudio(ctx, []byte{0, 0})
	}
	_ = adapter.Close()
	waitDone(t, adapter)

	results, _, _ := cb.snapshot()
	if len(results) != 3 {
		t.Errorf("expected no extra final on close, got %d results", len(results))
	}
}

func TestAdapter_SendAfterClose(t *testing.T) {
	ctx := context.Background()
	adapter := New(WithUtterances(script))
	_ = adapter.Start(ctx, &testCallback{})
	_ = adapter.Close()

	if err := adapter.SendAudio(ctx, []byte{0, 0}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	// Close is idempotent.
	if err := adapter.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestAdapter_FramesPerResult(t *testing.T) {
	ctx := context.Background()
	cb := &testCallback{}
	adapter := New(WithUtterances(script), WithFramesPerResult(3))

	_ = adapter.Start(ctx, cb)
	for i := 0; i < 6; i++ {
		_ = adapter.SendAudio(ctx, []byte{0, 0})
	}
	_ = adapter.Close()
	waitDone(t, adapter)

	results, _, _ := cb.snapshot()
	// Two partials from six frames, then the cut-off utterance is finalized.
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if adapter.AudioReceived() != 6 {
		t.Errorf("expected 6 frames, got %d", adapter.AudioReceived())
	}
}

func TestAdapter_FailAfter(t *testing.T) {
	ctx := context.Background()
	cb := &testCallback{}
	boom := errors.New("stream reset")
	adapter := New(WithUtterances(script), WithFailAfter(2, boom))

	_ = adapter.Start(ctx, cb)
	for i := 0; i < 4; i++ {
		_ = adapter.SendAudio(ctx, []byte{0, 0})
	}
	_ = adapter.Close()
	waitDone(t, adapter)

	results, errs, completed := cb.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("expected stream reset error, got %v", errs)
	}
	if len(results) != 1 {
		t.Errorf("expected only the result before the failure, got %d", len(results))
	}
	if completed != 0 {
		t.Errorf("OnComplete must not follow OnError, got %d", completed)
	}
}

func TestAdapter_StartError(t *testing.T) {
	boom := errors.New("no credentials")
	adapter := New(WithStartError(boom))
	if err := adapter.Start(context.Background(), &testCallback{}); !errors.Is(err, boom) {
		t.Errorf("expected start error, got %v", err)
	}
}

func TestFactory(t *testing.T) {
	f := Factory(WithUtterances(script))
	a, err := f(context.Background())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, ok := a.(*Adapter); !ok {
		t.Errorf("expected *Adapter, got %T", a)
	}
}
