// Package mock provides a mock STT adapter for running without cloud credentials.
// It simulates streaming speech-to-text behavior: progressive partial results
// followed by exactly one final result per utterance.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"live-transcribe-service/internal/service/stt"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock stt: adapter closed")

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"hello", "hello can", "hello can you"},
		Final:      "hello can you hear me",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"this is", "this is a test"},
		Final:      "this is a test of live transcription",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"the weather", "the weather is", "the weather is nice"},
		Final:      "the weather is nice today",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"thank you"},
		Final:      "thank you very much",
		Confidence: 0.98,
	},
}

// utteranceCounter rotates the starting utterance across adapters.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithUtterances replaces the simulated script and starts at its first entry.
func WithUtterances(utts []SimulatedUtterance) Option {
	return func(a *Adapter) {
		a.script = utts
		a.index = 0
	}
}

// WithLatency delays every delivered result by d.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) {
		a.latency = d
	}
}

// WithFramesPerResult emits one result every n audio frames.
func WithFramesPerResult(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.framesPerResult = n
		}
	}
}

// WithFailAfter makes the inbound stream fail with err after n frames.
func WithFailAfter(n int, err error) Option {
	return func(a *Adapter) {
		a.failAfter = n
		a.failErr = err
	}
}

// WithStartError makes Start fail with err.
func WithStartError(err error) Option {
	return func(a *Adapter) {
		a.startErr = err
	}
}

type event struct {
	res stt.Result
	err error
}

// Adapter implements stt.Adapter with scripted responses delivered in order
// from a single goroutine.
type Adapter struct {
	script          []SimulatedUtterance
	index           int // current utterance
	partialIndex    int // next partial to send
	latency         time.Duration
	framesPerResult int
	failAfter       int
	failErr         error
	startErr        error

	mu            sync.Mutex
	events        chan event
	audioReceived int
	started       bool
	closed        bool
	done          chan struct{}
}

// New creates a new mock STT adapter.
func New(opts ...Option) *Adapter {
	counterMu.Lock()
	idx := utteranceCounter % len(DefaultUtterances)
	utteranceCounter++
	counterMu.Unlock()

	a := &Adapter{
		script:          DefaultUtterances,
		index:           idx,
		framesPerResult: 1,
		events:          make(chan event, 256),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Factory returns an stt.Factory producing mock adapters with opts.
func Factory(opts ...Option) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(opts...), nil
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	if a.startErr != nil {
		return a.startErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("mock stt: already started")
	}
	a.started = true
	go a.dispatch(cb)
	return nil
}

// dispatch delivers queued events to cb one at a time.
func (a *Adapter) dispatch(cb stt.Callback) {
	defer close(a.done)
	for ev := range a.events {
		if a.latency > 0 {
			time.Sleep(a.latency)
		}
		if ev.err != nil {
			cb.OnError(ev.err)
			// Drain so Close never blocks on a full buffer.
			for range a.events {
			}
			return
		}
		cb.OnResult(ev.res)
	}
	cb.OnComplete()
}

// SendAudio records a frame and queues the next scripted result.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if !a.started {
		return errors.New("mock stt: not started")
	}

	a.audioReceived++

	if a.failAfter > 0 && a.audioReceived == a.failAfter {
		return a.enqueue(ctx, event{err: a.failErr})
	}
	if a.audioReceived%a.framesPerResult != 0 || len(a.script) == 0 {
		return nil
	}

	utt := a.script[a.index%len(a.script)]
	if a.partialIndex < len(utt.Partials) {
		text := utt.Partials[a.partialIndex]
		a.partialIndex++
		return a.enqueue(ctx, event{res: partial(text)})
	}

	// All partials sent: the utterance completes and the next one begins.
	a.partialIndex = 0
	a.index++
	return a.enqueue(ctx, event{res: final(utt)})
}

func (a *Adapter) enqueue(ctx context.Context, ev event) error {
	select {
	case a.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the mock session. An utterance cut off mid-way is finalized
// before the inbound stream completes.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.partialIndex > 0 && len(a.script) > 0 {
		utt := a.script[a.index%len(a.script)]
		a.partialIndex = 0
		a.index++
		select {
		case a.events <- event{res: final(utt)}:
		default:
		}
	}
	close(a.events)
	return nil
}

// Done is closed after the inbound stream has completed.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// AudioReceived returns the number of frames received.
func (a *Adapter) AudioReceived() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioReceived
}

func partial(text string) stt.Result {
	return stt.Result{
		Alternatives: []stt.Alternative{{Transcript: text}},
		IsPartial:    true,
	}
}

func final(utt SimulatedUtterance) stt.Result {
	return stt.Result{
		Alternatives: []stt.Alternative{{Transcript: utt.Final, Confidence: utt.Confidence}},
		IsPartial:    false,
	}
}
