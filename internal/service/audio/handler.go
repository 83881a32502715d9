// Package audio provides the PCM encoder and the capture handler that
// coordinates the STT adapter, the session transcript and the event sinks.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-transcribe-service/internal/models"
	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/observability/metrics"
	"live-transcribe-service/internal/service/stt"
	"live-transcribe-service/internal/service/transcript"
)

// ErrLimitExceeded is returned when a capture run exceeds one of its limits.
var ErrLimitExceeded = errors.New("capture limit exceeded")

// CaptureLimits bounds the resources a single capture run may use.
// Zero disables a limit.
type CaptureLimits struct {
	MaxAudioBytes int64         // Max PCM bytes forwarded per run
	MaxDuration   time.Duration // Max duration per run, wall clock or audio length
	MaxResults    int           // Max recognition results per run
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() CaptureLimits {
	return CaptureLimits{
		MaxAudioBytes: 50 * 1024 * 1024, // ~10 minutes at 44.1kHz 16-bit mono
		MaxDuration:   10 * time.Minute,
		MaxResults:    5000,
	}
}

// Publisher receives a segment event for every applied result.
type Publisher interface {
	PublishSegment(ctx context.Context, event models.SegmentEvent) error
}

// Archiver persists finalized segments.
type Archiver interface {
	SaveSegment(ctx context.Context, seg models.ArchivedSegment) error
}

// HandlerConfig wires a handler to its session and sinks.
type HandlerConfig struct {
	SessionID string
	Run       int
	Provider  string
	Limits    CaptureLimits
	// SampleRateHz lets the duration limit count forwarded audio as well
	// as wall-clock time. Zero counts wall-clock time only.
	SampleRateHz int
	Publisher Publisher
	Archive   Archiver
	Metrics   *metrics.Metrics

	// OnUpdate is called after each result is applied to the transcript.
	OnUpdate func(change transcript.Change)
	// OnFailure is called at most once when the run fails.
	OnFailure func(err error)
}

// Handler manages one capture run. It forwards audio to the STT adapter
// and implements stt.Callback to fold results into the session transcript.
type Handler struct {
	adapter    stt.Adapter
	transcript *transcript.Transcript
	cfg        HandlerConfig
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu          sync.Mutex
	startTime   time.Time
	audioBytes  int64
	resultCount int
	err         error

	// applyMu serializes result application against Retire.
	applyMu sync.Mutex
	retired atomic.Bool

	failOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

// NewHandler creates a handler for one capture run over tr.
func NewHandler(adapter stt.Adapter, tr *transcript.Transcript, cfg HandlerConfig) *Handler {
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handler{
		adapter:    adapter,
		transcript: tr,
		cfg:        cfg,
		metrics:    m,
		logger:     logging.WithCapture(cfg.SessionID, cfg.Run, cfg.Provider),
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Start begins the STT session with this handler as the callback receiver.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	h.startTime = time.Now()
	h.mu.Unlock()
	return h.adapter.Start(ctx, h)
}

// SendAudio forwards PCM to the STT adapter. Exceeding a limit fails the
// run and returns an error wrapping ErrLimitExceeded; adapter send errors
// also fail the run.
func (h *Handler) SendAudio(ctx context.Context, pcm []byte) error {
	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		return err
	}
	h.audioBytes += int64(len(pcm))
	currentBytes := h.audioBytes
	elapsed := time.Since(h.startTime)
	h.mu.Unlock()

	if audioLen := time.Duration(DurationMs(currentBytes, h.cfg.SampleRateHz)) * time.Millisecond; audioLen > elapsed {
		elapsed = audioLen
	}

	if h.cfg.Limits.MaxAudioBytes > 0 && currentBytes > h.cfg.Limits.MaxAudioBytes {
		h.metrics.RecordLimitExceeded("audio_bytes")
		err := fmt.Errorf("%w: audio bytes %d > %d", ErrLimitExceeded, currentBytes, h.cfg.Limits.MaxAudioBytes)
		h.fail(err)
		return err
	}
	if h.cfg.Limits.MaxDuration > 0 && elapsed > h.cfg.Limits.MaxDuration {
		h.metrics.RecordLimitExceeded("duration")
		err := fmt.Errorf("%w: duration %v > %v", ErrLimitExceeded, elapsed.Round(time.Millisecond), h.cfg.Limits.MaxDuration)
		h.fail(err)
		return err
	}

	h.metrics.RecordAudioReceived(len(pcm))
	if err := h.adapter.SendAudio(ctx, pcm); err != nil {
		err = fmt.Errorf("send audio: %w", err)
		h.fail(err)
		return err
	}
	return nil
}

// Close ends the outbound audio stream.
func (h *Handler) Close() error {
	return h.adapter.Close()
}

// Retire detaches the handler from the session. Once it returns, no
// result is being applied and later callbacks from the adapter are dropped.
func (h *Handler) Retire() {
	h.applyMu.Lock()
	h.retired.Store(true)
	h.applyMu.Unlock()
}

// Done is closed once the inbound result stream has ended.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Err returns the failure that ended the run, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stats holds current run usage for observability.
type Stats struct {
	AudioBytes int64
	Results    int
	Duration   time.Duration
}

// Stats returns current run usage.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		AudioBytes: h.audioBytes,
		Results:    h.resultCount,
		Duration:   time.Since(h.startTime),
	}
}

// --- stt.Callback implementation ---

// OnResult applies res to the transcript, then publishes and archives the
// resulting segment. Results after a failure or Retire are ignored.
func (h *Handler) OnResult(res stt.Result) {
	h.applyMu.Lock()
	defer h.applyMu.Unlock()
	if h.retired.Load() {
		return
	}

	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return
	}
	h.resultCount++
	count := h.resultCount
	h.mu.Unlock()

	if h.cfg.Limits.MaxResults > 0 && count > h.cfg.Limits.MaxResults {
		h.metrics.RecordLimitExceeded("results")
		h.fail(fmt.Errorf("%w: results %d > %d", ErrLimitExceeded, count, h.cfg.Limits.MaxResults))
		return
	}

	change := h.transcript.Apply(res)
	h.metrics.RecordResult(h.cfg.Provider, res.IsPartial, change.Kind.String())

	h.logger.Debug().
		Int("index", change.Index).
		Str("change", change.Kind.String()).
		Bool("isPartial", change.Segment.IsPartial).
		Str("text", change.Segment.Transcript).
		Msg("Result applied")

	if h.cfg.OnUpdate != nil {
		h.cfg.OnUpdate(change)
	}

	confidence := topConfidence(res)
	h.publish(change, confidence)
	if !change.Segment.IsPartial {
		h.archive(change, confidence)
	}
}

// OnError fails the run. The error is not retried.
func (h *Handler) OnError(err error) {
	if h.retired.Load() {
		h.logger.Debug().Err(err).Msg("Error from retired stream dropped")
		h.finish()
		return
	}
	h.metrics.RecordSTTError(h.cfg.Provider)
	h.fail(err)
	h.finish()
}

// OnComplete marks the inbound stream as finished.
func (h *Handler) OnComplete() {
	h.logger.Debug().Msg("Inbound result stream completed")
	h.finish()
}

func (h *Handler) fail(err error) {
	if h.retired.Load() {
		return
	}
	h.failOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		stats := Stats{AudioBytes: h.audioBytes, Results: h.resultCount, Duration: time.Since(h.startTime)}
		h.mu.Unlock()

		h.logger.Error().
			Err(err).
			Int64("audioBytes", stats.AudioBytes).
			Int("results", stats.Results).
			Dur("duration", stats.Duration).
			Msg("Capture failed")

		if h.cfg.OnFailure != nil {
			h.cfg.OnFailure(err)
		}
	})
}

func (h *Handler) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Handler) publish(change transcript.Change, confidence float64) {
	if h.cfg.Publisher == nil {
		return
	}
	ev := models.NewSegmentEvent(h.cfg.SessionID, change.Index, change.Segment.Transcript, change.Segment.IsPartial, change.Kind.String())
	ev.CaptureRun = h.cfg.Run
	if !change.Segment.IsPartial {
		ev.Confidence = confidence
	}
	if err := h.cfg.Publisher.PublishSegment(context.Background(), ev); err != nil {
		h.logger.Warn().Err(err).Str("segmentId", ev.SegmentID).Msg("Failed to publish segment")
	}
}

func (h *Handler) archive(change transcript.Change, confidence float64) {
	if h.cfg.Archive == nil {
		return
	}
	err := h.cfg.Archive.SaveSegment(context.Background(), models.ArchivedSegment{
		SessionID:  h.cfg.SessionID,
		Index:      change.Index,
		Text:       change.Segment.Transcript,
		Confidence: confidence,
		CaptureRun: h.cfg.Run,
	})
	h.metrics.RecordArchiveWrite(err)
	if err != nil {
		h.logger.Warn().Err(err).Int("index", change.Index).Msg("Failed to archive segment")
	}
}

// topConfidence returns the confidence of the first alternative.
func topConfidence(res stt.Result) float64 {
	if len(res.Alternatives) == 0 {
		return 0
	}
	return res.Alternatives[0].Confidence
}
