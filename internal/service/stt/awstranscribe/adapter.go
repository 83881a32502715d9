// Package awstranscribe provides an Amazon Transcribe streaming adapter.
package awstranscribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"live-transcribe-service/internal/service/stt"
)

// Config holds the stream settings for StartStreamTranscription.
type Config struct {
	Region       string
	LanguageCode string
	SampleRateHz int
}

// DefaultConfig matches the browser capture defaults: en-US at 44.1kHz.
func DefaultConfig() Config {
	return Config{
		Region:       "us-east-1",
		LanguageCode: "en-US",
		SampleRateHz: 44100,
	}
}

// streamStarter is the subset of the Transcribe streaming client used here.
type streamStarter interface {
	StartStreamTranscription(ctx context.Context, params *transcribestreaming.StartStreamTranscriptionInput, optFns ...func(*transcribestreaming.Options)) (*transcribestreaming.StartStreamTranscriptionOutput, error)
}

// Adapter implements stt.Adapter using Amazon Transcribe streaming.
type Adapter struct {
	client streamStarter
	cfg    Config

	mu     sync.Mutex
	stream *transcribestreaming.StartStreamTranscriptionEventStream
	closed bool
}

// New creates an adapter using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("aws transcribe: load config: %w", err)
	}
	return &Adapter{
		client: transcribestreaming.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

// Factory returns an stt.Factory producing a new adapter per capture run.
func Factory(cfg Config) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(ctx, cfg)
	}
}

// startInput builds the request for cfg. The only supported media
// encoding for raw microphone audio is PCM.
func startInput(cfg Config) *transcribestreaming.StartStreamTranscriptionInput {
	return &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(cfg.LanguageCode),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(cfg.SampleRateHz)),
	}
}

// Start opens the bidirectional event stream and begins delivering
// transcript events to cb.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	out, err := a.client.StartStreamTranscription(ctx, startInput(a.cfg))
	if err != nil {
		return fmt.Errorf("aws transcribe: start stream: %w", err)
	}
	stream := out.GetStream()

	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

// SendAudio sends one PCM audio event.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	stream := a.stream
	closed := a.closed
	a.mu.Unlock()

	if stream == nil {
		return errors.New("aws transcribe: not started")
	}
	if closed {
		return errors.New("aws transcribe: stream closed")
	}
	return stream.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: audio},
	})
}

// Close ends the outbound audio stream. Remaining transcript events are
// still delivered before OnComplete.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.stream == nil {
		a.closed = true
		return nil
	}
	a.closed = true
	return a.stream.Writer.Close()
}

func (a *Adapter) listen(stream *transcribestreaming.StartStreamTranscriptionEventStream, cb stt.Callback) {
	for event := range stream.Events() {
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		if r, ok := eventResult(te.Value); ok {
			cb.OnResult(convertResult(r))
		}
	}

	_ = stream.Close()
	if err := stream.Err(); err != nil {
		cb.OnError(fmt.Errorf("aws transcribe: stream: %w", err))
		return
	}
	cb.OnComplete()
}

// eventResult returns the leading result of a transcript event. Transcribe
// puts the utterance being revised first; later entries are not reconciled.
func eventResult(ev types.TranscriptEvent) (types.Result, bool) {
	if ev.Transcript == nil || len(ev.Transcript.Results) == 0 {
		return types.Result{}, false
	}
	return ev.Transcript.Results[0], true
}

// convertResult maps a Transcribe result onto stt.Result. Nil transcripts
// become empty strings; confidence is the mean of the scored items.
func convertResult(r types.Result) stt.Result {
	res := stt.Result{IsPartial: r.IsPartial}
	for _, alt := range r.Alternatives {
		res.Alternatives = append(res.Alternatives, stt.Alternative{
			Transcript: aws.ToString(alt.Transcript),
			Confidence: meanConfidence(alt.Items),
		})
	}
	return res
}

func meanConfidence(items []types.Item) float64 {
	var sum float64
	var n int
	for _, it := range items {
		if it.Confidence != nil {
			sum += *it.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
