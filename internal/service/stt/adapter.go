// Package stt defines the interface for Speech-to-Text adapters.
package stt

import "context"

// Provider names accepted by the service configuration.
const (
	ProviderMock   = "mock"
	ProviderGoogle = "google"
	ProviderAWS    = "aws"
)

// Alternative is one candidate transcription of a recognition result.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result is a single recognition result from the provider.
// A partial result may still be revised by subsequent audio; a final
// result is locked in.
type Result struct {
	Alternatives []Alternative
	IsPartial    bool
}

// Callback receives recognition events from the STT provider.
// Events are delivered one at a time from a single goroutine.
type Callback interface {
	// OnResult is called for every partial or final recognition result.
	OnResult(res Result)

	// OnError is called when the inbound stream fails.
	OnError(err error)

	// OnComplete is called when the inbound stream ends without error.
	OnComplete()
}

// Adapter defines the interface for STT providers (AWS, Google, mock).
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends 16-bit little-endian mono PCM to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the outbound audio stream. The inbound result stream
	// completes on its own afterwards.
	Close() error
}

// Factory creates a fresh Adapter for each capture run.
type Factory func(ctx context.Context) (Adapter, error)
