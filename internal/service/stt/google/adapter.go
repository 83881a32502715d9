// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"live-transcribe-service/internal/service/stt"
)

// Config holds recognition settings sent with the first streaming request.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   44100,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client *speech.Client
	cfg    Config

	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	closed bool
}

// New creates a new Google STT adapter.
// Credentials come from the default chain (GOOGLE_APPLICATION_CREDENTIALS).
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google stt: new client: %w", err)
	}
	return &Adapter{client: c, cfg: cfg}, nil
}

// Factory returns an stt.Factory that opens a new client per capture run.
func Factory(cfg Config) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(ctx, cfg)
	}
}

// Start begins a streaming recognition session, sends the initial config
// and starts delivering responses to cb.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		_ = a.client.Close()
		return fmt.Errorf("google stt: open stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(a.cfg.AudioEncoding),
					SampleRateHertz: int32(a.cfg.SampleRateHz),
					LanguageCode:    a.cfg.LanguageCode,
				},
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		_ = a.client.Close()
		return fmt.Errorf("google stt: send config: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return errors.New("google stt: not started")
	}
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close half-closes the stream and releases the client once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	if a.stream != nil {
		err = a.stream.CloseSend()
	}
	return err
}

// listen receives transcript responses and invokes callbacks until the
// server ends the stream.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	defer a.client.Close()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			cb.OnComplete()
			return
		}
		if err != nil {
			cb.OnError(fmt.Errorf("google stt: receive: %w", err))
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			cb.OnError(fmt.Errorf("google stt: %s (code %d)", st.GetMessage(), st.GetCode()))
			return
		}

		for _, r := range resp.GetResults() {
			cb.OnResult(convertResult(r))
		}
	}
}

// convertResult maps a streaming result onto stt.Result.
func convertResult(r *speechpb.StreamingRecognitionResult) stt.Result {
	res := stt.Result{IsPartial: !r.GetIsFinal()}
	for _, alt := range r.GetAlternatives() {
		res.Alternatives = append(res.Alternatives, stt.Alternative{
			Transcript: alt.GetTranscript(),
			Confidence: float64(alt.GetConfidence()),
		})
	}
	return res
}

// parseAudioEncoding converts an encoding name to the Google enum.
// Unknown names fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
