package google

import (
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 44100 {
		t.Errorf("expected default sample rate 44100, got %d", cfg.SampleRateHz)
	}
	if !cfg.InterimResults {
		t.Errorf("expected default interim results true, got %v", cfg.InterimResults)
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"AMR", speechpb.RecognitionConfig_AMR},
		{"AMR_WB", speechpb.RecognitionConfig_AMR_WB},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"SPEEX_WITH_HEADER_BYTE", speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"UNKNOWN", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"", speechpb.RecognitionConfig_LINEAR16},         // fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestConvertResult(t *testing.T) {
	tests := []struct {
		name        string
		in          *speechpb.StreamingRecognitionResult
		wantPartial bool
		wantAlts    []string
	}{
		{
			name: "interim",
			in: &speechpb.StreamingRecognitionResult{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hel"}},
			},
			wantPartial: true,
			wantAlts:    []string{"hel"},
		},
		{
			name: "final with two alternatives",
			in: &speechpb.StreamingRecognitionResult{
				IsFinal: true,
				Alternatives: []*speechpb.SpeechRecognitionAlternative{
					{Transcript: "hello", Confidence: 0.5},
					{Transcript: "yellow"},
				},
			},
			wantPartial: false,
			wantAlts:    []string{"hello", "yellow"},
		},
		{
			name:        "no alternatives",
			in:          &speechpb.StreamingRecognitionResult{IsFinal: true},
			wantPartial: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertResult(tt.in)
			if got.IsPartial != tt.wantPartial {
				t.Errorf("IsPartial = %v, want %v", got.IsPartial, tt.wantPartial)
			}
			if len(got.Alternatives) != len(tt.wantAlts) {
				t.Fatalf("got %d alternatives, want %d", len(got.Alternatives), len(tt.wantAlts))
			}
			for i, w := range tt.wantAlts {
				if got.Alternatives[i].Transcript != w {
					t.Errorf("alternative %d = %q, want %q", i, got.Alternatives[i].Transcript, w)
				}
			}
		})
	}
}
