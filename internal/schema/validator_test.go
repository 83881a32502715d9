package schema

import (
	"errors"
	"testing"

	"live-transcribe-service/internal/models"
)

func TestValidate(t *testing.T) {
	valid := models.NewSegmentEvent("sess1", 0, "hello", true, "appended")

	tests := []struct {
		name    string
		event   any
		wantErr bool
	}{
		{"valid partial", valid, false},
		{"valid pointer", &valid, false},
		{"valid final", models.NewSegmentEvent("sess1", 2, "done", false, "replaced"), false},
		{"nil pointer", (*models.SegmentEvent)(nil), true},
		{"unsupported type", map[string]string{"text": "x"}, true},
		{"missing session", func() models.SegmentEvent {
			e := valid
			e.SessionID = ""
			return e
		}(), true},
		{"missing segment id", func() models.SegmentEvent {
			e := valid
			e.SegmentID = ""
			return e
		}(), true},
		{"negative index", func() models.SegmentEvent {
			e := valid
			e.Index = -1
			return e
		}(), true},
		{"unknown type", func() models.SegmentEvent {
			e := valid
			e.EventType = "transcript.other"
			return e
		}(), true},
		{"partial flag mismatch", func() models.SegmentEvent {
			e := valid
			e.IsPartial = false
			return e
		}(), true},
		{"missing timestamp", func() models.SegmentEvent {
			e := valid
			e.Timestamp = 0
			return e
		}(), true},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestSegmentID(t *testing.T) {
	if got := models.SegmentID("abc", 0); got != "abc-seg-1" {
		t.Errorf("SegmentID = %q, want abc-seg-1", got)
	}
}
