// Package models defines the data structures for transcript events.
package models

import (
	"fmt"
	"time"
)

// Event types carried in SegmentEvent.EventType.
const (
	EventTypeSegmentPartial = "transcript.segment.partial"
	EventTypeSegmentFinal   = "transcript.segment.final"
)

// SegmentEvent is published whenever a recognition result changes the
// transcript of a session.
type SegmentEvent struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	SegmentID  string  `json:"segmentId"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	IsPartial  bool    `json:"isPartial"`
	Change     string  `json:"change"`
	Confidence float64 `json:"confidence,omitempty"`
	CaptureRun int     `json:"captureRun"`
	Timestamp  int64   `json:"timestamp"`
}

// SegmentID returns the stable identifier for the segment at index.
// Replacements of a partial tail keep the same ID.
func SegmentID(sessionID string, index int) string {
	return fmt.Sprintf("%s-seg-%d", sessionID, index+1)
}

// NewSegmentEvent builds an event for the segment at index.
func NewSegmentEvent(sessionID string, index int, text string, partial bool, change string) SegmentEvent {
	eventType := EventTypeSegmentFinal
	if partial {
		eventType = EventTypeSegmentPartial
	}
	return SegmentEvent{
		EventType: eventType,
		SessionID: sessionID,
		SegmentID: SegmentID(sessionID, index),
		Index:     index,
		Text:      text,
		IsPartial: partial,
		Change:    change,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ArchivedSegment is a finalized segment as stored in the archive.
type ArchivedSegment struct {
	SessionID  string    `json:"sessionId"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CaptureRun int       `json:"captureRun"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ArchivedSession summarizes a session known to the archive.
type ArchivedSession struct {
	SessionID string    `json:"sessionId"`
	Segments  int       `json:"segments"`
	CreatedAt time.Time `json:"createdAt"`
}
