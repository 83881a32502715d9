// Package schema validates outbound events before they are published.
package schema

import (
	"errors"
	"fmt"

	"live-transcribe-service/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the required fields of known event types. Unknown
// event types are rejected.
func (v *Validator) Validate(event any) error {
	switch e := event.(type) {
	case models.SegmentEvent:
		return validateSegment(&e)
	case *models.SegmentEvent:
		if e == nil {
			return fmt.Errorf("%w: nil segment event", ErrInvalidEvent)
		}
		return validateSegment(e)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
}

func validateSegment(e *models.SegmentEvent) error {
	var errs []error
	switch e.EventType {
	case models.EventTypeSegmentPartial:
		if !e.IsPartial {
			errs = append(errs, fmt.Errorf("%w: %s event marked final", ErrInvalidEvent, e.EventType))
		}
	case models.EventTypeSegmentFinal:
		if e.IsPartial {
			errs = append(errs, fmt.Errorf("%w: %s event marked partial", ErrInvalidEvent, e.EventType))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown eventType %q", ErrInvalidEvent, e.EventType))
	}
	if e.SessionID == "" {
		errs = append(errs, fmt.Errorf("%w: sessionId is required", ErrInvalidEvent))
	}
	if e.SegmentID == "" {
		errs = append(errs, fmt.Errorf("%w: segmentId is required", ErrInvalidEvent))
	}
	if e.Index < 0 {
		errs = append(errs, fmt.Errorf("%w: index %d is negative", ErrInvalidEvent, e.Index))
	}
	if e.Timestamp <= 0 {
		errs = append(errs, fmt.Errorf("%w: timestamp is required", ErrInvalidEvent))
	}
	return errors.Join(errs...)
}
