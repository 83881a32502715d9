// Package session manages capture sessions: the capture state machine,
// the audio pump feeding the STT adapter, and transcript update fan-out.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the capture state of a session.
type State int

const (
	// StateIdle - No capture in progress. Start is allowed.
	StateIdle State = iota
	// StateRecording - Audio is being captured and streamed.
	StateRecording
	// StateStopping - Audio input is closed; waiting for the inbound
	// result stream to finish.
	StateStopping
	// StateClosed - Session is closed. This is a terminal state.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsCapturing returns true while a capture run owns the session.
func (s State) IsCapturing() bool {
	return s == StateRecording || s == StateStopping
}

// Errors for invalid state transitions.
var (
	ErrAlreadyRecording = errors.New("capture already in progress")
	ErrNotRecording     = errors.New("session is not recording")
	ErrSessionClosed    = errors.New("session is closed")
)

// Lifecycle manages the capture state machine of a session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE → RECORDING → STOPPING → IDLE
//	  │        │           │
//	  └────────┴───────────┴── Close() ──→ CLOSED
//
// Rules:
//   - IDLE: BeginCapture transitions to RECORDING
//   - RECORDING: BeginStop transitions to STOPPING; a second capture is rejected
//   - STOPPING: EndCapture returns to IDLE
//   - CLOSED: all transitions fail with ErrSessionClosed
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsClosed returns true if the session is closed.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateClosed
}

// BeginCapture transitions IDLE to RECORDING.
func (l *Lifecycle) BeginCapture() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateIdle:
		l.state = StateRecording
		return nil
	case StateRecording, StateStopping:
		return ErrAlreadyRecording
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// BeginStop transitions RECORDING to STOPPING.
// Returns false if no capture was recording.
func (l *Lifecycle) BeginStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRecording {
		return false
	}
	l.state = StateStopping
	return true
}

// EndCapture returns a capturing session to IDLE. Closed sessions stay closed.
func (l *Lifecycle) EndCapture() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsCapturing() {
		l.state = StateIdle
	}
}

// Close transitions to CLOSED from any state and returns the previous state.
// Idempotent.
func (l *Lifecycle) Close() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	l.state = StateClosed
	return prev
}
