package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/service/session"
	"live-transcribe-service/internal/service/transcript"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	// Browser clients are served from other origins during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message types exchanged over the stream socket.
const (
	msgTranscript = "transcript"
	msgError      = "error"
	msgStop       = "stop"
	msgStart      = "start"
)

type clientMessage struct {
	Type string `json:"type"`
}

type changeMessage struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
}

type serverMessage struct {
	Type     string               `json:"type"`
	State    string               `json:"state,omitempty"`
	Segments []transcript.Segment `json:"segments,omitempty"`
	Change   *changeMessage       `json:"change,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func transcriptMessage(u session.Update) serverMessage {
	m := serverMessage{
		Type:     msgTranscript,
		State:    u.State.String(),
		Segments: u.Segments,
	}
	if m.Segments == nil {
		m.Segments = []transcript.Segment{}
	}
	if u.Change != nil {
		m.Change = &changeMessage{Kind: u.Change.Kind.String(), Index: u.Change.Index}
	}
	if u.Err != nil {
		m.Error = u.Err.Error()
	}
	return m
}

// stream upgrades to a WebSocket and runs a capture over it. Binary
// messages are audio frames; closing the socket stops the capture.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	format, err := parseFormat(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	logger := logging.WithSession(s.ID()).With().Str("transport", "websocket").Logger()
	h.app.Metrics.RecordStreamStart("websocket")
	started := time.Now()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	updates, unsubscribe := s.Subscribe()
	notices := make(chan serverMessage, 4)
	writerDone := make(chan struct{})
	go writeLoop(conn, updates, notices, writerDone, logger)

	owned, streamErr := runCapture(ctx, conn, s, format, notices, logger)

	// Only the socket that started the current run stops it on disconnect.
	if owned {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := s.Stop(stopCtx); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			logger.Warn().Err(err).Msg("Stop on disconnect failed")
		}
		stopCancel()
	}

	unsubscribe()
	<-writerDone

	h.app.Metrics.RecordStreamEnd("websocket", streamErr == nil, time.Since(started).Seconds())
	logger.Info().Dur("duration", time.Since(started)).Msg("WebSocket stream closed")
}

// runCapture starts the capture and reads client messages until the
// socket closes. It reports whether this socket owns the running capture,
// and returns a nil error for a normal close.
func runCapture(ctx context.Context, conn *websocket.Conn, s *session.Session, format string, notices chan<- serverMessage, logger zerolog.Logger) (bool, error) {
	notify := func(err error) {
		select {
		case notices <- serverMessage{Type: msgError, Error: err.Error()}:
		default:
		}
	}

	owned := false
	if err := s.Start(ctx); err != nil {
		notify(err)
	} else {
		owned = true
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return owned, nil
			}
			logger.Debug().Err(err).Msg("WebSocket read ended")
			return owned, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch mt {
		case websocket.BinaryMessage:
			pcm, err := toPCM16(format, data)
			if err != nil {
				notify(err)
				continue
			}
			if err := s.PushAudio(ctx, pcm); err != nil && !errors.Is(err, session.ErrNotRecording) {
				notify(err)
			}
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				notify(err)
				continue
			}
			switch msg.Type {
			case msgStop:
				stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
				err := s.Stop(stopCtx)
				cancel()
				if err != nil {
					notify(err)
				}
				owned = false
			case msgStart:
				if err := s.Start(ctx); err != nil {
					notify(err)
					continue
				}
				owned = true
			default:
				logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown message")
			}
		}
	}
}

// writeLoop is the only writer on conn.
func writeLoop(conn *websocket.Conn, updates <-chan session.Update, notices <-chan serverMessage, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			logger.Debug().Err(err).Msg("WebSocket write failed")
			return false
		}
		return true
	}

	failed := false
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				if !failed {
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if !failed && !write(transcriptMessage(u)) {
				failed = true
			}
		case n := <-notices:
			if !failed && !write(n) {
				failed = true
			}
		case <-ticker.C:
			if failed {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failed = true
			}
		}
	}
}
