package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"live-transcribe-service/internal/app"
	"live-transcribe-service/internal/archive"
	"live-transcribe-service/internal/service/audio"
	"live-transcribe-service/internal/service/session"
	"live-transcribe-service/internal/service/transcript"
)

const (
	stopTimeout   = 10 * time.Second
	maxAudioBody  = 4 << 20
	formatFloat32 = "f32"
	formatPCM16   = "pcm16"
)

type handlers struct {
	app *app.Application
}

type errorResponse struct {
	Error string `json:"error"`
}

type transcriptResponse struct {
	SessionID string               `json:"sessionId"`
	State     string               `json:"state"`
	Segments  []transcript.Segment `json:"segments"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, archive.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, audio.ErrMisalignedFrame), errors.Is(err, errBadFormat):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.app.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	s := h.app.Sessions.Create()
	writeJSON(w, http.StatusCreated, s.Info())
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Sessions.List())
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := h.app.Sessions.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) startCapture(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Info())
}

func (h *handlers) stopCapture(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// pushAudio accepts one frame per request, Float32 LE by default or
// PCM16 LE with ?format=pcm16.
func (h *handlers) pushAudio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	format, err := parseFormat(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBody))
	if err != nil {
		writeError(w, r, err)
		return
	}
	pcm, err := toPCM16(format, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.PushAudio(r.Context(), pcm); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) getTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: s.ID(),
		State:     s.State().String(),
		Segments:  s.Transcript(),
	})
}

func (h *handlers) getArchive(w http.ResponseWriter, r *http.Request) {
	segs, err := h.app.Archive.Segments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if segs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, segs)
}

func (h *handlers) listArchivedSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.app.Archive.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// deleteArchivedSession purges a session's finalized segments from the
// archive. The live session, if any, is untouched.
func (h *handlers) deleteArchivedSession(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Archive.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var errBadFormat = errors.New("format must be f32 or pcm16")

func parseFormat(r *http.Request) (string, error) {
	switch f := r.URL.Query().Get("format"); f {
	case "", formatFloat32:
		return formatFloat32, nil
	case formatPCM16:
		return formatPCM16, nil
	default:
		return "", errBadFormat
	}
}

func toPCM16(format string, frame []byte) ([]byte, error) {
	if format == formatPCM16 {
		if len(frame)%2 != 0 {
			return nil, fmt.Errorf("%w: pcm16 frame of %d bytes", audio.ErrMisalignedFrame, len(frame))
		}
		return frame, nil
	}
	return audio.EncodeFloat32Frame(frame)
}
