// Package grpcapi exposes capture sessions over a bidirectional gRPC stream.
// Messages are protobuf well-known types: the client sends PCM16 frames as
// BytesValue and receives transcript snapshots as Struct.
package grpcapi

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"live-transcribe-service/internal/observability/logging"
	"live-transcribe-service/internal/service/session"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "live.transcribe.v1.TranscribeService"
	// StreamAudioMethod is the full method name of the audio stream.
	StreamAudioMethod = "/" + ServiceName + "/StreamAudio"
	// SessionHeader carries the session ID in request and response metadata.
	SessionHeader = "x-session-id"

	stopTimeout = 10 * time.Second
)

// AudioStreamer is implemented by the transcribe service.
type AudioStreamer interface {
	StreamAudio(stream grpc.ServerStream) error
}

// ServiceDesc describes the transcribe service for registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AudioStreamer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamAudio",
			Handler:       streamAudioHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "live/transcribe/v1/transcribe.proto",
}

func streamAudioHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AudioStreamer).StreamAudio(stream)
}

// NewStreamAudioClient opens a StreamAudio stream on cc.
func NewStreamAudioClient(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamAudioMethod, opts...)
}

// Server implements AudioStreamer over the session manager.
type Server struct {
	sessions *session.Manager
}

// Register adds the transcribe service to g.
func Register(g *grpc.Server, sessions *session.Manager) *Server {
	s := &Server{sessions: sessions}
	g.RegisterService(&ServiceDesc, s)
	return s
}

// StreamAudio runs one capture for the lifetime of the stream. The session
// comes from the x-session-id header, or is created when absent and then
// removed when the stream ends. Client half-close stops the capture;
// remaining results are sent before the server ends the stream.
func (s *Server) StreamAudio(stream grpc.ServerStream) error {
	ctx := stream.Context()

	sess, created, err := s.resolveSession(ctx)
	if err != nil {
		return err
	}
	logger := logging.WithSession(sess.ID()).With().Str("transport", "grpc").Logger()
	if created {
		defer s.release(ctx, sess.ID(), logger)
	}

	if err := stream.SendHeader(metadata.Pairs(SessionHeader, sess.ID())); err != nil {
		return err
	}

	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	if err := sess.Start(ctx); err != nil {
		return toStatus(err)
	}

	senderDone := make(chan struct{})
	go sendLoop(stream, updates, senderDone, logger)

	recvErr := recvLoop(ctx, stream, sess, logger)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	if err := sess.Stop(stopCtx); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		logger.Warn().Err(err).Msg("Stop after stream end failed")
	}
	cancel()

	unsubscribe()
	<-senderDone

	if recvErr != nil {
		return recvErr
	}
	if info := sess.Info(); info.LastError != "" {
		logger.Warn().Str("error", info.LastError).Msg("Capture ended with error")
	}
	return nil
}

func (s *Server) resolveSession(ctx context.Context) (*session.Session, bool, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(SessionHeader)
	if len(ids) == 0 || ids[0] == "" {
		return s.sessions.Create(), true, nil
	}
	sess, err := s.sessions.Get(ids[0])
	if err != nil {
		return nil, false, status.Errorf(codes.NotFound, "session %s not found", ids[0])
	}
	return sess, false, nil
}

// release drops a session the stream created for itself. Its finalized
// segments remain in the archive.
func (s *Server) release(ctx context.Context, id string, logger zerolog.Logger) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := s.sessions.Delete(delCtx, id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		logger.Warn().Err(err).Msg("Failed to release stream session")
	}
}

func recvLoop(ctx context.Context, stream grpc.ServerStream, sess *session.Session, logger zerolog.Logger) error {
	for {
		frame := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}

		pcm := frame.GetValue()
		if len(pcm)%2 != 0 {
			logger.Warn().Int("bytes", len(pcm)).Msg("Dropping misaligned PCM16 frame")
			continue
		}
		if err := sess.PushAudio(ctx, pcm); err != nil {
			if errors.Is(err, session.ErrNotRecording) {
				continue
			}
			return toStatus(err)
		}
	}
}

// sendLoop is the only sender on stream. It keeps draining updates after
// a send failure so the session never blocks on this subscriber.
func sendLoop(stream grpc.ServerStream, updates <-chan session.Update, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)
	failed := false
	for u := range updates {
		if failed {
			continue
		}
		msg, err := SnapshotStruct(u)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode snapshot")
			continue
		}
		if err := stream.SendMsg(msg); err != nil {
			logger.Debug().Err(err).Msg("gRPC send failed")
			failed = true
		}
	}
}

// SnapshotStruct converts a session update to the wire Struct.
func SnapshotStruct(u session.Update) (*structpb.Struct, error) {
	segments := make([]any, 0, len(u.Segments))
	for _, seg := range u.Segments {
		segments = append(segments, map[string]any{
			"transcript": seg.Transcript,
			"isPartial":  seg.IsPartial,
		})
	}
	fields := map[string]any{
		"type":      "transcript",
		"sessionId": u.SessionID,
		"state":     u.State.String(),
		"segments":  segments,
	}
	if u.Change != nil {
		fields["change"] = map[string]any{
			"kind":  u.Change.Kind.String(),
			"index": u.Change.Index,
		}
	}
	if u.Err != nil {
		fields["error"] = u.Err.Error()
	}
	return structpb.NewStruct(fields)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
