package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"live-transcribe-service/internal/observability/metrics"
)

const grpcTransport = "grpc"

// UnaryServerInterceptor logs unary calls (health checks, reflection).
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		log.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor counts audio streams and logs each one on completion
// with the caller's address and requested session, if any.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.RecordStreamStart(grpcTransport)

		err := handler(srv, ss)

		elapsed := time.Since(start)
		code := status.Code(err)
		m.RecordStreamEnd(grpcTransport, err == nil, elapsed.Seconds())

		event := log.Info()
		if err != nil {
			event = log.Warn().Err(err)
		}
		streamFields(ss.Context(), event).
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", elapsed).
			Msg("gRPC stream completed")
		return err
	}
}

func streamFields(ctx context.Context, e *zerolog.Event) *zerolog.Event {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		e = e.Str("peer", p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-session-id"); len(ids) > 0 {
			e = e.Str("requestedSession", ids[0])
		}
	}
	return e
}
