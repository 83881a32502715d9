package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "live-transcribe-service/internal/api/grpc"
	"live-transcribe-service/internal/app"
	"live-transcribe-service/internal/config"
	httpapi "live-transcribe-service/internal/http"
	"live-transcribe-service/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.FromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if err := run(ctx, application); err != nil {
		log.Error().Err(err).Msg("Service stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, application *app.Application) error {
	cfg := application.Cfg

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(application.Metrics)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	grpcapi.Register(grpcServer, application.Sessions)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(grpcServer)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application),
		ReadHeaderTimeout: 10 * time.Second,
	}
	obsServer := observability.NewServer(":" + cfg.Service.MetricsPort)

	if err := application.Start(); err != nil {
		return err
	}
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	obsServer.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server started")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(obsServer.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		obsServer.SetReady(false)

		// Stop captures first so open streams finish and return.
		appErr := application.Shutdown(shutdownCtx)

		httpErr := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		obsErr := obsServer.Shutdown(shutdownCtx)

		return errors.Join(appErr, httpErr, obsErr)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
