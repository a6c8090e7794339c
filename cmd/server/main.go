// Command auth-server runs migrations, seeds the default user and serves the
// auth gRPC service next to gRPC health.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/portfolio-auth/internal/app"
	"github.com/and161185/portfolio-auth/internal/config"
	"github.com/and161185/portfolio-auth/internal/migrate"
	"github.com/and161185/portfolio-auth/internal/repository/postgres"
	grpcserver "github.com/and161185/portfolio-auth/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const serviceName = "portfolio.auth"

// main loads configuration, runs migrations and serves until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	users := postgres.NewUserRepo(db)
	a, err := app.New(cfg, users, postgres.NewRefreshTokenRepo(db), logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	if err := a.Seed(ctx, cfg.Seed); err != nil {
		logger.Fatal("seed", zap.Error(err))
	}

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.ErrorsUnary(),
		),
	)

	grpcserver.Register(s, grpcserver.New(a.Auth, users, logger))

	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if cfg.LogLevel == "debug" {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- s.Serve(lis)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("workers did not stop cleanly", zap.Error(err))
	}
	st := a.Detector.Stats()
	logger.Info("shutdown complete",
		zap.Int64("replay_checks", st.Processed),
		zap.Int64("revoked", st.Revoked),
		zap.Int64("dropped", st.Dropped),
	)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
