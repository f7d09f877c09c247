// Package main provides the entry point for the leasekeeper server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/kneutral-org/leasekeeper/internal/api"
	"github.com/kneutral-org/leasekeeper/internal/config"
	"github.com/kneutral-org/leasekeeper/internal/expiration"
	lockgrpc "github.com/kneutral-org/leasekeeper/internal/grpc"
	"github.com/kneutral-org/leasekeeper/internal/lock"
	"github.com/kneutral-org/leasekeeper/internal/logging"
	"github.com/kneutral-org/leasekeeper/internal/metrics"
	"github.com/kneutral-org/leasekeeper/internal/middleware"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New("leasekeeper", cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}

	logger.Info().Msg("server exited properly")
}

// loadConfig reads CONFIG_FILE when set; environment variables apply either way.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load(), nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	scheduler := expiration.New(logger,
		expiration.WithSpinThreshold(cfg.SpinWaitThreshold),
		expiration.WithSpinIterations(cfg.SpinWaitIterations),
	)
	scheduler.Start()
	defer func() {
		if err := scheduler.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close expiration scheduler")
		}
	}()

	store, cleanup, err := newStore(cfg, scheduler, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	lockService := lockgrpc.NewLockService(store, logger)

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.GRPCMaxMessageSize),
		grpc.ChainUnaryInterceptor(
			logging.GRPCLogger(logger),
			metrics.GRPCInterceptor(),
		),
		grpc.StreamInterceptor(logging.GRPCStreamLogger(logger)),
	)
	lockgrpc.RegisterLockServiceServer(grpcServer, lockService)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID(logger))
	router.Use(logging.RequestLogger(logger))
	router.Use(metrics.GinMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "schedulerId": scheduler.ID()})
	})
	metrics.RegisterMetricsEndpoint(router, cfg.MetricsPath)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.PayloadLimit(cfg.AdminMaxPayloadSize))
	api.NewHandler(lockService, logger).RegisterRoutes(apiV1)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on gRPC port %s: %w", cfg.GRPCPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.GRPCPort).Str("backend", cfg.StoreBackend).Msg("starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()

		err := srv.Shutdown(shutdownCtx)

		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("gRPC graceful stop timed out, forcing")
			grpcServer.Stop()
		}
		return err
	})

	return g.Wait()
}

// newStore builds the configured backend. The returned func releases its resources.
func newStore(cfg *config.Config, scheduler *expiration.Scheduler, logger zerolog.Logger) (lock.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}

		store := lock.NewRedisStore(client, logger, lock.WithKeyPrefix(cfg.RedisKeyPrefix))
		return store, func() { _ = client.Close() }, nil

	default:
		var opts []lock.MemoryStoreOption
		if cfg.CleanupStrategy == config.CleanupIdle {
			opts = append(opts, lock.WithCleanupStrategy(
				lock.NewIdleCleanup(cfg.CleanupMaxIdle, cfg.CleanupInterval, nil, logger),
			))
		}
		store := lock.NewMemoryStore(scheduler, logger, opts...)

		if cfg.CleanupStrategy != config.CleanupIdle {
			return store, func() {}, nil
		}

		// Acquire-driven pruning only runs under load; the job covers quiet periods.
		job := lock.NewCleanupJob(store, cfg.CleanupInterval, cfg.CleanupMaxIdle, logger)
		job.Start()
		return store, job.Stop, nil
	}
}
