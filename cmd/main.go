// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the mcgate WebSocket to TCP game gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/mcgate"
	"github.com/absmach/mcgate/examples/simple"
	"github.com/absmach/mcgate/pkg/breaker"
	mgerrors "github.com/absmach/mcgate/pkg/errors"
	"github.com/absmach/mcgate/pkg/gateway"
	"github.com/absmach/mcgate/pkg/handler"
	"github.com/absmach/mcgate/pkg/health"
	"github.com/absmach/mcgate/pkg/metrics"
	"github.com/absmach/mcgate/pkg/probe"
	"github.com/absmach/mcgate/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MCGATE_"

// opsConfig holds the process-level settings around the gateway.
type opsConfig struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Rate Limiting
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"0"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"0"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"0"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"0"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

func main() {
	// .env file is optional
	dotenvErr := godotenv.Load()

	opts := env.Options{Prefix: envPrefix}
	var ops opsConfig
	if err := env.ParseWithOptions(&ops, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(ops.LogLevel, ops.LogFormat)
	if dotenvErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := mcgate.NewConfig(opts)
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New("mcgate", nil)
	backend := cfg.BackendEndpoint.String()

	var h handler.Handler = simple.New(logger)
	if ops.RateLimitCapacity > 0 || ops.GlobalRateCapacity > 0 {
		rl := &RateLimitedHandler{handler: h, logger: logger}
		if ops.RateLimitCapacity > 0 {
			rl.perClientLimiter = ratelimit.NewLimiter(ops.RateLimitCapacity, ops.RateLimitRefill, 0)
			defer rl.perClientLimiter.Close()
		}
		if ops.GlobalRateCapacity > 0 {
			rl.globalLimiter = ratelimit.NewBucket(ops.GlobalRateCapacity, ops.GlobalRateRefill)
		}
		h = rl
	}

	var cb *breaker.CircuitBreaker
	if ops.BreakerMaxFailures > 0 {
		cb = breaker.New(breaker.Config{
			MaxFailures:  ops.BreakerMaxFailures,
			ResetTimeout: ops.BreakerResetTimeout,
		})
		cb.OnStateChange(func(from, to breaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("backend", backend),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.BreakerState(backend, int(to), to == breaker.StateOpen)
		})
	}

	srv := gateway.New(gateway.Config{
		Address:           cfg.ListenAddress(),
		Backend:           backend,
		Codec:             cfg.Codec(),
		ProbeTimeout:      cfg.ProbeTimeout,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DrainTimeout:      cfg.DrainTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadBufferSize:    cfg.ReadBufferSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		MaxSessions:       cfg.MaxSessions,
		Breaker:           cb,
		Metrics:           m,
		Logger:            logger,
	}, h)

	checker := health.NewChecker(5 * time.Second)
	checker.Register("backend", func(ctx context.Context) error {
		return probe.Check(ctx, backend, cfg.ProbeTimeout)
	})
	checker.Register("sessions", func(ctx context.Context) error {
		if srv.Registry().Full() {
			return fmt.Errorf("session limit reached (%d)", cfg.MaxSessions)
		}
		return nil
	})

	logger.Info("starting mcgate",
		slog.String("address", cfg.ListenAddress()),
		slog.String("backend", backend),
		slog.String("framing", cfg.Framing))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	g.Go(func() error {
		return serveOps(ctx, ops.MetricsPort, checker, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mcgate terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("mcgate stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveOps serves metrics and readiness on port until ctx is done.
// A port of 0 disables the ops server.
func serveOps(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("ops server started", slog.String("address", srv.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return mgerrors.Wrap(err, "ops server")
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
