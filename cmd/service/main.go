package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/trendy-lights/internal/app"
	"github.com/kjstillabower/trendy-lights/internal/config"
	httphandler "github.com/kjstillabower/trendy-lights/internal/http"
	"github.com/kjstillabower/trendy-lights/internal/lifecycle"
	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}

	// Background work stops when the signal context ends.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.PolygonWatch {
		go func() {
			if err := a.Polygons.Watch(bgCtx, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("polygon watch stopped", zap.Error(err))
			}
		}()
	}

	if cfg.WarmCache {
		warmer := a.NewWarmer(logger)
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(bgCtx, a.WarmIDs, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		} else {
			go func() {
				if err := warmer.Warm(bgCtx, a.WarmIDs()); err != nil {
					logger.Warn("cache warming failed", zap.Error(err))
				}
			}()
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	healthConfig := &httphandler.HealthConfig{
		Window:               cfg.HealthWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		BreakerState:         a.Client.BreakerState,
		CachePing:            a.Cache.Ping,
		Version:              version,
	}
	handler, err := httphandler.NewHandler(a.Details, a.Maps, a.Polygons, healthConfig, logger)
	if err != nil {
		logger.Fatal("handler", zap.Error(err))
	}
	observability.RegisterTrafficGauges(cfg.HealthWindow)

	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		StaticDir:      cfg.StaticDir,
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("graceful shutdown triggered")

	shutdown := lifecycle.NewSequence(logger)
	shutdown.Add("background work", func(context.Context) error {
		bgCancel()
		return nil
	})
	shutdown.Add("http server", func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	shutdown.Add("in-flight requests", func(ctx context.Context) error {
		logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
		waitCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownInFlightTimeout)
		defer cancel()
		if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
			return fmt.Errorf("%d still running: %w", httphandler.InFlightCount(), err)
		}
		return nil
	})
	shutdown.Add("cache", func(context.Context) error {
		return a.Close()
	})
	shutdown.Add("telemetry", func(ctx context.Context) error {
		return observability.FlushTelemetry(ctx, logger)
	})
	if err := shutdown.Run(context.Background()); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
