// Package app wires the configured components together for the server and
// the command line tool.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjstillabower/trendy-lights/internal/analysis"
	"github.com/kjstillabower/trendy-lights/internal/cache"
	"github.com/kjstillabower/trendy-lights/internal/config"
	ee "github.com/kjstillabower/trendy-lights/internal/earthengine"
	"github.com/kjstillabower/trendy-lights/internal/polygons"
	"github.com/kjstillabower/trendy-lights/internal/service"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Polygons *polygons.Registry
	Cache    *cache.Instrumented
	Client   *ee.RESTClient
	Analyzer *analysis.Analyzer
	Details  *service.DetailsService
	Maps     *service.MapService
}

// Build wires an App from cfg. httpClient is used for Earth Engine calls;
// when nil, a client authorised with the configured service account is built.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, httpClient *http.Client) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, err := polygons.Load(cfg.PolygonDir)
	if err != nil {
		return nil, err
	}
	logger.Info("polygons loaded", zap.String("dir", cfg.PolygonDir), zap.Int("count", registry.Len()))

	if httpClient == nil {
		ts, err := ee.TokenSource(ctx, cfg.EarthEngineAccount, cfg.EarthEnginePrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("earth engine credentials: %w", err)
		}
		httpClient = ee.NewHTTPClient(ctx, ts)
	}

	client, err := ee.NewRESTClient(ee.Options{
		BaseURL:          cfg.EarthEngineURL,
		Project:          cfg.EarthEngineProject,
		HTTPClient:       httpClient,
		Timeout:          cfg.EarthEngineTimeout,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		BreakerEnabled:   cfg.CircuitBreakerEnabled,
		BreakerThreshold: cfg.CircuitBreakerFailureThreshold,
		BreakerTimeout:   cfg.CircuitBreakerTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreakerEnabled {
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout),
		)
	}

	c, err := cache.New(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("cache backend", zap.String("backend", c.Backend()), zap.Duration("ttl", cfg.CacheTTL))

	analyzer := analysis.NewAnalyzer(client, analysis.ParamsFromConfig(cfg))
	details := service.NewDetailsService(registry, analyzer, c, service.DetailsOptions{
		WikiURL:  cfg.WikiURL,
		TTL:      cfg.CacheTTL,
		ErrorTTL: cfg.CacheErrorTTL,
		Coalesce: cfg.CoalesceEnabled,
	})

	return &App{
		Config:   cfg,
		Polygons: registry,
		Cache:    c,
		Client:   client,
		Analyzer: analyzer,
		Details:  details,
		Maps:     service.NewMapService(analyzer),
	}, nil
}

// WarmIDs returns the polygons to pre-compute: the configured list, or every
// known polygon when none is configured.
func (a *App) WarmIDs() []string {
	if len(a.Config.WarmPolygons) > 0 {
		return a.Config.WarmPolygons
	}
	return a.Polygons.IDs()
}

// NewWarmer returns a cache warmer over the details service.
func (a *App) NewWarmer(logger *zap.Logger) *cache.CacheWarmer {
	return cache.NewCacheWarmer(a.Details, logger, a.Config.WarmConcurrency)
}

// Close releases the cache backend.
func (a *App) Close() error {
	if a.Cache == nil {
		return nil
	}
	if err := a.Cache.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close cache: %w", err)
	}
	return nil
}
