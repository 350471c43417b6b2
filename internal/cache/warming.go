package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// DetailsFetcher is implemented by the service layer to compute and cache the
// details payload for a polygon. Used by CacheWarmer to avoid a circular
// dependency on the service package.
type DetailsFetcher interface {
	GetPolygonTimeSeries(ctx context.Context, polygonID string) ([]byte, error)
}

// CacheWarmer fills the cache ahead of user requests.
type CacheWarmer struct {
	fetcher     DetailsFetcher
	logger      *zap.Logger
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer running at most concurrency fetches at once.
func NewCacheWarmer(fetcher DetailsFetcher, logger *zap.Logger, concurrency int) *CacheWarmer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, concurrency: concurrency}
}

// Warm fetches details for each polygon through the fetcher. A failing polygon
// does not stop the others; all failures are returned joined.
func (w *CacheWarmer) Warm(ctx context.Context, polygonIDs []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("polygons", len(polygonIDs)), zap.Int("concurrency", w.concurrency))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, id := range polygonIDs {
		id := id
		g.Go(func() error {
			if _, err := w.fetcher.GetPolygonTimeSeries(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("polygons", len(polygonIDs)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until
// ctx is done. ids is called before every run so directory rescans are seen.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, ids func() []string, interval time.Duration) error {
	if err := w.Warm(ctx, ids()); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, ids()); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
