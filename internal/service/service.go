// Package service holds the application logic behind the HTTP handlers: the
// cached polygon details lookup and the trend map credentials.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/kjstillabower/trendy-lights/internal/cache"
	ee "github.com/kjstillabower/trendy-lights/internal/earthengine"
	"github.com/kjstillabower/trendy-lights/internal/models"
	"github.com/kjstillabower/trendy-lights/internal/observability"
	"github.com/kjstillabower/trendy-lights/internal/traffic"
)

// Outcome labels for observability.DetailsRequestsTotal.
const (
	outcomeUnknown  = "unknown_polygon"
	outcomeHit      = "cache_hit"
	outcomeComputed = "computed"
	outcomeFailed   = "compute_error"
	outcomeCanceled = "canceled"
	outcomeLocal    = "local_error"
)

// PolygonSource resolves polygon IDs to geometries.
type PolygonSource interface {
	Has(id string) bool
	Geometry(id string) (orb.Geometry, error)
}

// SeriesComputer runs the time series analysis for one geometry.
type SeriesComputer interface {
	PolygonTimeSeries(ctx context.Context, geom orb.Geometry) ([]models.Point, error)
}

// DetailsOptions configure a DetailsService.
type DetailsOptions struct {
	// WikiURL is prefixed to the polygon name to build the wikiUrl field.
	WikiURL string
	// TTL applies to successful payloads.
	TTL time.Duration
	// ErrorTTL applies to payloads carrying an error. Zero disables caching them.
	ErrorTTL time.Duration
	// Coalesce shares one computation among concurrent misses for the same ID.
	Coalesce bool
}

// DetailsService returns the details payload for a polygon, computing it on a
// cache miss. The payload is encoded once and the same bytes are stored and
// served until the entry expires.
type DetailsService struct {
	polygons        PolygonSource
	computer        SeriesComputer
	cache           cache.Cache
	wikiURL         string
	ttl             time.Duration
	errorTTL        time.Duration
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil unless coalescing is enabled
}

// NewDetailsService creates a DetailsService with the provided dependencies.
func NewDetailsService(polygons PolygonSource, computer SeriesComputer, c cache.Cache, opts DetailsOptions) *DetailsService {
	var coalescer *requestCoalescer
	if opts.Coalesce {
		coalescer = newRequestCoalescer()
	}
	return &DetailsService{
		polygons:        polygons,
		computer:        computer,
		cache:           c,
		wikiURL:         opts.WikiURL,
		ttl:             opts.TTL,
		errorTTL:        opts.ErrorTTL,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// GetPolygonTimeSeries returns the JSON details payload for id.
//
// Unknown IDs and Earth Engine failures produce a payload with an error field
// rather than an error return. An error is returned only when the request was
// canceled or a local failure (such as an unreadable polygon file) prevented
// building any payload.
func (s *DetailsService) GetPolygonTimeSeries(ctx context.Context, id string) ([]byte, error) {
	logger := observability.LoggerFromContext(ctx).With(zap.String("polygon_id", id))

	if !s.polygons.Has(id) {
		observability.DetailsRequestsTotal.WithLabelValues(outcomeUnknown).Inc()
		logger.Debug("unrecognized polygon id")
		return json.Marshal(models.DetailRecord{Error: "Unrecognized polygon ID: " + id})
	}

	cached, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			observability.DetailsRequestsTotal.WithLabelValues(outcomeCanceled).Inc()
			return nil, fmt.Errorf("details for %s: %w", id, ctx.Err())
		}
		logger.Warn("cache get failed, computing", zap.Error(err))
	} else if ok {
		observability.DetailsRequestsTotal.WithLabelValues(outcomeHit).Inc()
		traffic.RecordSuccess()
		logger.Debug("details served", zap.Bool("cached", true))
		return cached, nil
	}

	concurrentMisses, done := s.stampedeTracker.begin(id)
	defer done()
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(concurrentMisses))
	}

	start := time.Now()
	var payload []byte
	if s.coalescer != nil {
		var shared bool
		payload, shared, err = s.coalescer.Do(ctx, id, func(fillCtx context.Context) ([]byte, error) {
			return s.fill(fillCtx, id, logger)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
	} else {
		payload, err = s.fill(ctx, id, logger)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("details served", zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return payload, nil
}

// fill computes, encodes and stores the payload for a known id.
func (s *DetailsService) fill(ctx context.Context, id string, logger *zap.Logger) ([]byte, error) {
	geom, err := s.polygons.Geometry(id)
	if err != nil {
		observability.DetailsRequestsTotal.WithLabelValues(outcomeLocal).Inc()
		return nil, fmt.Errorf("details for %s: %w", id, err)
	}

	record := models.DetailRecord{WikiURL: s.WikiURL(id)}
	ttl := s.ttl
	outcome := outcomeComputed

	points, err := s.computer.PolygonTimeSeries(ctx, geom)
	if err != nil {
		if ctx.Err() != nil {
			observability.DetailsRequestsTotal.WithLabelValues(outcomeCanceled).Inc()
			return nil, fmt.Errorf("details for %s: %w", id, ctx.Err())
		}
		logger.Warn("time series computation failed",
			zap.Error(err),
			zap.String("category", string(ee.CategorizeError(err))),
		)
		record.Error = ee.Message(err)
		ttl = s.errorTTL
		outcome = outcomeFailed
	} else {
		record.TimeSeries = points
	}

	payload, err := json.Marshal(record)
	if err != nil {
		observability.DetailsRequestsTotal.WithLabelValues(outcomeLocal).Inc()
		return nil, fmt.Errorf("encode details for %s: %w", id, err)
	}
	observability.DetailsRequestsTotal.WithLabelValues(outcome).Inc()
	if outcome == outcomeFailed {
		traffic.RecordError()
	} else {
		traffic.RecordSuccess()
	}

	if ttl > 0 {
		if addErr := s.cache.Add(ctx, id, payload, ttl); addErr != nil {
			logger.Warn("cache add failed", zap.Error(addErr))
		}
	}
	return payload, nil
}

// WikiURL returns the encyclopedia link for a polygon ID. Dashes in file
// names stand for spaces in article titles.
func (s *DetailsService) WikiURL(id string) string {
	return s.wikiURL + strings.ReplaceAll(id, "-", "%20")
}
