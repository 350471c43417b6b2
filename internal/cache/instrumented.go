package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// Instrumented records hit, miss, error and latency metrics for a backend.
type Instrumented struct {
	next    Cache
	backend string
}

// Instrument wraps c; backend labels the metrics.
func Instrument(c Cache, backend string) *Instrumented {
	return &Instrumented{next: c, backend: backend}
}

// Backend returns the backend label.
func (c *Instrumented) Backend() string {
	return c.backend
}

// Get delegates to the backend and records hit, miss or error.
func (c *Instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	val, ok, err := c.next.Get(ctx, key)
	result := "hit"
	switch {
	case err != nil:
		result = "error"
		observability.CacheErrorsTotal.WithLabelValues("get", errorCategory(err)).Inc()
	case ok:
		observability.CacheHitsTotal.WithLabelValues(c.backend).Inc()
	default:
		result = "miss"
		observability.CacheMissesTotal.WithLabelValues(c.backend).Inc()
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", result).Observe(time.Since(start).Seconds())
	return val, ok, err
}

// Add delegates to the backend and records latency and errors.
func (c *Instrumented) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.next.Add(ctx, key, value, ttl)
	result := "success"
	if err != nil {
		result = "error"
		observability.CacheErrorsTotal.WithLabelValues("add", errorCategory(err)).Inc()
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("add", result).Observe(time.Since(start).Seconds())
	return err
}

// Ping delegates to the backend when it supports it.
func (c *Instrumented) Ping(ctx context.Context) error {
	if p, ok := c.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close delegates to the backend when it holds resources.
func (c *Instrumented) Close() error {
	if closer, ok := c.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func errorCategory(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidTTL):
		return "invalid_ttl"
	default:
		return "backend"
	}
}
