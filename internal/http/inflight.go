package http

import (
	"context"
	"sync/atomic"
	"time"
)

// inFlight counts requests inside MetricsMiddleware.
var inFlight atomic.Int64

// InFlightCount returns the number of requests currently being served.
func InFlightCount() int64 {
	return inFlight.Load()
}

// WaitForInFlight blocks until no requests are being served or ctx is done,
// polling every checkInterval.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
