package service

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// requestCoalescer lets concurrent cache misses for the same key share one
// computation.
type requestCoalescer struct {
	group singleflight.Group
}

func newRequestCoalescer() *requestCoalescer {
	return &requestCoalescer{}
}

// Do runs fn once per key among concurrent callers. fn receives a context
// detached from any single caller's cancellation so that one caller going
// away does not fail the others. A caller whose ctx is done stops waiting and
// gets ctx.Err(). shared reports whether the result was also handed to
// another caller.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	fillCtx := context.WithoutCancel(ctx)
	ch := rc.group.DoChan(key, func() (any, error) {
		return fn(fillCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
