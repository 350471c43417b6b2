// Package lifecycle tracks whether the process is draining and runs the
// ordered shutdown sequence.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the drain flag. The health handler reports
// shutting-down with 503 while it is set.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Sequence is an ordered list of shutdown steps.
type Sequence struct {
	logger *zap.Logger
	steps  []step
}

// NewSequence returns an empty Sequence logging to logger.
func NewSequence(logger *zap.Logger) *Sequence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequence{logger: logger}
}

// Add appends a named step.
func (s *Sequence) Add(name string, run func(ctx context.Context) error) {
	s.steps = append(s.steps, step{name: name, run: run})
}

// Run sets the drain flag and runs every step in order. A failing step does
// not stop later ones; all failures are returned joined.
func (s *Sequence) Run(ctx context.Context) error {
	SetShuttingDown(true)
	var errs []error
	for _, st := range s.steps {
		start := time.Now()
		if err := st.run(ctx); err != nil {
			s.logger.Error("shutdown step failed", zap.String("step", st.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		s.logger.Info("shutdown step complete", zap.String("step", st.name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
