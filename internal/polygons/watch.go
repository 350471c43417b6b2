package polygons

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const rescanDebounce = 250 * time.Millisecond

// Watch rescans the registry whenever a polygon file is created, removed or
// renamed. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create polygon watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	logger.Info("watching polygon directory", zap.String("dir", r.dir))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			// Editors emit bursts of events; rescan once they settle.
			pending = time.After(rescanDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("polygon watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			before := r.Len()
			if err := r.Rescan(); err != nil {
				logger.Error("polygon rescan failed", zap.Error(err))
				continue
			}
			logger.Info("polygon directory rescanned",
				zap.Int("before", before),
				zap.Int("after", r.Len()),
			)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(filepath.Base(event.Name), fileExt) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
