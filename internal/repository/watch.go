package repository

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

// Watch signals on the returned channel whenever a record arrives in the
// pending queue. Signals coalesce; the channel is closed when ctx ends.
func (r *Repository) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir(model.QueuePending)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch pending queue: %w", err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Pending queue watcher error", zap.Error(err))
			}
		}
	}()

	return signals, nil
}
