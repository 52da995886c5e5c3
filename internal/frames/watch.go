package frames

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates dir's snapshot whenever files are created, removed or
// renamed in it. It blocks until ctx is cancelled or the watcher fails.
func (c *Cache) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	c.logger.Info().Str("dir", dir).Msg("watching frame directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 &&
				filepath.Dir(event.Name) == filepath.Clean(dir) {
				c.Invalidate(dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Str("dir", dir).Msg("frame watcher error")
		}
	}
}
