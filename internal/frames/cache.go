// Package frames hands out the files of a directory one at a time, in
// lexicographic order, wrapping around at the end.
package frames

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// entry is the round-robin state for one directory.
type entry struct {
	mu     sync.Mutex
	loaded bool
	paths  []string
	cursor int
}

// Cache keeps one entry per requested directory for the life of the process.
// Listings are snapshots; Invalidate forces the next request to list again.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  zerolog.Logger
}

// NewCache creates an empty cache.
func NewCache(logger zerolog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		logger:  logger.With().Str("component", "frames").Logger(),
	}
}

// Next returns the path under the directory's cursor and advances it. ok is
// false when the directory had no regular files when it was listed.
func (c *Cache) Next(dir string) (string, bool) {
	e := c.entry(dir)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		e.paths = listFrames(dir)
		e.loaded = true
		if len(e.paths) == 0 {
			c.logger.Error().Str("dir", dir).Msg("no frames found")
			e.cursor = 0
		} else {
			c.logger.Debug().Str("dir", dir).Int("frames", len(e.paths)).Msg("frame list cached")
			e.cursor %= len(e.paths)
		}
	}
	if len(e.paths) == 0 {
		return "", false
	}

	path := e.paths[e.cursor]
	e.cursor = (e.cursor + 1) % len(e.paths)
	return path, true
}

// Invalidate drops the directory's snapshot. The cursor is kept and wrapped
// onto the new listing.
func (c *Cache) Invalidate(dir string) {
	c.mu.Lock()
	e, ok := c.entries[filepath.Clean(dir)]
	c.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.loaded = false
	e.mu.Unlock()
	c.logger.Debug().Str("dir", dir).Msg("frame list invalidated")
}

func (c *Cache) entry(dir string) *entry {
	key := filepath.Clean(dir)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// listFrames returns the regular files of dir sorted by full path. Unreadable
// directories yield an empty list.
func listFrames(dir string) []string {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var paths []string
	for _, de := range dirEntries {
		path := filepath.Join(dir, de.Name())
		// Stat follows symlinks so linked images count as regular files.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
