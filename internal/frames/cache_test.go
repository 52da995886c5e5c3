package frames

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func TestNextCyclesInSortedOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "c.png", "a.png", "b.png")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	c := NewCache(zerolog.Nop())

	var got []string
	for i := 0; i < 4; i++ {
		path, ok := c.Next(dir)
		require.True(t, ok)
		got = append(got, filepath.Base(path))
	}
	assert.Equal(t, []string{"a.png", "b.png", "c.png", "a.png"}, got)
}

func TestNextOnEmptyDirectory(t *testing.T) {
	c := NewCache(zerolog.Nop())

	_, ok := c.Next(t.TempDir())
	assert.False(t, ok)

	_, ok = c.Next(filepath.Join(t.TempDir(), "missing"))
	assert.False(t, ok)
}

func TestSnapshotIsNotRescanned(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.png")
	c := NewCache(zerolog.Nop())

	path, ok := c.Next(dir)
	require.True(t, ok)
	assert.Equal(t, "a.png", filepath.Base(path))

	writeFiles(t, dir, "b.png")
	for i := 0; i < 3; i++ {
		path, _ = c.Next(dir)
		assert.Equal(t, "a.png", filepath.Base(path))
	}
}

func TestInvalidateRelists(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.png", "b.png")
	c := NewCache(zerolog.Nop())

	path, _ := c.Next(dir)
	assert.Equal(t, "a.png", filepath.Base(path))

	writeFiles(t, dir, "c.png")
	c.Invalidate(dir)

	var got []string
	for i := 0; i < 3; i++ {
		path, _ = c.Next(dir)
		got = append(got, filepath.Base(path))
	}
	assert.Equal(t, []string{"b.png", "c.png", "a.png"}, got)
}

func TestConcurrentNextAdvancesSerially(t *testing.T) {
	dir := t.TempDir()
	names := []string{"0.png", "1.png", "2.png", "3.png", "4.png"}
	writeFiles(t, dir, names...)
	other := t.TempDir()
	writeFiles(t, other, "x.png")

	c := NewCache(zerolog.Nop())

	const workers, perWorker = 8, 50
	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				path, ok := c.Next(dir)
				if !ok {
					t.Error("expected a frame")
					return
				}
				c.Next(other)
				mu.Lock()
				counts[filepath.Base(path)]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 400 calls over 5 files: a serial cursor hands out each file exactly 80 times.
	for _, name := range names {
		assert.Equal(t, workers*perWorker/len(names), counts[name], name)
	}
}

func TestWatchInvalidatesOnCreate(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.png")
	c := NewCache(zerolog.Nop())
	c.Next(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, dir) }()

	// Give the watcher time to register before touching the directory.
	time.Sleep(100 * time.Millisecond)
	writeFiles(t, dir, "b.png")

	require.Eventually(t, func() bool {
		c.mu.Lock()
		e := c.entries[filepath.Clean(dir)]
		c.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.loaded
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
