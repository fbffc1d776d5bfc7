package sync

import (
	"context"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog accumulates everything a subscription has seen.
type eventLog struct {
	mu     gosync.Mutex
	sub    *Subscription
	events []ChangeEvent
}

func (l *eventLog) has(kind EventKind, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	got, _ := l.sub.Drain()
	l.events = append(l.events, got...)
	for _, ev := range l.events {
		if ev.Kind == kind && ev.Path == path {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T) (*Watcher, *eventLog, string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	feed := NewChangeFeed(256)
	w, err := NewWatcher(feed)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		w.Close() //nolint:errcheck
		<-done
	})
	return w, &eventLog{sub: feed.Subscribe()}, dir
}

func TestWatcher_FileEvents(t *testing.T) {
	w, log, dir := startWatcher(t)
	require.NoError(t, w.Watch(dir))

	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.Eventually(t, func() bool { return log.has(EventCreated, path) }, waitFor, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return log.has(EventRemoved, path) }, waitFor, 10*time.Millisecond)
}

func TestWatcher_RenameReportsRemoval(t *testing.T) {
	w, log, dir := startWatcher(t)
	from := filepath.Join(dir, "old.txt")
	to := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0644))
	require.NoError(t, w.Watch(dir))

	require.NoError(t, os.Rename(from, to))
	require.Eventually(t, func() bool {
		return log.has(EventRemoved, from) && log.has(EventCreated, to)
	}, waitFor, 10*time.Millisecond)
}

func TestWatcher_AdoptsNewDirectories(t *testing.T) {
	w, log, dir := startWatcher(t)
	require.NoError(t, w.Watch(dir))

	subdir := filepath.Join(dir, "lib")
	require.NoError(t, os.Mkdir(subdir, 0755))
	nested := filepath.Join(subdir, "util.lua")
	require.NoError(t, os.WriteFile(nested, []byte("return 1"), 0644))

	require.Eventually(t, func() bool {
		return log.has(EventCreated, subdir) && log.has(EventCreated, nested)
	}, waitFor, 10*time.Millisecond)

	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Path == subdir {
			assert.True(t, ev.IsDir)
		}
	}
	log.mu.Unlock()

	later := filepath.Join(subdir, "later.lua")
	require.NoError(t, os.WriteFile(later, []byte("x"), 0644))
	require.Eventually(t, func() bool { return log.has(EventCreated, later) }, waitFor, 10*time.Millisecond)
}

func TestWatcher_RefCountedRoots(t *testing.T) {
	w, _, dir := startWatcher(t)
	other := filepath.Join(dir, "1")
	require.NoError(t, os.Mkdir(other, 0755))

	require.NoError(t, w.Watch(other))
	require.NoError(t, w.Watch(other))
	assert.Equal(t, []string{other}, w.Roots())

	require.NoError(t, w.Unwatch(other))
	assert.Equal(t, []string{other}, w.Roots())

	require.NoError(t, w.Unwatch(other))
	assert.Empty(t, w.Roots())

	assert.NoError(t, w.Unwatch(filepath.Join(dir, "never")))
}

func TestWatcher_UnwatchStopsEvents(t *testing.T) {
	w, log, dir := startWatcher(t)
	require.NoError(t, w.Watch(dir))
	require.NoError(t, w.Unwatch(dir))

	path := filepath.Join(dir, "quiet.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, log.has(EventCreated, path))
}

func TestWatcher_MissingRoot(t *testing.T) {
	w, _, dir := startWatcher(t)
	err := w.Watch(filepath.Join(dir, "does-not-exist"))
	assert.ErrorIs(t, err, ErrWatch)
	assert.Empty(t, w.Roots())
}
