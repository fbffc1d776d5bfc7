package sync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
)

// WatchController turns watching of a workspace root on and off.
type WatchController interface {
	Watch(root string) error
	Unwatch(root string) error
}

// Watcher is the process-wide recursive filesystem watcher. Every change
// under a watched root is published on the feed. Roots are ref-counted so
// several sessions can share one workspace.
type Watcher struct {
	fsw  *fsnotify.Watcher
	feed *ChangeFeed

	mu    gosync.Mutex
	roots map[string]int      // root → number of Watch calls not yet undone
	dirs  map[string]struct{} // directories registered with fsw
}

// NewWatcher creates the watcher. Call Run to start delivering events.
func NewWatcher(feed *ChangeFeed) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatch, err)
	}
	return &Watcher{
		fsw:   fsw,
		feed:  feed,
		roots: make(map[string]int),
		dirs:  make(map[string]struct{}),
	}, nil
}

// Watch starts watching root and everything below it.
func (w *Watcher) Watch(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatch, err)
	}
	l := sub("watcher")

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.roots[root] > 0 {
		w.roots[root]++
		l.Debug("watch ref", "root", root, "refs", w.roots[root])
		return nil
	}

	added, err := w.addTreeLocked(root, nil)
	if err != nil {
		for _, dir := range added {
			if !w.coveredLocked(dir) {
				w.fsw.Remove(dir) //nolint:errcheck
				delete(w.dirs, dir)
			}
		}
		return fmt.Errorf("%w: %s: %v", ErrWatch, root, err)
	}
	w.roots[root] = 1
	l.Info("watching", "root", root, "dirs", len(added))
	return nil
}

// Unwatch drops one reference to root. The underlying watches go away
// with the last reference. Unknown roots are ignored.
func (w *Watcher) Unwatch(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatch, err)
	}
	l := sub("watcher")

	w.mu.Lock()
	defer w.mu.Unlock()

	refs, ok := w.roots[root]
	if !ok {
		return nil
	}
	if refs > 1 {
		w.roots[root] = refs - 1
		l.Debug("unwatch ref", "root", root, "refs", refs-1)
		return nil
	}
	delete(w.roots, root)

	stale := lo.Filter(lo.Keys(w.dirs), func(dir string, _ int) bool {
		return isWithin(dir, root) && !w.coveredLocked(dir)
	})
	var firstErr error
	for _, dir := range stale {
		delete(w.dirs, dir)
		if err := w.fsw.Remove(dir); err != nil && firstErr == nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	l.Info("unwatched", "root", root, "dirs", len(stale))
	if firstErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrWatch, root, firstErr)
	}
	return nil
}

// Roots returns the currently watched roots, sorted.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	roots := lo.Keys(w.roots)
	w.mu.Unlock()
	sort.Strings(roots)
	return roots
}

// Run translates fsnotify events into ChangeEvents until ctx is done or
// the watcher is closed. Watch errors are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	l := sub("watcher")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			l.Warn("watch error", "err", err)
		}
	}
}

// Close releases the fsnotify watcher and ends Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	ev := ChangeEvent{Path: path}

	switch {
	case event.Has(fsnotify.Create):
		ev.Kind = EventCreated
	case event.Has(fsnotify.Write):
		ev.Kind = EventModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename reports the old name; the new one arrives as Create.
		ev.Kind = EventRemoved
	default:
		ev.Kind = EventOther
	}

	if ev.Kind == EventRemoved {
		ev.IsDir = w.forget(path)
		w.feed.Publish(ev)
		return
	}

	info, err := os.Stat(path)
	if err == nil {
		ev.IsDir = info.IsDir()
	}
	w.feed.Publish(ev)

	if ev.Kind == EventCreated && ev.IsDir {
		w.adopt(path)
	}
}

// adopt starts watching a directory created below a watched root and
// publishes Created events for anything already inside it, since those
// entries may have appeared before the watch was in place.
func (w *Watcher) adopt(dir string) {
	l := sub("watcher")
	var found []ChangeEvent

	w.mu.Lock()
	if !w.coveredLocked(dir) {
		w.mu.Unlock()
		return
	}
	_, err := w.addTreeLocked(dir, func(path string, d fs.DirEntry) {
		if path != dir {
			found = append(found, ChangeEvent{Kind: EventCreated, Path: path, IsDir: d.IsDir()})
		}
	})
	w.mu.Unlock()

	if err != nil {
		l.Warn("watch new directory failed", "dir", dir, "err", err)
	}
	for _, ev := range found {
		w.feed.Publish(ev)
	}
}

// forget drops bookkeeping for a removed path and reports whether it was a
// watched directory.
func (w *Watcher) forget(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, wasDir := w.dirs[path]
	for dir := range w.dirs {
		if dir == path || isWithin(dir, path) {
			delete(w.dirs, dir)
		}
	}
	return wasDir
}

// addTreeLocked registers root and every directory below it. visit, if
// set, is called for each entry walked. It returns the directories newly
// added.
func (w *Watcher) addTreeLocked(root string, visit func(string, fs.DirEntry)) ([]string, error) {
	var added []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // skip entries that vanished or are unreadable
		}
		if visit != nil {
			visit(path, d)
		}
		if !d.IsDir() {
			return nil
		}
		if _, ok := w.dirs[path]; ok {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if path == root {
				return err
			}
			sub("watcher").Warn("add watch failed", "dir", path, "err", err)
			return nil
		}
		w.dirs[path] = struct{}{}
		added = append(added, path)
		return nil
	})
	return added, err
}

// coveredLocked reports whether path lies within any watched root.
func (w *Watcher) coveredLocked(path string) bool {
	for root := range w.roots {
		if path == root || isWithin(path, root) {
			return true
		}
	}
	return false
}

func isWithin(path, root string) bool {
	_, ok := ToWire(path, root)
	return ok
}
