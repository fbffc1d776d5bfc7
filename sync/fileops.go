package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// tmpSuffix marks files being written by WriteFull. They are never synced.
const tmpSuffix = ".sync-tmp"

// Workspace is the directory a session reads from and writes to, plus the
// streamed uploads it has in flight.
type Workspace struct {
	fs    afero.Fs
	root  string
	parts map[string]afero.File // wire name → open handle
}

// NewWorkspace returns a workspace rooted at the absolute path root.
func NewWorkspace(fsys afero.Fs, root string) *Workspace {
	return &Workspace{
		fs:    fsys,
		root:  filepath.Clean(root),
		parts: make(map[string]afero.File),
	}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Ensure creates the workspace directory if it does not exist.
func (w *Workspace) Ensure() error {
	if err := w.fs.MkdirAll(w.root, 0755); err != nil {
		return fmt.Errorf("create workspace %s: %w", w.root, err)
	}
	return nil
}

// resolve maps a wire name to its local path and canonical wire name.
func (w *Workspace) resolve(name string) (local, key string, err error) {
	local, err = ToLocal(name, w.root)
	if err != nil {
		return "", "", err
	}
	key, _ = ToWire(local, w.root)
	return local, key, nil
}

// WriteFull replaces the file named by f with f.Data. The content goes to a
// temp file first and is renamed into place, so readers see either the
// old or the new content.
func (w *Workspace) WriteFull(f SyncFile) error {
	local, key, err := w.resolve(f.Name)
	if err != nil {
		return err
	}
	// A full upload supersedes any streamed one still open.
	if err := w.closePart(key); err != nil {
		return err
	}

	if err := w.fs.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", key, err)
	}

	tmpPath := local + tmpSuffix
	if err := afero.WriteFile(w.fs, tmpPath, []byte(f.Data), 0644); err != nil {
		w.fs.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.fs.Rename(tmpPath, local); err != nil {
		w.fs.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("rename tmp to %s: %w", key, err)
	}
	return nil
}

// WritePartial appends one chunk of a streamed upload. The first chunk for
// a name creates (or truncates) the file; the chunk with done set closes it.
// Chunks must arrive in order.
func (w *Workspace) WritePartial(f SyncFile, done bool) error {
	local, key, err := w.resolve(f.Name)
	if err != nil {
		return err
	}

	h, ok := w.parts[key]
	if !ok {
		if err := w.fs.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return fmt.Errorf("mkdir parent of %s: %w", key, err)
		}
		h, err = w.fs.OpenFile(local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("create %s: %w", key, err)
		}
		w.parts[key] = h
		sub("workspace").Debug("partial upload started", "name", key)
	}

	if _, err := h.Write([]byte(f.Data)); err != nil {
		delete(w.parts, key)
		h.Close()
		return fmt.Errorf("append %s: %w", key, err)
	}

	if done {
		sub("workspace").Debug("partial upload finished", "name", key)
		return w.closePart(key)
	}
	return nil
}

func (w *Workspace) closePart(key string) error {
	h, ok := w.parts[key]
	if !ok {
		return nil
	}
	delete(w.parts, key)
	if err := h.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

// OpenParts returns the names with a streamed upload in flight, sorted.
func (w *Workspace) OpenParts() []string {
	names := lo.Keys(w.parts)
	sort.Strings(names)
	return names
}

// CloseParts closes every in-flight upload. Whatever was written so far
// stays on disk.
func (w *Workspace) CloseParts() error {
	var errs []error
	for _, key := range w.OpenParts() {
		errs = append(errs, w.closePart(key))
	}
	return errors.Join(errs...)
}

// ReadFile returns the content of the file at the absolute path.
func (w *Workspace) ReadFile(path string) (string, error) {
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Ignore loads the workspace's ignore rules.
func (w *Workspace) Ignore() *SyncIgnore {
	return LoadSyncIgnore(w.fs, filepath.Join(w.root, syncIgnoreFile))
}
