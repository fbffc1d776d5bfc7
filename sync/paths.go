package sync

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// WorkspaceRoot returns the absolute directory backing workspace id.
func WorkspaceRoot(prefix string, id uint32) (string, error) {
	root, err := filepath.Abs(filepath.Join(prefix, strconv.FormatUint(uint64(id), 10)))
	if err != nil {
		return "", fmt.Errorf("workspace root: %w", err)
	}
	return root, nil
}

func splitPath(p string) []string {
	return strings.Split(filepath.Clean(p), string(filepath.Separator))
}

// ToWire converts an absolute path below root into the "/"-separated name
// used on the wire. Prefixes are compared segment by segment, so
// "/ws/10/a" is not below "/ws/1". ok is false for root itself and for
// anything outside it.
func ToWire(absPath, root string) (name string, ok bool) {
	ps, rs := splitPath(absPath), splitPath(root)
	if len(ps) <= len(rs) {
		return "", false
	}
	for i := range rs {
		if ps[i] != rs[i] {
			return "", false
		}
	}
	return strings.Join(ps[len(rs):], "/"), true
}

// ToLocal resolves a wire name to an absolute path inside root. Names that
// are absolute, contain a ".." segment, name root itself, or resolve
// through a symlink to somewhere outside root are rejected with
// ErrPathTraversal.
func ToLocal(name, root string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) ||
		filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathTraversal, name)
	}

	var segments []string
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		switch seg {
		case ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %q does not name a file", ErrPathTraversal, name)
	}

	root = filepath.Clean(root)
	local, err := securejoin.SecureJoin(root, filepath.Join(segments...))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", name, err)
	}
	if _, ok := ToWire(local, root); !ok {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return local, nil
}
