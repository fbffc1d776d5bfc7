package sync

import (
	"bufio"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// syncIgnoreFile is looked up at the top of each workspace.
const syncIgnoreFile = ".syncignore"

// SyncIgnore holds patterns loaded from a .syncignore file.
// Matching paths are never sent to the client.
type SyncIgnore struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
}

// LoadSyncIgnore reads the ignore file at name. A missing or unreadable
// file yields an empty set, so only the server's own temp files are
// ignored.
func LoadSyncIgnore(fsys afero.Fs, name string) *SyncIgnore {
	si := &SyncIgnore{}

	f, err := fsys.Open(name)
	if err != nil {
		return si
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		si.patterns = append(si.patterns, p)
	}

	return si
}

// IsIgnored reports whether the wire name should be skipped. Patterns are
// matched against the whole name and against each segment; a segment
// before the last is always a directory.
func (si *SyncIgnore) IsIgnored(name string, isDir bool) bool {
	if strings.HasSuffix(name, tmpSuffix) {
		return true
	}
	if si == nil {
		return false
	}

	segments := strings.Split(name, "/")
	for _, p := range si.patterns {
		if !p.dirOnly || isDir {
			if matched, _ := path.Match(p.pattern, name); matched {
				return true
			}
		}
		for i, seg := range segments {
			last := i == len(segments)-1
			if p.dirOnly && last && !isDir {
				continue
			}
			if matched, _ := path.Match(p.pattern, seg); matched {
				return true
			}
		}
	}
	return false
}
