package sync

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncIgnore(t *testing.T) {
	fsys := afero.NewMemMapFs()
	content := `# build output
*.log

build/
secret.txt
docs/*.md
`
	require.NoError(t, afero.WriteFile(fsys, "/ws/.syncignore", []byte(content), 0644))
	si := LoadSyncIgnore(fsys, "/ws/.syncignore")

	tests := []struct {
		name  string
		isDir bool
		want  bool
	}{
		{"debug.log", false, true},
		{"sub/debug.log", false, true},
		{"main.lua", false, false},
		{"build", true, true},
		{"build/out.lua", false, true},
		{"build", false, false},
		{"src/build", false, false},
		{"secret.txt", false, true},
		{"nested/secret.txt", false, true},
		{"docs/readme.md", false, true},
		{"docs/deep/readme.md", false, false},
		{"x.lua" + tmpSuffix, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, si.IsIgnored(tt.name, tt.isDir))
		})
	}
}

func TestSyncIgnore_MissingFile(t *testing.T) {
	si := LoadSyncIgnore(afero.NewMemMapFs(), "/nope/.syncignore")
	assert.False(t, si.IsIgnored("a.log", false))
	assert.True(t, si.IsIgnored("a.log"+tmpSuffix, false))
}

func TestSyncIgnore_NilReceiver(t *testing.T) {
	var si *SyncIgnore
	assert.False(t, si.IsIgnored("anything", false))
	assert.True(t, si.IsIgnored("f"+tmpSuffix, false))
}
