package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceRoot(t *testing.T) {
	root, err := WorkspaceRoot("comp", 7)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(root))
	assert.True(t, strings.HasSuffix(root, filepath.Join("comp", "7")))

	abs, err := WorkspaceRoot("/srv/comp", 4294967295)
	require.NoError(t, err)
	assert.Equal(t, "/srv/comp/4294967295", abs)
}

func TestToWire(t *testing.T) {
	tests := []struct {
		path, root string
		want       string
		ok         bool
	}{
		{"/ws/1/a.lua", "/ws/1", "a.lua", true},
		{"/ws/1/a/b/c.txt", "/ws/1", "a/b/c.txt", true},
		{"/ws/1/a/b/", "/ws/1/", "a/b", true},
		{"/ws/1", "/ws/1", "", false},
		{"/ws/10/a.lua", "/ws/1", "", false},
		{"/ws/2/a.lua", "/ws/1", "", false},
		{"/other", "/ws/1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := ToWire(tt.path, tt.root)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToLocal(t *testing.T) {
	root := "/ws/1"

	got, err := ToLocal("a/b.lua", root)
	require.NoError(t, err)
	assert.Equal(t, "/ws/1/a/b.lua", got)

	got, err = ToLocal(`lib\util.lua`, root)
	require.NoError(t, err)
	assert.Equal(t, "/ws/1/lib/util.lua", got)

	got, err = ToLocal("./a//b.lua", root)
	require.NoError(t, err)
	assert.Equal(t, "/ws/1/a/b.lua", got)
}

func TestToLocal_RejectsTraversal(t *testing.T) {
	for _, name := range []string{
		"../x",
		"a/../../x",
		"a/../b",
		`..\x`,
		"/etc/passwd",
		`\etc\passwd`,
		"",
		".",
		"./",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ToLocal(name, "/ws/1")
			assert.ErrorIs(t, err, ErrPathTraversal)
		})
	}
}

func TestToLocal_RoundTrip(t *testing.T) {
	root := "/ws/3"
	for _, name := range []string{"x", "a/b", "deep/er/still/file.lua", "dots.in.name"} {
		local, err := ToLocal(name, root)
		require.NoError(t, err)
		back, ok := ToWire(local, root)
		require.True(t, ok)
		assert.Equal(t, name, back)
	}
}

func TestToLocal_SymlinkStaysInsideRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "ws")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	got, err := ToLocal("escape/secret.txt", root)
	if err != nil {
		assert.ErrorIs(t, err, ErrPathTraversal)
		return
	}
	_, ok := ToWire(got, root)
	assert.True(t, ok, "resolved %s must stay under %s", got, root)
}
