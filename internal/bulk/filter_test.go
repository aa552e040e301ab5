package bulk

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Allows(t *testing.T) {
	tests := []struct {
		name    string
		include string
		exclude string
		path    string
		want    bool
	}{
		{"no patterns", "", "", "/data/a.txt", true},
		{"include matches", `.*\.txt$`, "", "/data/a.txt", true},
		{"include misses", `.*\.txt$`, "", "/data/a.log", false},
		{"include anchored at start", `\.txt$`, "", "/data/a.txt", false},
		{"exclude matches", "", `.*/tmp/`, "/data/tmp/a.txt", false},
		{"exclude wins over include", `.*\.txt$`, `/data/private`, "/data/private/a.txt", false},
		{"exclude anchored at start", "", `tmp`, "/data/tmp/a.txt", true},
		{"every alternative anchored", "", `zzz|tmp`, "/data/tmp/a.txt", true},
		{"alternative matching at start", "", `zzz|/data/tmp`, "/data/tmp/a.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileFilter(tt.include, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Allows(tt.path))
		})
	}
}

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter

	assert.True(t, f.Allows("/anything"))
	assert.False(t, f.Ignored("/anything", false))
}

func TestCompileFilter_InvalidPattern(t *testing.T) {
	_, err := CompileFilter("(", "")
	assert.ErrorContains(t, err, "include pattern")

	_, err = CompileFilter("", "[")
	assert.ErrorContains(t, err, "exclude pattern")

	// Balanced only once wrapped in the anchoring group.
	_, err = CompileFilter(`a)|(b`, "")
	assert.ErrorContains(t, err, "include pattern")
}

func TestFilter_IgnoreMarker(t *testing.T) {
	root := makeTree(t, "keep.txt", "notes.bak", "build/out.bin", "src/main.go")
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultIgnoreMarker), []byte("*.bak\nbuild/\n"), 0o600))

	f := (&Filter{}).WithIgnoreMarker(DefaultIgnoreMarker)

	assert.False(t, f.Ignored(filepath.Join(root, "keep.txt"), false))
	assert.True(t, f.Ignored(filepath.Join(root, "notes.bak"), false))
	assert.True(t, f.Ignored(filepath.Join(root, "build"), true))
	assert.True(t, f.Ignored(filepath.Join(root, DefaultIgnoreMarker), false))
	// Markers only govern their own directory.
	assert.False(t, f.Ignored(filepath.Join(root, "src", "main.go"), false))
}

func TestWalkTree_MarkerAndSymlinks(t *testing.T) {
	root := makeTree(t, "keep.txt", "notes.bak", "build/out.bin", "sub/deep/file.txt")
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultIgnoreMarker), []byte("*.bak\nbuild/\n"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(root, "keep.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "sub"), filepath.Join(root, "linkdir")))

	f := (&Filter{}).WithIgnoreMarker(DefaultIgnoreMarker)

	var got []string

	err := walkTree(context.Background(), root, "", f, slog.Default(), func(task Task) error {
		got = append(got, task.DestName)
		return nil
	})
	require.NoError(t, err)

	sort.Strings(got)
	assert.Equal(t, []string{"keep.txt", "sub/deep/file.txt"}, got)
}

func TestWalkTree_UnreadableSubdirSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any directory")
	}

	root := makeTree(t, "ok.txt", "locked/secret.txt")
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	var got []string

	err := walkTree(context.Background(), root, "", nil, slog.Default(), func(task Task) error {
		got = append(got, task.DestName)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, got)
}

func TestRemoteName(t *testing.T) {
	root := filepath.Join("data", "root")

	name, err := remoteName(root, filepath.Join(root, "a", "b.txt"), "")
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", name)

	name, err = remoteName(root, filepath.Join(root, "a", "b.txt"), "/backups/2026/")
	require.NoError(t, err)
	assert.Equal(t, "backups/2026/a/b.txt", name)
}
