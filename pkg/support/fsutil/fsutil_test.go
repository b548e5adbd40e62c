package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ReplaceTildeInDir("~/runs/a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "runs/a"), got)

	got, err = ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got)
}

func TestListing(t *testing.T) {
	dir := t.TempDir()
	seq := filepath.Join(dir, "seq_b")
	require.NoError(t, os.MkdirAll(seq, 0770))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "seq_a"), 0770))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".hidden"), 0770))
	for _, name := range []string{"00002.png", "00001.PNG", "notes.txt", "00003.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(seq, name), nil, 0660))
	}

	subdirs, err := ListSubdirs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "seq_a"), seq}, subdirs)

	frames, err := ListFrames(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(seq, "00001.PNG"),
		filepath.Join(seq, "00002.png"),
		filepath.Join(seq, "00003.jpg"),
	}, frames)

	assert.True(t, IsDir(seq))
	exists, err := FileExists(filepath.Join(seq, "missing.png"))
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := EnsureDir(filepath.Join(dir, "x", "y"))
	require.NoError(t, err)
	assert.True(t, IsDir(created))
}
