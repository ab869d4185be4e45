package jobdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/jobfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() types.JobKey {
	return types.JobKey{Client: types.ClientID{0xde, 0xad}, Job: 7}
}

func TestCreateWritesSpec(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	submitted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dir, err := store.Create(testKey(), "echo hi", 2, submitted)
	require.NoError(t, err)
	assert.Equal(t, store.Dir(testKey()), dir)
	assert.DirExists(t, dir)
	assert.NoFileExists(t, filepath.Join(dir, SpecFile+".tmp"))

	spec, err := store.LoadSpec(testKey())
	require.NoError(t, err)
	assert.Equal(t, "echo hi", spec.Command)
	assert.Equal(t, 2, spec.FileCount)
	assert.Equal(t, uint32(7), spec.JobID)
	assert.Equal(t, testKey().Client.String(), spec.Client)
	assert.True(t, submitted.Equal(spec.SubmittedAt))
}

func TestCreateIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := store.Create(testKey(), "true", 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.bin"), []byte("x"), 0o644))

	again, err := store.Create(testKey(), "true", 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.FileExists(t, filepath.Join(dir, "input.bin"))
}

func TestCreateFailsWhenRootIsFile(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	require.NoError(t, err)

	// 目錄路徑被同名檔案佔用
	require.NoError(t, os.WriteFile(store.Dir(testKey()), []byte("x"), 0o644))
	_, err = store.Create(testKey(), "true", 0, time.Now())
	assert.Error(t, err)
}

func TestFilePath(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := store.FilePath(testKey(), "video.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(testKey()), "video.mp4"), path)

	bad := []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`, "nul\x00", SpecFile, "x.part", strings.Repeat("n", 257)}
	for _, name := range bad {
		_, err := store.FilePath(testKey(), name)
		assert.ErrorIs(t, err, ErrInvalidFilename, "name %q", name)
	}
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
