package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsArtifact(t *testing.T) {
	assert.True(t, isArtifact("backup-2024.tar"))
	assert.True(t, isArtifact("backup-2024.tar.gz"))
	assert.False(t, isArtifact("backup-2024.zip"))
	assert.False(t, isArtifact("backup.tar.gz.tmp"))
	assert.False(t, isArtifact("notes.txt"))
}

func TestListArtifacts_SortedByModTime(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	// Written out of order on purpose.
	writeBackupAt(t, dir, "b.tar", base.Add(2*time.Minute))
	writeBackupAt(t, dir, "a.tar", base)
	writeBackupAt(t, dir, "c.tar.gz", base.Add(time.Minute))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	got, err := listArtifacts(dir)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a.tar", got[0].Name)
	assert.Equal(t, "c.tar.gz", got[1].Name)
	assert.Equal(t, "b.tar", got[2].Name)
	assert.Equal(t, filepath.Join(dir, "a.tar"), got[0].Path)
	assert.Equal(t, int64(len("a.tar")), got[0].Size)
}

func TestListArtifacts_MissingDir(t *testing.T) {
	_, err := listArtifacts(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDestinationNames(t *testing.T) {
	dir := t.TempDir()
	writeBackup(t, dir, "x.tar", []byte("x"))
	writeBackup(t, dir, "y.tar.gz", []byte("y"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.bin"), []byte("z"), 0644))

	names, err := destinationNames(dir)
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Contains(t, names, "x.tar")
	assert.Contains(t, names, "y.tar.gz")
}

func TestDestinationNames_MissingDirIsEmpty(t *testing.T) {
	names, err := destinationNames(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, names)
}
