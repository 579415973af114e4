package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBackup(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestCopier_Copy(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	content := []byte("backup payload")
	srcPath := writeBackup(t, src, "backup-a.tar.gz", content)

	c := NewCopier(3, 0)
	res, err := c.Copy(context.Background(), srcPath, dst)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCopied, res.Outcome)
	assert.Equal(t, "backup-a.tar.gz", res.Name)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.Equal(t, 1, res.Attempts)

	got, err := os.ReadFile(filepath.Join(dst, "backup-a.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(dst, "backup-a.tar.gz.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopier_AlreadyPresent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	srcPath := writeBackup(t, src, "backup-b.tar", []byte("new content"))
	writeBackup(t, dst, "backup-b.tar", []byte("existing"))

	c := NewCopier(3, 0)
	res, err := c.Copy(context.Background(), srcPath, dst)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPresent, res.Outcome)

	// The existing destination file is left untouched.
	got, err := os.ReadFile(filepath.Join(dst, "backup-b.tar"))
	require.NoError(t, err)
	assert.Equal(t, []byte("existing"), got)
}

func TestCopier_InvalidSource(t *testing.T) {
	c := NewCopier(3, 0)

	_, err := c.Copy(context.Background(), filepath.Join(t.TempDir(), "gone.tar"), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidSource)

	// A directory is not a valid source either.
	srcDir := t.TempDir()
	_, err = c.Copy(context.Background(), srcDir, t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestCopier_TargetMissing(t *testing.T) {
	srcPath := writeBackup(t, t.TempDir(), "backup-c.tar", []byte("x"))

	c := NewCopier(3, 0)
	_, err := c.Copy(context.Background(), srcPath, "/nonexistent/target/dir")
	assert.ErrorIs(t, err, ErrTargetMissing)
}

func TestCopier_RetriesExhausted(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	srcPath := writeBackup(t, src, "backup-d.tar", []byte("x"))

	// A directory squatting on the temp name makes every attempt fail at
	// create time.
	require.NoError(t, os.Mkdir(filepath.Join(dst, "backup-d.tar.part"), 0755))

	c := NewCopier(3, 0)
	_, err := c.Copy(context.Background(), srcPath, dst)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCopyFailed)
	assert.Contains(t, err.Error(), "after 3 attempts")

	_, statErr := os.Stat(filepath.Join(dst, "backup-d.tar"))
	assert.True(t, os.IsNotExist(statErr), "no partial file may appear under the final name")
}

func TestCopier_CancelledContext(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	srcPath := writeBackup(t, src, "backup-e.tar", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCopier(3, time.Minute)
	_, err := c.Copy(ctx, srcPath, dst)
	assert.ErrorIs(t, err, context.Canceled)
}
