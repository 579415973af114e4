package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, time.Hour)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "backupsync.lock"))
	require.NoError(t, err)

	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, "backupsync.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunLock_LiveLockBlocks(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, time.Hour)
	require.NoError(t, err)
	defer lock.Release() //nolint:errcheck

	_, err = AcquireLock(dir, time.Hour)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestRunLock_StaleLockReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backupsync.lock")

	old := time.Now().Add(-8 * time.Hour).Format(time.RFC3339)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("pid=99999\nacquired_at=%s\n", old)), 0644))

	lock, err := AcquireLock(dir, 6*time.Hour)
	require.NoError(t, err, "a stale lock should be reclaimed")
	defer lock.Release() //nolint:errcheck

	// The reclaimed lock now records this process.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("pid=%d", os.Getpid()))
}

func TestRunLock_UnreadableLockUsesMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backupsync.lock")

	// A hand-created lock with no recorded time falls back to the file
	// mtime, which is fresh here, so the lock counts as live.
	require.NoError(t, os.WriteFile(path, []byte("junk\n"), 0644))

	_, err := AcquireLock(dir, time.Hour)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}
