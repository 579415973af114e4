package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrAlreadyLocked means another live daemon instance holds the run lock.
// Callers treat it as a clean no-op exit, not a failure.
var ErrAlreadyLocked = errors.New("another instance is already running")

// RunLock is a file-based mutual exclusion across daemon instances. The file
// records the holder's pid and acquisition time; a lock older than the
// staleness threshold is assumed abandoned by a crashed run and reclaimed.
type RunLock struct {
	path string
}

// AcquireLock takes the run lock at dataDir/backupsync.lock.
func AcquireLock(dataDir string, staleAfter time.Duration) (*RunLock, error) {
	return acquireLockAt(filepath.Join(dataDir, "backupsync.lock"), staleAfter)
}

func acquireLockAt(path string, staleAfter time.Duration) (*RunLock, error) {
	l := sub("lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d\nacquired_at=%s\n", os.Getpid(), nowFunc().Format(time.RFC3339))
			f.Close()
			l.Debug("lock acquired", "path", path)
			return &RunLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		age, readErr := lockAge(path)
		if readErr != nil {
			// The holder may have released between our create and read.
			l.Debug("lock vanished while checking, retrying", "path", path)
			continue
		}
		if age <= staleAfter {
			l.Info("live lock held by another instance", "path", path, "age", age.Round(time.Second))
			return nil, ErrAlreadyLocked
		}

		l.Warn("reclaiming stale run lock", "path", path, "age", age.Round(time.Second))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reclaim stale lock %s: %w", path, err)
		}
	}

	return nil, ErrAlreadyLocked
}

// lockAge determines how long ago the lock was taken, preferring the
// recorded acquisition time and falling back to the file mtime when the
// contents are unreadable (e.g. a hand-created file).
func lockAge(path string) (time.Duration, error) {
	now := nowFunc()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if value, ok := strings.CutPrefix(line, "acquired_at="); ok {
			if t, perr := time.Parse(time.RFC3339, strings.TrimSpace(value)); perr == nil {
				return now.Sub(t), nil
			}
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return now.Sub(info.ModTime()), nil
}

// Release removes the lock file. Safe to call once at shutdown.
func (l *RunLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	sub("lock").Debug("lock released", "path", l.path)
	return nil
}
