package sync

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RunState holds the daemon's lifetime counters. It is owned by the daemon's
// control loop — no concurrent writers — and persisted after every mutation.
// TotalFound accumulates across restarts; it is a running total, not a
// per-run gauge.
type RunState struct {
	StartTime    time.Time
	TotalFound   int
	TotalCopied  int
	TotalFailed  int
	LastBackup   string
	LastError    string
	LastSyncTime time.Time
}

// StateStore persists RunState as flat key=value lines. The file is meant to
// be human-readable: hand-editing or deleting it is safe and simply feeds
// defaults back on the next load.
type StateStore struct {
	path string
}

// NewStateStore creates a store writing to dataDir/backupsync.state.
func NewStateStore(dataDir string) *StateStore {
	return &StateStore{path: filepath.Join(dataDir, "backupsync.state")}
}

// Load reads the persisted state. A missing file returns zero-valued state;
// unparseable lines are skipped with a warning so a partially hand-edited
// file never blocks startup.
func (s *StateStore) Load() (*RunState, error) {
	l := sub("state")
	st := &RunState{}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info("no state file, starting fresh", "path", s.path)
			return st, nil
		}
		return nil, fmt.Errorf("open state %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			l.Warn("skipping malformed state line", "line", line)
			continue
		}
		if err := st.set(key, value); err != nil {
			l.Warn("skipping unreadable state value", "key", key, "err", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	l.Info("state loaded",
		"totalFound", st.TotalFound,
		"totalCopied", st.TotalCopied,
		"totalFailed", st.TotalFailed,
		"lastBackup", st.LastBackup)
	return st, nil
}

func (st *RunState) set(key, value string) error {
	switch key {
	case "start_time":
		return st.setTime(&st.StartTime, value)
	case "total_found":
		return st.setInt(&st.TotalFound, value)
	case "total_copied":
		return st.setInt(&st.TotalCopied, value)
	case "total_failed":
		return st.setInt(&st.TotalFailed, value)
	case "last_backup":
		st.LastBackup = value
	case "last_error":
		st.LastError = value
	case "last_sync_time":
		return st.setTime(&st.LastSyncTime, value)
	}
	return nil
}

func (st *RunState) setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func (st *RunState) setTime(dst *time.Time, value string) error {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return err
	}
	*dst = t
	return nil
}

// Save writes the state atomically (temp file, rename) so a crash mid-write
// never leaves a truncated file.
func (s *StateStore) Save(st *RunState) error {
	var b strings.Builder
	fmt.Fprintf(&b, "start_time=%s\n", formatTime(st.StartTime))
	fmt.Fprintf(&b, "total_found=%d\n", st.TotalFound)
	fmt.Fprintf(&b, "total_copied=%d\n", st.TotalCopied)
	fmt.Fprintf(&b, "total_failed=%d\n", st.TotalFailed)
	fmt.Fprintf(&b, "last_backup=%s\n", st.LastBackup)
	fmt.Fprintf(&b, "last_error=%s\n", strings.ReplaceAll(st.LastError, "\n", "; "))
	fmt.Fprintf(&b, "last_sync_time=%s\n", formatTime(st.LastSyncTime))

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
