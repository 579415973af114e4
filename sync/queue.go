package sync

import (
	"database/sql"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"
)

// WorkQueue is a durable FIFO queue of backup source paths awaiting copy.
// Rows live in sqlite so unprocessed entries survive a restart; an in-memory
// notify channel wakes the single consumer when producers append. Paths are
// deduplicated: pushing a path that is already pending is a no-op.
//
// Dequeue is split into Next (peek at the head) and Ack (remove): an entry
// leaves the queue only after its copy attempt has completed, so a crash
// mid-copy re-presents the same entry on restart.
type WorkQueue struct {
	db     *sql.DB
	mu     gosync.Mutex
	notify chan struct{} // signaled when items are added
}

// QueueItem is one pending entry.
type QueueItem struct {
	ID   int64
	Path string
}

// NewWorkQueue creates a queue backed by the given database.
func NewWorkQueue(db *sql.DB) *WorkQueue {
	return &WorkQueue{
		db:     db,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a path to the queue. Returns false if the path was already
// pending. Safe for concurrent use by the scan and watch producers.
func (q *WorkQueue) Push(path string) (bool, error) {
	q.mu.Lock()
	res, err := q.db.Exec(`
		INSERT INTO queue (path, enqueued_at) VALUES (?, ?)
		ON CONFLICT(path) DO NOTHING
	`, path, nowFunc().UnixNano())
	q.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", path, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", path, err)
	}
	if n == 0 {
		if logEnabled(slog.LevelDebug) {
			sub("queue").Debug("push dedup", "path", path)
		}
		return false, nil
	}

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("push", "path", path)
	}

	// Non-blocking signal
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, nil
}

// Next returns the head entry without removing it. Blocks until an entry is
// available, the idle interval elapses, or done closes:
//
//	(item, true)  — an entry is ready
//	(nil, true)   — queue stayed empty for the idle interval
//	(nil, false)  — done closed
//
// The idle return lets the caller re-check producer liveness between waits.
func (q *WorkQueue) Next(done <-chan struct{}, idle time.Duration) (*QueueItem, bool) {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		item, err := q.head()
		if err != nil {
			sub("queue").Error("head query failed", "err", err)
		} else if item != nil {
			if logEnabled(slog.LevelDebug) {
				sub("queue").Debug("next", "id", item.ID, "path", item.Path)
			}
			return item, true
		}

		select {
		case <-done:
			sub("queue").Debug("next cancelled")
			return nil, false
		case <-timer.C:
			return nil, true
		case <-q.notify:
			// Loop back to re-query the head
		}
	}
}

func (q *WorkQueue) head() (*QueueItem, error) {
	item := &QueueItem{}
	err := q.db.QueryRow(`
		SELECT id, path FROM queue ORDER BY id LIMIT 1
	`).Scan(&item.ID, &item.Path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue head: %w", err)
	}
	return item, nil
}

// Ack removes a completed entry. Call it after the copy attempt finished,
// whether it succeeded, failed permanently, or the source vanished.
func (q *WorkQueue) Ack(id int64) error {
	sub("queue").Debug("ack", "id", id)
	if _, err := q.db.Exec("DELETE FROM queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("ack %d: %w", id, err)
	}
	return nil
}

// Has reports whether a path is currently pending.
func (q *WorkQueue) Has(path string) (bool, error) {
	var one int
	err := q.db.QueryRow("SELECT 1 FROM queue WHERE path = ?", path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue has %s: %w", path, err)
	}
	return true, nil
}

// Len returns the number of pending entries.
func (q *WorkQueue) Len() (int, error) {
	var n int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// Pending returns all pending paths in FIFO order. Used at startup to log
// work carried over from a previous run.
func (q *WorkQueue) Pending() ([]string, error) {
	rows, err := q.db.Query("SELECT path FROM queue ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("queue pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("queue pending: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
