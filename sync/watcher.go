package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settlePollInterval is how often a settling backup is re-checked for size
// stability once the configured wait has passed.
const settlePollInterval = 2 * time.Second

// Watcher is the long-running discovery producer: it observes the source
// directory for newly created backup archives and enqueues them after they
// settle. The source directory is flat, so the watch is non-recursive.
type Watcher struct {
	sourceDir string
	destDir   string
	queue     *WorkQueue
	settle    time.Duration // wait after creation before touching the file
	watcher   *fsnotify.Watcher
	wg        gosync.WaitGroup
}

// NewWatcher creates a filesystem watcher for the source directory.
func NewWatcher(sourceDir, destDir string, queue *WorkQueue, settle time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		sourceDir: sourceDir,
		destDir:   destDir,
		queue:     queue,
		settle:    settle,
		watcher:   w,
	}, nil
}

// Start begins watching and blocks until ctx is cancelled or the watch
// breaks. Progress is reported on the event channel; a broken watch returns
// an error so the daemon treats it as fatal.
func (w *Watcher) Start(ctx context.Context, events chan<- Event) error {
	l := sub("watcher")

	if err := w.watcher.Add(w.sourceDir); err != nil {
		emit(events, Event{Kind: EventFatal, Producer: "watcher",
			Err: fmt.Errorf("watch %s: %w", w.sourceDir, err)})
		return fmt.Errorf("watch %s: %w", w.sourceDir, err)
	}

	emit(events, Event{Kind: EventStarted, Producer: "watcher"})
	l.Info("watching for new backups", "source", w.sourceDir)

	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watch event stream closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !isArtifact(name) {
				continue
			}

			l.Info("new backup detected", "name", name)
			// Settle in a helper goroutine so a slow write never blocks
			// detection of the next backup. The queue tolerates concurrent
			// appends.
			w.wg.Add(1)
			go func(path string) {
				defer w.wg.Done()
				w.settleAndEnqueue(ctx, path, events)
			}(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watch error stream closed")
			}
			l.Warn("watch error", "err", err)
		}
	}
}

// settleAndEnqueue waits for the backup writer to finish, then enqueues the
// file unless it vanished or is already at the destination.
func (w *Watcher) settleAndEnqueue(ctx context.Context, path string, events chan<- Event) {
	l := sub("watcher")
	name := filepath.Base(path)

	if !w.waitSettled(ctx, path) {
		if ctx.Err() != nil {
			return
		}
		l.Warn("backup vanished before it settled", "name", name)
		emit(events, Event{Kind: EventSkipped, Producer: "watcher", Path: path})
		return
	}

	existing, err := destinationNames(w.destDir)
	if err != nil {
		l.Warn("destination listing failed, enqueueing anyway", "err", err)
	} else if _, ok := existing[name]; ok {
		l.Info("already at destination, skipping", "name", name)
		emit(events, Event{Kind: EventSkipped, Producer: "watcher", Path: path})
		return
	}

	added, err := w.queue.Push(path)
	if err != nil {
		emit(events, Event{Kind: EventFatal, Producer: "watcher",
			Err: fmt.Errorf("enqueue failed: %w", err)})
		return
	}
	if !added {
		emit(events, Event{Kind: EventSkipped, Producer: "watcher", Path: path})
		return
	}
	emit(events, Event{Kind: EventEnqueued, Producer: "watcher", Path: path})
}

// waitSettled waits the configured settle time, then requires two
// consecutive stats with identical size. Returns false if the file
// disappeared or ctx was cancelled.
func (w *Watcher) waitSettled(ctx context.Context, path string) bool {
	if w.settle > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.settle):
		}
	}

	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() == lastSize {
			return true
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(settlePollInterval):
		}
	}
}

// Close closes the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
