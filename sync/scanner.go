package sync

import (
	"fmt"
	"os"
)

// Scanner is the one-shot discovery producer: it lists the backups already
// sitting in the source directory at startup and enqueues the ones not yet
// present at the destination. It terminates after a single pass.
type Scanner struct {
	sourceDir string
	destDir   string
	queue     *WorkQueue
}

// NewScanner creates an initial-scan producer.
func NewScanner(sourceDir, destDir string, queue *WorkQueue) *Scanner {
	return &Scanner{sourceDir: sourceDir, destDir: destDir, queue: queue}
}

// Run performs the scan, reporting progress on the event channel. An
// inaccessible source directory is fatal to the whole daemon, not just the
// scan.
func (s *Scanner) Run(events chan<- Event) {
	l := sub("scanner")

	if _, err := os.Stat(s.sourceDir); err != nil {
		emit(events, Event{Kind: EventFatal, Producer: "scanner",
			Err: fmt.Errorf("source directory inaccessible: %w", err)})
		return
	}

	emit(events, Event{Kind: EventStarted, Producer: "scanner"})
	l.Info("initial scan starting", "source", s.sourceDir)

	artifacts, err := listArtifacts(s.sourceDir)
	if err != nil {
		emit(events, Event{Kind: EventFatal, Producer: "scanner", Err: err})
		return
	}
	if len(artifacts) == 0 {
		l.Info("no existing backups found")
		emit(events, Event{Kind: EventEmpty, Producer: "scanner"})
		return
	}

	existing, err := destinationNames(s.destDir)
	if err != nil {
		emit(events, Event{Kind: EventFatal, Producer: "scanner", Err: err})
		return
	}

	queued, skipped := 0, 0
	for _, a := range artifacts {
		if _, ok := existing[a.Name]; ok {
			l.Debug("already at destination", "name", a.Name)
			emit(events, Event{Kind: EventSkipped, Producer: "scanner", Path: a.Path})
			skipped++
			continue
		}
		added, err := s.queue.Push(a.Path)
		if err != nil {
			emit(events, Event{Kind: EventFatal, Producer: "scanner",
				Err: fmt.Errorf("enqueue failed: %w", err)})
			return
		}
		if !added {
			// Carried over in the durable queue from a previous run.
			emit(events, Event{Kind: EventSkipped, Producer: "scanner", Path: a.Path})
			skipped++
			continue
		}
		emit(events, Event{Kind: EventEnqueued, Producer: "scanner", Path: a.Path})
		queued++
	}

	l.Info("initial scan complete", "queued", queued, "skipped", skipped)
	emit(events, Event{Kind: EventDone, Producer: "scanner", Count: queued})
}
