package sync

import "fmt"

// EventKind enumerates the messages the discovery producers send to the
// daemon over the event channel.
type EventKind int

const (
	// EventStarted is emitted once when a producer comes alive.
	EventStarted EventKind = iota
	// EventEnqueued carries the path of a newly queued backup.
	EventEnqueued
	// EventSkipped carries the path of a backup that was not queued
	// (already at the destination, or gone before it settled).
	EventSkipped
	// EventEmpty means the initial scan found nothing to queue.
	EventEmpty
	// EventDone carries the number of backups the scan enqueued.
	EventDone
	// EventFatal carries an error that must terminate the daemon.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventEnqueued:
		return "enqueued"
	case EventSkipped:
		return "skipped"
	case EventEmpty:
		return "empty"
	case EventDone:
		return "done"
	case EventFatal:
		return "fatal"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a single producer message. Producer identifies the sender
// ("scanner" or "watcher"); the remaining fields are kind-dependent.
type Event struct {
	Kind     EventKind
	Producer string
	Path     string
	Count    int
	Err      error
}

// emit sends an event to the daemon. Enqueued and Fatal events carry state
// the consumer must not miss (the found counter, termination), so they block
// until delivered even when the channel is full. The remaining kinds are
// informational and are logged and dropped instead of wedging a producer.
func emit(events chan<- Event, ev Event) {
	switch ev.Kind {
	case EventFatal, EventEnqueued:
		events <- ev
	default:
		select {
		case events <- ev:
		default:
			sub(ev.Producer).Warn("event channel full, dropping event", "kind", ev.Kind.String(), "path", ev.Path)
		}
	}
}
