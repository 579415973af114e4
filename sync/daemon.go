package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// watchStartupGrace is how long the daemon waits for the watch producer to
// come alive before treating startup as failed.
const watchStartupGrace = 10 * time.Second

// StorageManager gates daemon startup on a validated, mounted destination.
type StorageManager interface {
	EnsureMounted(ctx context.Context, device, mountPointName string) (*MountTarget, error)
	CheckTarget(dir string) error
}

// PowerController warms up the destination disk through a smart switch
// before storage validation.
type PowerController interface {
	TurnOn(ctx context.Context, entityID string) error
	WaitForState(ctx context.Context, entityID, want string) error
}

// Daemon is the sync orchestrator: it validates storage, runs the discovery
// producers, and consumes the work queue one backup at a time.
type Daemon struct {
	cfg       *Config
	queue     *WorkQueue
	states    *StateStore
	storage   StorageManager
	notifier  Notifier
	power     PowerController
	copier    *Copier
	retention *Retention
}

// NewDaemon wires the orchestrator. power may be nil when no switch entity
// is configured.
func NewDaemon(cfg *Config, db *sql.DB, storage StorageManager, notifier Notifier, power PowerController) *Daemon {
	return &Daemon{
		cfg:       cfg,
		queue:     NewWorkQueue(db),
		states:    NewStateStore(cfg.DataDir),
		storage:   storage,
		notifier:  notifier,
		power:     power,
		copier:    NewCopier(cfg.MaxRetries, cfg.RetryDelay),
		retention: NewRetention(cfg.MaxCopies),
	}
}

// Queue exposes the work queue, used by tests to seed and inspect pending
// work.
func (d *Daemon) Queue() *WorkQueue {
	return d.queue
}

// Run executes the full daemon lifecycle and blocks until ctx is cancelled
// or a fatal condition occurs. Returns nil on graceful stop,
// ErrAlreadyLocked when another live instance holds the run lock, and any
// other error on fatal conditions.
func (d *Daemon) Run(ctx context.Context) error {
	l := sub("daemon")

	lock, err := AcquireLock(d.cfg.DataDir, d.cfg.LockStaleAfter)
	if err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			l.Info("another instance is running, nothing to do")
			return err
		}
		return d.fatal("run lock unavailable", err)
	}
	defer lock.Release() //nolint:errcheck

	st, err := d.states.Load()
	if err != nil {
		return d.fatal("run state unreadable", err)
	}
	st.StartTime = nowFunc()
	d.saveState(st)

	// The final state always reaches the logs, however the loop ends.
	defer d.dumpFinalState(st)

	l.Info("backup sync starting",
		"device", d.cfg.USBDevice,
		"source", d.cfg.SourceDir,
		"destination", d.cfg.DestDir(),
		"maxCopies", d.cfg.MaxCopies,
		"syncExisting", d.cfg.SyncExistingOnStart)

	if d.cfg.USBDevice == "" {
		// First run: scan attached storage and log what the user could
		// configure before giving up.
		logFirstRunHelp(ctx, d.cfg.SystemDiskPrefixes)
		return d.fatal("no usb_device configured, set one in the add-on options", nil)
	}

	if d.cfg.PowerSwitch != "" && d.power != nil {
		l.Info("powering on destination disk", "switch", d.cfg.PowerSwitch)
		if err := d.power.TurnOn(ctx, d.cfg.PowerSwitch); err != nil {
			return d.fatal("power switch unreachable", err)
		}
		if err := d.power.WaitForState(ctx, d.cfg.PowerSwitch, "on"); err != nil {
			return d.fatal("destination disk did not power on", err)
		}
	}

	if _, err := d.storage.EnsureMounted(ctx, d.cfg.USBDevice, d.cfg.MountPoint); err != nil {
		return d.fatal("storage unavailable", err)
	}
	dest := d.cfg.DestDir()
	if err := d.storage.CheckTarget(dest); err != nil {
		return d.fatal("destination not ready", err)
	}

	if pending, err := d.queue.Pending(); err == nil && len(pending) > 0 {
		l.Info("resuming queued work from previous run", "pending", len(pending))
	}

	events := make(chan Event, 64)

	watcher, err := NewWatcher(d.cfg.SourceDir, dest, d.queue, d.cfg.WaitTime)
	if err != nil {
		return d.fatal("watcher creation failed", err)
	}
	defer watcher.Close()

	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- watcher.Start(wctx, events)
	}()

	if err := d.awaitWatcher(ctx, events, watchDone, st); err != nil {
		return err
	}

	d.notifier.Notify(SeveritySuccess, "Backup Sync started",
		fmt.Sprintf("Watching %s for new backups. Destination: %s", d.cfg.SourceDir, dest))

	if d.cfg.SyncExistingOnStart {
		scanner := NewScanner(d.cfg.SourceDir, dest, d.queue)
		go scanner.Run(events)
	}

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	l.Info("main loop started")
	for {
		if err := d.drainEvents(events, st); err != nil {
			return err
		}

		select {
		case werr := <-watchDone:
			if ctx.Err() != nil {
				return nil
			}
			return d.fatal("watch producer died", werr)
		default:
		}

		item, ok := d.queue.Next(stop, d.cfg.IdleWait)
		if !ok {
			l.Info("main loop stopping, context cancelled")
			return nil
		}
		if item == nil {
			// Idle interval elapsed with nothing queued; loop back to
			// re-check producer liveness.
			continue
		}

		d.process(ctx, item, st, dest)
	}
}

// awaitWatcher blocks until the watch producer reports Started, converting
// a silent or failed startup into a fatal error.
func (d *Daemon) awaitWatcher(ctx context.Context, events <-chan Event, watchDone <-chan error, st *RunState) error {
	grace := time.NewTimer(watchStartupGrace)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case werr := <-watchDone:
			return d.fatal("watch producer failed to start", werr)
		case <-grace.C:
			return d.fatal("watch producer did not start in time", nil)
		case ev := <-events:
			if ev.Kind == EventStarted && ev.Producer == "watcher" {
				sub("daemon").Debug("watch producer alive")
				return nil
			}
			if err := d.handleEvent(ev, st); err != nil {
				return err
			}
		}
	}
}

// drainEvents consumes every buffered producer event without blocking.
func (d *Daemon) drainEvents(events <-chan Event, st *RunState) error {
	for {
		select {
		case ev := <-events:
			if err := d.handleEvent(ev, st); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (d *Daemon) handleEvent(ev Event, st *RunState) error {
	l := sub("daemon")
	switch ev.Kind {
	case EventStarted:
		l.Debug("producer started", "producer", ev.Producer)
	case EventEnqueued:
		st.TotalFound++
		d.saveState(st)
		l.Info("backup queued", "producer", ev.Producer, "path", ev.Path, "totalFound", st.TotalFound)
	case EventSkipped:
		l.Debug("backup skipped", "producer", ev.Producer, "path", ev.Path)
	case EventEmpty:
		l.Info("initial scan found nothing to sync")
	case EventDone:
		l.Info("initial scan finished", "queued", ev.Count)
	case EventFatal:
		return d.fatal(fmt.Sprintf("%s producer failed", ev.Producer), ev.Err)
	}
	return nil
}

// process handles one queue entry end to end: copy, retention, state,
// notification. The entry is acked once the attempt has concluded, whatever
// the outcome; a cancellation mid-copy leaves it queued for the next run.
func (d *Daemon) process(ctx context.Context, item *QueueItem, st *RunState, dest string) {
	l := sub("daemon")

	if _, err := os.Stat(item.Path); err != nil {
		// The work was never really available, so this is not a failure:
		// warn, record, move on.
		l.Warn("backup vanished before copy", "path", item.Path)
		st.LastError = fmt.Sprintf("source vanished: %s", item.Path)
		d.saveState(st)
		d.ack(item)
		return
	}

	res, err := d.copier.Copy(ctx, item.Path, dest)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed. Leave the entry queued.
			return
		}
		if errors.Is(err, ErrInvalidSource) {
			l.Warn("backup vanished before copy", "path", item.Path)
			st.LastError = fmt.Sprintf("source vanished: %s", item.Path)
			d.saveState(st)
			d.ack(item)
			return
		}

		l.Error("backup copy failed", "path", item.Path, "err", err)
		st.TotalFailed++
		st.LastError = err.Error()
		d.saveState(st)
		d.notifier.Notify(SeverityError, "Backup copy failed",
			fmt.Sprintf("%s: %v", item.Path, err))
		d.ack(item)
		return
	}

	if res.Outcome == OutcomeCopied {
		if _, _, rerr := d.retention.Enforce(dest); rerr != nil {
			// Eviction problems never undo a completed copy.
			l.Warn("retention cleanup failed", "err", rerr)
		}

		st.TotalCopied++
		st.LastBackup = res.Name
		st.LastSyncTime = nowFunc()
		st.LastError = ""
		d.saveState(st)

		d.notifier.Notify(SeveritySuccess, "Backup copied",
			fmt.Sprintf("%s (%s in %s, attempt %d)", res.Name,
				humanize.Bytes(uint64(res.Size)),
				res.Duration.Round(time.Second), res.Attempts))
	}

	d.ack(item)
}

func (d *Daemon) ack(item *QueueItem) {
	if err := d.queue.Ack(item.ID); err != nil {
		sub("daemon").Error("failed to remove queue entry", "id", item.ID, "err", err)
	}
}

func (d *Daemon) saveState(st *RunState) {
	if err := d.states.Save(st); err != nil {
		sub("daemon").Error("failed to persist run state", "err", err)
	}
}

// fatal logs, notifies, and wraps a condition that must terminate the
// daemon.
func (d *Daemon) fatal(msg string, err error) error {
	l := sub("daemon")
	if err != nil {
		l.Error(msg, "err", err)
		d.notifier.Notify(SeverityFatal, "Backup Sync failed", fmt.Sprintf("%s: %v", msg, err))
		return fmt.Errorf("%s: %w", msg, err)
	}
	l.Error(msg)
	d.notifier.Notify(SeverityFatal, "Backup Sync failed", msg)
	return errors.New(msg)
}

// dumpFinalState writes the closing counters and any captured errors to the
// logs on the way out.
func (d *Daemon) dumpFinalState(st *RunState) {
	l := sub("daemon")
	l.Info("final run state",
		"startTime", formatTime(st.StartTime),
		"totalFound", st.TotalFound,
		"totalCopied", st.TotalCopied,
		"totalFailed", st.TotalFailed,
		"lastBackup", st.LastBackup,
		"lastError", st.LastError,
		"lastSyncTime", formatTime(st.LastSyncTime))
	for _, e := range RecentErrors() {
		l.Info("recent error", "time", e.Time.Format(time.RFC3339), "comp", e.Comp, "message", e.Message, "err", e.Error)
	}
}
