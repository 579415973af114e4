package sync

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
)

// Retention enforces the maximum-retained-copies policy over the destination
// directory: keep the N most recently modified backup archives, delete the
// rest. Eviction never fails the copy that triggered it — problems are
// reported and the just-completed copy stands.
type Retention struct {
	maxCopies int
}

// NewRetention creates a policy keeping maxCopies backups.
func NewRetention(maxCopies int) *Retention {
	return &Retention{maxCopies: maxCopies}
}

// Enforce deletes backups beyond the retention bound in targetDir and
// returns how many were evicted and the bytes freed. A file that disappears
// between listing and deletion was removed externally; that is tolerated
// with a warning, not an error.
func (r *Retention) Enforce(targetDir string) (int, int64, error) {
	l := sub("retention")

	artifacts, err := listArtifacts(targetDir)
	if err != nil {
		return 0, 0, fmt.Errorf("retention listing: %w", err)
	}
	if len(artifacts) <= r.maxCopies {
		l.Debug("no cleanup needed", "count", len(artifacts), "maxCopies", r.maxCopies)
		return 0, 0, nil
	}

	// Newest first; everything at index >= maxCopies goes.
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.After(artifacts[j].ModTime)
	})
	victims := artifacts[r.maxCopies:]

	evicted := 0
	var freed int64
	for _, a := range victims {
		if err := os.Remove(a.Path); err != nil {
			if os.IsNotExist(err) {
				l.Warn("backup vanished before eviction", "name", a.Name)
				continue
			}
			l.Error("failed to evict old backup", "name", a.Name, "err", err)
			continue
		}
		evicted++
		freed += a.Size
		l.Info("evicted old backup", "name", a.Name,
			"size", humanize.Bytes(uint64(a.Size)), "modified", a.ModTime.Format("2006-01-02 15:04"))
	}

	if evicted > 0 {
		l.Info("cleanup complete",
			"deleted", evicted,
			"kept", lo.Map(artifacts[:r.maxCopies], func(a Artifact, _ int) string { return a.Name }),
			"freed", humanize.Bytes(uint64(freed)))
	}
	return evicted, freed, nil
}
