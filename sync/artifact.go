package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// Artifact is a single backup archive, identified by filename.
type Artifact struct {
	Path    string // absolute source path
	Name    string // filename, the identity key at the destination
	Size    int64
	ModTime time.Time
}

// artifactSuffixes are the archive naming conventions Home Assistant uses
// for backups.
var artifactSuffixes = []string{".tar", ".tar.gz"}

// isArtifact reports whether name matches a backup archive pattern.
func isArtifact(name string) bool {
	for _, s := range artifactSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// listArtifacts returns the backup archives directly inside dir, sorted by
// modification time ascending (oldest first). Backups never nest, so the
// listing is flat.
func listArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Raced with an external delete; skip it.
			sub("artifact").Warn("stat failed during listing", "name", e.Name(), "err", err)
			continue
		}
		out = append(out, Artifact{
			Path:    filepath.Join(dir, e.Name()),
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

// destinationNames returns the set of artifact filenames already present in
// dir, used to deduplicate discovery. A missing directory counts as empty.
func destinationNames(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("list destination %s: %w", dir, err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isArtifact(e.Name()) {
			names[e.Name()] = struct{}{}
		}
	}
	return names, nil
}
