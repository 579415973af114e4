package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

const copyChunkSize = 256 * 1024 // 256KB per chunk

var (
	// ErrInvalidSource means the source path is missing or not a regular file.
	ErrInvalidSource = errors.New("source is not a regular file")
	// ErrTargetMissing means the destination directory does not exist.
	ErrTargetMissing = errors.New("target directory does not exist")
	// ErrCopyFailed wraps the last underlying error after the retry budget
	// is exhausted.
	ErrCopyFailed = errors.New("copy failed")
)

// CopyOutcome describes how a copy call concluded.
type CopyOutcome int

const (
	// OutcomeCopied means bytes were transferred and flushed to stable storage.
	OutcomeCopied CopyOutcome = iota
	// OutcomeAlreadyPresent means a file of the same name already existed at
	// the destination and no I/O was performed. Backup filenames are unique
	// per logical backup, so re-discovery after a restart lands here instead
	// of re-transferring.
	OutcomeAlreadyPresent
)

// CopyResult reports a completed copy for observability.
type CopyResult struct {
	Outcome  CopyOutcome
	Name     string
	DestPath string
	Size     int64
	Duration time.Duration
	Attempts int
}

// Copier transfers one backup at a time with retry and post-copy
// verification. Destination is typically removable media, so every copy is
// written to a temporary name, fsynced, and renamed into place — a failure
// never leaves a partial file under the final name.
type Copier struct {
	maxRetries int
	retryDelay time.Duration
}

// NewCopier creates a copy engine with the given retry budget. The delay
// between attempts blocks the caller; the daemon's single worker accepts
// that tradeoff because backup volume is low.
func NewCopier(maxRetries int, retryDelay time.Duration) *Copier {
	return &Copier{maxRetries: maxRetries, retryDelay: retryDelay}
}

// Copy places srcPath into targetDir under its own filename.
func (c *Copier) Copy(ctx context.Context, srcPath, targetDir string) (*CopyResult, error) {
	l := sub("copier")
	name := filepath.Base(srcPath)
	dst := filepath.Join(targetDir, name)

	srcInfo, err := os.Stat(srcPath)
	if err != nil || !srcInfo.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSource, srcPath)
	}
	dirInfo, err := os.Stat(targetDir)
	if err != nil || !dirInfo.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrTargetMissing, targetDir)
	}

	if _, err := os.Stat(dst); err == nil {
		l.Info("already present at destination, skipping", "name", name)
		return &CopyResult{Outcome: OutcomeAlreadyPresent, Name: name, DestPath: dst}, nil
	}

	start := nowFunc()
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		l.Info("copy attempt", "name", name, "attempt", attempt, "of", c.maxRetries,
			"size", humanize.Bytes(uint64(srcInfo.Size())))

		err := copyFile(ctx, srcPath, dst)
		if err == nil {
			if verr := verifySize(srcPath, dst); verr != nil {
				lastErr = verr
				l.Warn("copy verification failed", "name", name, "attempt", attempt, "err", verr)
				os.Remove(dst) //nolint:errcheck
			} else {
				result := &CopyResult{
					Outcome:  OutcomeCopied,
					Name:     name,
					DestPath: dst,
					Size:     srcInfo.Size(),
					Duration: nowFunc().Sub(start),
					Attempts: attempt,
				}
				l.Info("copy complete", "name", name,
					"size", humanize.Bytes(uint64(result.Size)),
					"duration", result.Duration.Round(time.Millisecond),
					"attempts", attempt)
				return result, nil
			}
		} else {
			lastErr = err
			l.Error("copy attempt failed", "name", name, "attempt", attempt, "err", err)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < c.maxRetries && c.retryDelay > 0 {
			l.Info("waiting before retry", "name", name, "delay", c.retryDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrCopyFailed, c.maxRetries, lastErr)
}

// copyFile copies src to dst atomically:
// 1. Copy to dst.part in chunks, checking ctx between chunks
// 2. fsync the file, then the containing directory
// 3. Rename .part → dst
func copyFile(ctx context.Context, src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	tmpPath := dst + ".part"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}

	buf := make([]byte, copyChunkSize)
	var copyErr error
	for {
		select {
		case <-ctx.Done():
			copyErr = ctx.Err()
		default:
		}
		if copyErr != nil {
			break
		}

		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
				copyErr = fmt.Errorf("write tmp: %w", writeErr)
				break
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			copyErr = fmt.Errorf("read src: %w", readErr)
			break
		}
	}

	if copyErr == nil {
		// Destination is removable media: force data to stable storage
		// before declaring the copy done.
		if err := tmpFile.Sync(); err != nil {
			copyErr = fmt.Errorf("sync tmp: %w", err)
		}
	}
	tmpFile.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		return copyErr
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename tmp to dst: %w", err)
	}

	if err := syncDir(filepath.Dir(dst)); err != nil {
		return fmt.Errorf("sync dst dir: %w", err)
	}
	return nil
}

func verifySize(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("re-stat src: %w", err)
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("stat dst: %w", err)
	}
	if srcInfo.Size() != dstInfo.Size() {
		return fmt.Errorf("size mismatch: source=%d dest=%d", srcInfo.Size(), dstInfo.Size())
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
