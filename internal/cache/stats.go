package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"podthumb/internal/logging"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Stats describes current cache usage.
type Stats struct {
	Entries        int            `json:"entries"`
	TotalBytes     int64          `json:"total_bytes"`
	FreeBytes      uint64         `json:"free_bytes"`
	TotalFSBytes   uint64         `json:"total_fs_bytes"`
	FreeRatio      float64        `json:"free_ratio"`
	ByStage        map[string]int `json:"by_stage"`
	EntrySummaries []EntrySummary `json:"entry_summaries"`
}

// EntrySummary surfaces one cache entry for the CLI.
type EntrySummary struct {
	Fingerprint string    `json:"fingerprint"`
	Stage       string    `json:"stage"`
	SizeBytes   int64     `json:"size_bytes"`
	Outputs     int       `json:"outputs"`
	CreatedAt   time.Time `json:"created_at"`
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Removed    int   `json:"removed"`
	FreedBytes int64 `json:"freed_bytes"`
	Remaining  int64 `json:"remaining_bytes"`
	Skipped    int   `json:"skipped_locked"`
}

// Stats returns current cache usage and filesystem free-space info. Entries
// are listed newest first.
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	entries, total, err := s.scan(ctx)
	if err != nil {
		return Stats{}, err
	}
	totalFS, freeFS, err := s.statfs(s.root)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: statfs: %w", err)
	}
	ratio := 1.0
	if totalFS > 0 {
		ratio = float64(freeFS) / float64(totalFS)
	}
	byStage := make(map[string]int)
	summaries := make([]EntrySummary, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		summaries = append(summaries, entries[i])
		byStage[entries[i].Stage]++
	}
	return Stats{
		Entries:        len(entries),
		TotalBytes:     total,
		FreeBytes:      freeFS,
		TotalFSBytes:   totalFS,
		FreeRatio:      ratio,
		ByStage:        byStage,
		EntrySummaries: summaries,
	}, nil
}

// Prune removes the oldest entries until the cache holds at most maxBytes.
// Entries whose lock is held by a writer are skipped.
func (s *FileStore) Prune(ctx context.Context, maxBytes int64) (PruneResult, error) {
	entries, total, err := s.scan(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	var result PruneResult
	for _, entry := range entries {
		if total <= maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		removed, err := s.remove(entry.Fingerprint, false)
		if err != nil {
			return result, err
		}
		if !removed {
			result.Skipped++
			continue
		}
		s.logger.InfoContext(ctx, "pruned cache entry",
			logging.Fingerprint(entry.Fingerprint),
			logging.String(logging.FieldStage, entry.Stage),
			logging.Int64("entry_size_bytes", entry.SizeBytes),
		)
		total -= entry.SizeBytes
		result.Removed++
		result.FreedBytes += entry.SizeBytes
	}
	result.Remaining = total
	return result, nil
}

// Remove deletes the entry for fp. Removing a missing entry is not an error.
func (s *FileStore) Remove(ctx context.Context, fp string) error {
	if !ValidFingerprint(fp) {
		return fmt.Errorf("cache: invalid fingerprint %q", fp)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	removed, err := s.remove(fp, true)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("cache: entry %s is locked by a writer", fp)
	}
	return nil
}

func (s *FileStore) remove(fp string, wait bool) (bool, error) {
	fileLock := flock.New(s.lockPath(fp))
	var (
		ok  bool
		err error
	)
	if wait {
		err = fileLock.Lock()
		ok = err == nil
	} else {
		ok, err = fileLock.TryLock()
	}
	if err != nil {
		return false, fmt.Errorf("cache: lock %s: %w", fp, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	if err := os.RemoveAll(s.entryDir(fp)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("cache: remove %s: %w", fp, err)
	}
	// Drop the shard directory once it is empty.
	_ = os.Remove(filepath.Dir(s.entryDir(fp)))
	return true, nil
}

// scan lists committed entries, oldest first.
func (s *FileStore) scan(ctx context.Context) ([]EntrySummary, int64, error) {
	objects := filepath.Join(s.root, objectsDirName)
	shards, err := os.ReadDir(objects)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("cache: list objects: %w", err)
	}
	var (
		entries []EntrySummary
		total   int64
	)
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dirs, err := os.ReadDir(filepath.Join(objects, shard.Name()))
		if err != nil {
			return nil, 0, fmt.Errorf("cache: list shard: %w", err)
		}
		for _, dir := range dirs {
			if !dir.IsDir() || !ValidFingerprint(dir.Name()) {
				continue
			}
			summary, err := summarize(filepath.Join(objects, shard.Name(), dir.Name()))
			if errors.Is(err, os.ErrNotExist) {
				// Uncommitted write; the next store of this fingerprint rewrites it.
				continue
			}
			if err != nil {
				s.logger.WarnContext(ctx, "cache: skip entry; excluded from stats and pruning",
					logging.Fingerprint(dir.Name()),
					logging.Error(err),
					logging.String(logging.FieldEventType, "cache_entry_skipped"),
					logging.String(logging.FieldErrorHint, "remove the entry with 'podthumb cache prune' or by hand"),
				)
				continue
			}
			total += summary.SizeBytes
			entries = append(entries, summary)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Fingerprint < entries[j].Fingerprint
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, total, nil
}

func summarize(dir string) (EntrySummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, entryFileName))
	if err != nil {
		return EntrySummary{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return EntrySummary{}, err
	}
	size := int64(len(data))
	for _, out := range entry.Outputs {
		size += out.Size
	}
	return EntrySummary{
		Fingerprint: entry.Fingerprint,
		Stage:       entry.Stage,
		SizeBytes:   size,
		Outputs:     len(entry.Outputs),
		CreatedAt:   entry.CreatedAt,
	}, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
