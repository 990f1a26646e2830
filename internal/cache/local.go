package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"podthumb/internal/fileutil"
	"podthumb/internal/fingerprint"
	"podthumb/internal/logging"
)

const (
	entryFileName    = "entry.json"
	lockRetryDelay   = 50 * time.Millisecond
	objectsDirName   = "objects"
	locksDirName     = "locks"
	lockFileSuffix   = ".lock"
	fingerprintShard = 2
)

// FileStore is the local filesystem cache backend.
type FileStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
	statfs statfsFunc
}

// NewFileStore returns a store rooted at root, creating the directory layout.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("cache: empty root directory")
	}
	for _, dir := range []string{filepath.Join(root, objectsDirName), filepath.Join(root, locksDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: ensure %s: %w", dir, err)
		}
	}
	return &FileStore{
		root:   root,
		logger: logging.NewComponentLogger(logger, "cache"),
		now:    time.Now,
		statfs: realStatfs,
	}, nil
}

// Root returns the cache root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Lookup reads the entry for fp. Entries whose object files have gone
// missing are reported as misses.
func (s *FileStore) Lookup(ctx context.Context, fp string) (Entry, bool, error) {
	if !ValidFingerprint(fp) {
		return Entry{}, false, fmt.Errorf("cache: invalid fingerprint %q", fp)
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	entry, ok, err := s.readEntry(fp)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	if !s.intact(entry) {
		s.logger.DebugContext(ctx, "cache entry incomplete; treating as miss",
			logging.Fingerprint(fp),
		)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Store copies outputs into the cache under fp. A second store with identical
// content returns the existing entry; different content yields a
// *ConflictError and leaves the existing entry untouched.
func (s *FileStore) Store(ctx context.Context, fp string, outputs []Source, meta Metadata) (Entry, error) {
	if !ValidFingerprint(fp) {
		return Entry{}, fmt.Errorf("cache: invalid fingerprint %q", fp)
	}
	if err := validateSources(outputs); err != nil {
		return Entry{}, fmt.Errorf("cache: %w", err)
	}
	attrs, err := EncodeAttributes(meta.Attributes)
	if err != nil {
		return Entry{}, fmt.Errorf("cache: %w", err)
	}

	unlock, err := s.lock(ctx, fp)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	existing, found, err := s.readEntry(fp)
	if err != nil {
		logging.WarnWithContext(s.logger, "cache entry unreadable; replacing", "cache_entry_corrupt",
			logging.Fingerprint(fp),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the cache volume if this repeats"),
			logging.String(logging.FieldImpact, "entry will be rewritten from fresh outputs"),
		)
		found = false
	}

	dir := s.entryDir(fp)
	candidate := Entry{
		Version:     entryVersion,
		Fingerprint: fp,
		Stage:       meta.Stage,
		CreatedAt:   s.now().UTC(),
		Attributes:  attrs,
		Outputs:     make([]Output, 0, len(outputs)),
	}

	if found && s.intact(existing) {
		for _, src := range outputs {
			digest, size, err := hashFile(src.Path)
			if err != nil {
				return Entry{}, fmt.Errorf("cache: hash output %q: %w", src.Name, err)
			}
			candidate.Outputs = append(candidate.Outputs, Output{Name: src.Name, SHA256: digest, Size: size})
		}
		if existing.SameContent(candidate) {
			s.logger.DebugContext(ctx, "cache store matched existing entry",
				logging.Fingerprint(fp),
			)
			return existing, nil
		}
		return Entry{}, &ConflictError{Fingerprint: fp, Existing: existing}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("cache: ensure entry dir: %w", err)
	}
	for _, src := range outputs {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		target := filepath.Join(dir, src.Name)
		digest, size, err := fileutil.CopyHashed(src.Path, target)
		if err != nil {
			return Entry{}, fmt.Errorf("cache: copy output %q: %w", src.Name, err)
		}
		candidate.Outputs = append(candidate.Outputs, Output{Name: src.Name, SHA256: digest, Size: size, Path: target})
	}

	payload, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, entryFileName), payload, 0o644); err != nil {
		return Entry{}, fmt.Errorf("cache: write entry: %w", err)
	}
	s.logger.DebugContext(ctx, "stored cache entry",
		logging.Fingerprint(fp),
		logging.String(logging.FieldStage, meta.Stage),
		logging.Int("outputs", len(candidate.Outputs)),
	)
	return candidate, nil
}

func (s *FileStore) entryDir(fp string) string {
	return filepath.Join(s.root, objectsDirName, fp[:fingerprintShard], fp)
}

func (s *FileStore) lockPath(fp string) string {
	return filepath.Join(s.root, locksDirName, fp+lockFileSuffix)
}

// lock takes the per-fingerprint file lock, waiting for an earlier writer.
func (s *FileStore) lock(ctx context.Context, fp string) (func(), error) {
	fileLock := flock.New(s.lockPath(fp))
	ok, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("cache: lock %s: %w", fp, err)
	}
	if !ok {
		return nil, fmt.Errorf("cache: lock %s: not acquired", fp)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			s.logger.Debug("cache unlock failed", logging.Fingerprint(fp), logging.Error(err))
		}
	}, nil
}

func (s *FileStore) readEntry(fp string) (Entry, bool, error) {
	dir := s.entryDir(fp)
	data, err := os.ReadFile(filepath.Join(dir, entryFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: read entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode entry %s: %w", fp, err)
	}
	if entry.Fingerprint != fp {
		return Entry{}, false, fmt.Errorf("cache: entry %s records fingerprint %q", fp, entry.Fingerprint)
	}
	for i := range entry.Outputs {
		entry.Outputs[i].Path = filepath.Join(dir, entry.Outputs[i].Name)
	}
	return entry, true, nil
}

func (s *FileStore) intact(entry Entry) bool {
	for _, out := range entry.Outputs {
		info, err := os.Stat(out.Path)
		if err != nil || !info.Mode().IsRegular() || info.Size() != out.Size {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	digest, err := fingerprint.File(path)
	if err != nil {
		return "", 0, err
	}
	return digest, info.Size(), nil
}
