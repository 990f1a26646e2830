package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"podthumb/internal/cache"
	"podthumb/internal/fingerprint"
	"podthumb/internal/logging"
	"podthumb/internal/services"
)

const entryObject = "entry.json"

// Options configures the mirror.
type Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// StagingDir receives downloaded objects.
	StagingDir string
}

// Store implements cache.Store for MinIO and S3-compatible storage.
type Store struct {
	client  *minio.Client
	bucket  string
	prefix  string
	staging string
	logger  *slog.Logger
	now     func() time.Time
}

// New connects to the endpoint described by opts.
func New(opts Options, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "mirror", "create minio client", err)
	}
	return NewStore(client, opts.Bucket, opts.Prefix, opts.StagingDir, logger)
}

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket, prefix, stagingDir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "mirror", "bucket is required", nil)
	}
	if strings.TrimSpace(stagingDir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "mirror", "staging directory is required", nil)
	}
	return &Store{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		staging: stagingDir,
		logger:  logging.NewComponentLogger(logger, "cache-mirror"),
		now:     time.Now,
	}, nil
}

// BucketExists reports whether the mirror bucket is reachable and present.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, services.Wrap(services.ErrTransient, "cache", "mirror", "check bucket", err)
	}
	return exists, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.BucketExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return services.Wrap(services.ErrExternalTool, "cache", "mirror", "create bucket", err)
	}
	return nil
}

// ObjectKey returns the object key of a named output under fp.
func (s *Store) ObjectKey(fp, name string) string {
	return ObjectKey(s.prefix, fp, name)
}

// ObjectKey joins prefix, shard, fingerprint, and object name.
func ObjectKey(prefix, fp, name string) string {
	shard := fp
	if len(fp) >= 2 {
		shard = fp[:2]
	}
	return path.Join(prefix, shard, fp, name)
}

// Lookup implements cache.Store.
func (s *Store) Lookup(ctx context.Context, fp string) (cache.Entry, bool, error) {
	if !cache.ValidFingerprint(fp) {
		return cache.Entry{}, false, fmt.Errorf("cache mirror: invalid fingerprint %q", fp)
	}
	entry, found, err := s.readEntry(ctx, fp)
	if err != nil || !found {
		return cache.Entry{}, found, err
	}

	dir := filepath.Join(s.staging, fp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cache.Entry{}, false, fmt.Errorf("cache mirror: ensure staging dir: %w", err)
	}
	for i, out := range entry.Outputs {
		target := filepath.Join(dir, out.Name)
		if err := s.client.FGetObject(ctx, s.bucket, s.ObjectKey(fp, out.Name), target, minio.GetObjectOptions{}); err != nil {
			if isNotFound(err) {
				return cache.Entry{}, false, nil
			}
			return cache.Entry{}, false, services.Wrap(services.ErrTransient, "cache", "mirror", "download "+out.Name, err)
		}
		digest, err := fingerprint.File(target)
		if err != nil {
			return cache.Entry{}, false, err
		}
		if digest != out.SHA256 {
			return cache.Entry{}, false, fmt.Errorf("cache mirror: object %s digest mismatch", out.Name)
		}
		entry.Outputs[i].Path = target
	}
	return entry, true, nil
}

// Store implements cache.Store. The entry object is written after every
// output so a partially uploaded entry is never visible.
func (s *Store) Store(ctx context.Context, fp string, outputs []cache.Source, meta cache.Metadata) (cache.Entry, error) {
	if !cache.ValidFingerprint(fp) {
		return cache.Entry{}, fmt.Errorf("cache mirror: invalid fingerprint %q", fp)
	}
	attrs, err := cache.EncodeAttributes(meta.Attributes)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("cache mirror: %w", err)
	}

	entry := cache.Entry{
		Version:     1,
		Fingerprint: fp,
		Stage:       meta.Stage,
		CreatedAt:   s.now().UTC(),
		Attributes:  attrs,
	}
	for _, src := range outputs {
		digest, err := fingerprint.File(src.Path)
		if err != nil {
			return cache.Entry{}, fmt.Errorf("cache mirror: hash %s: %w", src.Name, err)
		}
		info, err := os.Stat(src.Path)
		if err != nil {
			return cache.Entry{}, err
		}
		entry.Outputs = append(entry.Outputs, cache.Output{Name: src.Name, SHA256: digest, Size: info.Size(), Path: src.Path})
	}

	existing, found, err := s.readEntry(ctx, fp)
	if err != nil {
		return cache.Entry{}, err
	}
	if found {
		if existing.SameContent(entry) {
			return existing, nil
		}
		return cache.Entry{}, &cache.ConflictError{Fingerprint: fp, Existing: existing}
	}

	for _, out := range entry.Outputs {
		if _, err := s.client.FPutObject(ctx, s.bucket, s.ObjectKey(fp, out.Name), out.Path, minio.PutObjectOptions{}); err != nil {
			return cache.Entry{}, services.Wrap(services.ErrTransient, "cache", "mirror", "upload "+out.Name, err)
		}
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("cache mirror: encode entry: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.ObjectKey(fp, entryObject), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return cache.Entry{}, services.Wrap(services.ErrTransient, "cache", "mirror", "upload entry", err)
	}
	s.logger.DebugContext(ctx, "mirrored cache entry", logging.Fingerprint(fp))
	return entry, nil
}

func (s *Store) readEntry(ctx context.Context, fp string) (cache.Entry, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.ObjectKey(fp, entryObject), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, services.Wrap(services.ErrTransient, "cache", "mirror", "get entry", err)
	}
	defer obj.Close()

	var entry cache.Entry
	if err := json.NewDecoder(obj).Decode(&entry); err != nil {
		// GetObject is lazy; a missing key surfaces on first read.
		if isNotFound(err) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("cache mirror: decode entry %s: %w", fp, err)
	}
	if entry.Fingerprint != fp {
		return cache.Entry{}, false, fmt.Errorf("cache mirror: entry %s records fingerprint %q", fp, entry.Fingerprint)
	}
	return entry, true, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && errors.Is(pathErr, os.ErrNotExist)
}
