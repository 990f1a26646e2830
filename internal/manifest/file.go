package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxLinkAttempts = 16

// FileStore keeps one JSON document per manifest version under
// <root>/<stage>/v000001.json.
type FileStore struct {
	root string
}

// OpenFile prepares a file-backed store rooted at dir.
func OpenFile(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("manifest dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure manifest dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the manifest directory.
func (s *FileStore) Root() string {
	return s.root
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func versionName(v int) string {
	return fmt.Sprintf("v%06d.json", v)
}

func parseVersionName(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (s *FileStore) versions(stage string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, stage))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s manifests: %w", stage, err)
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := parseVersionName(e.Name()); ok {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Append writes the next version. The document is staged in a temp file and
// published with a hard link, which fails when another writer claimed the
// same version first; the version is then re-read and retried.
func (s *FileStore) Append(ctx context.Context, stage, runID string, entries []Entry) (Manifest, error) {
	if err := ValidateStage(stage); err != nil {
		return Manifest{}, err
	}
	dir := filepath.Join(s.root, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("ensure stage dir: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}

	for attempt := 0; attempt < maxLinkAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		versions, err := s.versions(stage)
		if err != nil {
			return Manifest{}, err
		}
		next := 1
		if len(versions) > 0 {
			next = versions[len(versions)-1] + 1
		}
		m := Manifest{
			Stage:         stage,
			Version:       next,
			RunID:         runID,
			SchemaVersion: PayloadVersion,
			CreatedAt:     time.Now().UTC(),
			Entries:       entries,
		}
		published, err := s.publish(dir, m)
		if err != nil {
			return Manifest{}, err
		}
		if published {
			return cloneManifest(m), nil
		}
	}
	return Manifest{}, fmt.Errorf("append %s manifest: version contention after %d attempts", stage, maxLinkAttempts)
}

func (s *FileStore) publish(dir string, m Manifest) (bool, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp manifest: %w", err)
	}
	target := filepath.Join(dir, versionName(m.Version))
	if err := os.Link(tmpPath, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish manifest: %w", err)
	}
	return true, nil
}

func (s *FileStore) read(stage string, version int) (Manifest, error) {
	path := filepath.Join(s.root, stage, versionName(version))
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if m.Entries == nil {
		m.Entries = []Entry{}
	}
	return m, nil
}

// Load returns the latest version of stage.
func (s *FileStore) Load(_ context.Context, stage string) (Manifest, bool, error) {
	if err := ValidateStage(stage); err != nil {
		return Manifest{}, false, err
	}
	versions, err := s.versions(stage)
	if err != nil {
		return Manifest{}, false, err
	}
	if len(versions) == 0 {
		return Manifest{}, false, nil
	}
	m, err := s.read(stage, versions[len(versions)-1])
	if err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// History returns every version of stage, oldest first.
func (s *FileStore) History(_ context.Context, stage string) ([]Manifest, error) {
	if err := ValidateStage(stage); err != nil {
		return nil, err
	}
	versions, err := s.versions(stage)
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(versions))
	for _, v := range versions {
		m, err := s.read(stage, v)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Stages lists stages with at least one version.
func (s *FileStore) Stages(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list manifest dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || ValidateStage(e.Name()) != nil {
			continue
		}
		versions, err := s.versions(e.Name())
		if err != nil {
			return nil, err
		}
		if len(versions) > 0 {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
