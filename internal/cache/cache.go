package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// ErrConflict marks a store whose outputs differ from the entry already cached
// under the same fingerprint.
var ErrConflict = errors.New("cache conflict")

// Store is the content-addressed persistence contract consumed by the stage runner.
type Store interface {
	// Lookup returns the entry for fp. A missing entry yields found=false and a nil error.
	Lookup(ctx context.Context, fp string) (Entry, bool, error)
	// Store persists outputs under fp, copying the source files into the cache.
	Store(ctx context.Context, fp string, outputs []Source, meta Metadata) (Entry, error)
}

// Source names a local file to be stored as one output of an entry.
type Source struct {
	Name string
	Path string
}

// Metadata accompanies an entry. Attributes must describe the outputs only;
// anything run specific (timestamps, paths) would break conflict detection.
type Metadata struct {
	Stage      string
	Attributes any
}

// Output is one stored file.
type Output struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`

	// Path is the absolute location of the materialized file. It is filled on
	// read and never persisted.
	Path string `json:"-"`
}

// Entry is one cached result.
type Entry struct {
	Version     int             `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	Stage       string          `json:"stage"`
	CreatedAt   time.Time       `json:"created_at"`
	Outputs     []Output        `json:"outputs"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

const entryVersion = 1

// File returns the absolute path of the named output.
func (e Entry) File(name string) (string, bool) {
	for _, out := range e.Outputs {
		if out.Name == name {
			return out.Path, out.Path != ""
		}
	}
	return "", false
}

// Paths returns output paths in stored order.
func (e Entry) Paths() []string {
	paths := make([]string, len(e.Outputs))
	for i, out := range e.Outputs {
		paths[i] = out.Path
	}
	return paths
}

// DecodeAttributes unmarshals the entry attributes into v.
func (e Entry) DecodeAttributes(v any) error {
	if len(e.Attributes) == 0 {
		return errors.New("cache entry has no attributes")
	}
	return json.Unmarshal(e.Attributes, v)
}

// SameContent reports whether two entries hold the same outputs and attributes.
func (e Entry) SameContent(other Entry) bool {
	if len(e.Outputs) != len(other.Outputs) {
		return false
	}
	for i := range e.Outputs {
		if e.Outputs[i].Name != other.Outputs[i].Name || e.Outputs[i].SHA256 != other.Outputs[i].SHA256 {
			return false
		}
	}
	return bytes.Equal(compactJSON(e.Attributes), compactJSON(other.Attributes))
}

// ConflictError reports a store rejected because the fingerprint already maps
// to different outputs. Existing is the authoritative entry.
type ConflictError struct {
	Fingerprint string
	Existing    Entry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cache conflict: fingerprint %s already stored with different outputs", e.Fingerprint)
}

// Is lets errors.Is match ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

// ValidFingerprint reports whether fp is a lowercase hex digest the store accepts.
func ValidFingerprint(fp string) bool {
	return fingerprintPattern.MatchString(fp)
}

// EncodeAttributes renders entry attributes as compact JSON. Raw JSON is kept as is.
func EncodeAttributes(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return compactJSON(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cache attributes: %w", err)
	}
	return data, nil
}

func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func validateSources(outputs []Source) error {
	seen := make(map[string]struct{}, len(outputs))
	for _, out := range outputs {
		if out.Name == "" || out.Name != filepath.Base(out.Name) || out.Name == "." || out.Name == ".." {
			return fmt.Errorf("invalid output name %q", out.Name)
		}
		if out.Name == entryFileName {
			return fmt.Errorf("output name %q is reserved", out.Name)
		}
		if _, ok := seen[out.Name]; ok {
			return fmt.Errorf("duplicate output name %q", out.Name)
		}
		seen[out.Name] = struct{}{}
		if out.Path == "" {
			return fmt.Errorf("output %q has no source path", out.Name)
		}
	}
	return nil
}
