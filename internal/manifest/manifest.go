package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"podthumb/internal/artifact"
)

// PayloadVersion is the schema version of entry payloads.
const PayloadVersion = 1

// Entry kinds.
const (
	KindVideo     = "video"
	KindFrame     = "frame"
	KindDetection = "detection"
	KindDiscard   = "discard"
	KindSpeaker   = "speaker"
	KindHeadshot  = "headshot"
	KindThumbnail = "thumbnail"
	KindFailure   = "failure"
)

// Stage names.
const (
	StageSampling    = "sampling"
	StageDetection   = "detection"
	StageClustering  = "clustering"
	StageHeadshot    = "headshot"
	StageComposition = "composition"
)

// ErrInvalidStage rejects stage names outside [a-z0-9_-].
var ErrInvalidStage = errors.New("invalid stage name")

// Entry is one produced entity.
type Entry struct {
	Kind        string          `json:"kind"`
	ID          string          `json:"id"`
	Seq         int             `json:"seq"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Origin      artifact.Origin `json:"origin,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEntry encodes payload into an entry.
func NewEntry(kind, id string, seq int, fp string, origin artifact.Origin, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return Entry{Kind: kind, ID: id, Seq: seq, Fingerprint: fp, Origin: origin, Payload: data}, nil
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

// Manifest is one version of a stage's record.
type Manifest struct {
	Stage         string    `json:"stage"`
	Version       int       `json:"version"`
	RunID         string    `json:"run_id"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	Entries       []Entry   `json:"entries"`
}

// OfKind returns the entries of one kind in manifest order.
func (m Manifest) OfKind(kind string) []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Count returns entries per origin tag.
func (m Manifest) Count() map[artifact.Origin]int {
	counts := make(map[artifact.Origin]int)
	for _, e := range m.Entries {
		counts[e.Origin]++
	}
	return counts
}

// Decode unmarshals every entry of kind into a slice of T.
func Decode[T any](m Manifest, kind string) ([]T, error) {
	entries := m.OfKind(kind)
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := e.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Store is the append-only manifest persistence contract.
type Store interface {
	// Append records entries as the next version of stage.
	Append(ctx context.Context, stage, runID string, entries []Entry) (Manifest, error)
	// Load returns the latest version of stage. An unknown stage yields found=false.
	Load(ctx context.Context, stage string) (Manifest, bool, error)
	// History returns every version of stage, oldest first.
	History(ctx context.Context, stage string) ([]Manifest, error)
	// Stages lists stages with at least one version.
	Stages(ctx context.Context) ([]string, error)
	Close() error
}

var stagePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateStage checks a stage name.
func ValidateStage(stage string) error {
	if !stagePattern.MatchString(stage) {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	return nil
}

// Batch gathers entries produced while a stage runs, possibly from several
// goroutines, and commits them as a single manifest version.
type Batch struct {
	mu      sync.Mutex
	stage   string
	entries []Entry
}

// NewBatch starts a batch for stage.
func NewBatch(stage string) *Batch {
	return &Batch{stage: stage}
}

// Stage returns the batch's stage name.
func (b *Batch) Stage() string {
	return b.stage
}

// Add appends an entry. Safe for concurrent use.
func (b *Batch) Add(entries ...Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
}

// Len reports the number of collected entries.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Entries returns the collected entries ordered by (Seq, Kind, ID), so the
// committed manifest does not depend on goroutine scheduling.
func (b *Batch) Entries() []Entry {
	b.mu.Lock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Commit appends the batch to store as the stage's next version.
func (b *Batch) Commit(ctx context.Context, store Store, runID string) (Manifest, error) {
	return store.Append(ctx, b.stage, runID, b.Entries())
}

func cloneManifest(m Manifest) Manifest {
	out := m
	out.Entries = make([]Entry, len(m.Entries))
	for i, e := range m.Entries {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
		out.Entries[i] = e
	}
	return out
}
