package manifest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps manifests in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	stages map[string][]Manifest
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{stages: make(map[string][]Manifest)}
}

func (s *MemoryStore) Append(_ context.Context, stage, runID string, entries []Entry) (Manifest, error) {
	if err := ValidateStage(stage); err != nil {
		return Manifest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries == nil {
		entries = []Entry{}
	}
	m := cloneManifest(Manifest{
		Stage:         stage,
		Version:       len(s.stages[stage]) + 1,
		RunID:         runID,
		SchemaVersion: PayloadVersion,
		CreatedAt:     time.Now().UTC(),
		Entries:       entries,
	})
	s.stages[stage] = append(s.stages[stage], m)
	return cloneManifest(m), nil
}

func (s *MemoryStore) Load(_ context.Context, stage string) (Manifest, bool, error) {
	if err := ValidateStage(stage); err != nil {
		return Manifest{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.stages[stage]
	if len(history) == 0 {
		return Manifest{}, false, nil
	}
	return cloneManifest(history[len(history)-1]), true, nil
}

func (s *MemoryStore) History(_ context.Context, stage string) ([]Manifest, error) {
	if err := ValidateStage(stage); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Manifest, 0, len(s.stages[stage]))
	for _, m := range s.stages[stage] {
		out = append(out, cloneManifest(m))
	}
	return out, nil
}

func (s *MemoryStore) Stages(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stages))
	for stage := range s.stages {
		out = append(out, stage)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
