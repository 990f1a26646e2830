package manifest_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"podthumb/internal/artifact"
	"podthumb/internal/config"
	"podthumb/internal/manifest"
)

type backend struct {
	name string
	open func(t *testing.T) manifest.Store
}

func backends() []backend {
	return []backend{
		{"sqlite", func(t *testing.T) manifest.Store {
			s, err := manifest.OpenSQLite(filepath.Join(t.TempDir(), "manifests.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		}},
		{"file", func(t *testing.T) manifest.Store {
			s, err := manifest.OpenFile(filepath.Join(t.TempDir(), "manifests"))
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			return s
		}},
		{"memory", func(t *testing.T) manifest.Store { return manifest.NewMemory() }},
	}
}

func frameEntry(t *testing.T, id string, seq int, origin artifact.Origin) manifest.Entry {
	t.Helper()
	e, err := manifest.NewEntry(manifest.KindFrame, id, seq, "abcdef0123456789", origin, artifact.FrameSample{ID: id, Timestamp: float64(seq)})
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	return e
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			defer store.Close()

			first, err := store.Append(ctx, manifest.StageSampling, "run-1", []manifest.Entry{frameEntry(t, "frm_a", 0, artifact.OriginFresh)})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			second, err := store.Append(ctx, manifest.StageSampling, "run-2", []manifest.Entry{
				frameEntry(t, "frm_a", 0, artifact.OriginCache),
				frameEntry(t, "frm_b", 1, artifact.OriginFresh),
			})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			if first.Version != 1 || second.Version != 2 {
				t.Fatalf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
			}
			if second.SchemaVersion != manifest.PayloadVersion {
				t.Fatalf("unexpected schema version %d", second.SchemaVersion)
			}

			latest, found, err := store.Load(ctx, manifest.StageSampling)
			if err != nil || !found {
				t.Fatalf("Load: found=%v err=%v", found, err)
			}
			if latest.Version != 2 || latest.RunID != "run-2" || len(latest.Entries) != 2 {
				t.Fatalf("unexpected latest manifest: %+v", latest)
			}
			if latest.Entries[0].Origin != artifact.OriginCache || latest.Entries[1].ID != "frm_b" {
				t.Fatalf("entries not preserved in order: %+v", latest.Entries)
			}
			frames, err := manifest.Decode[artifact.FrameSample](latest, manifest.KindFrame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(frames) != 2 || frames[1].Timestamp != 1 {
				t.Fatalf("unexpected decoded frames: %+v", frames)
			}

			history, err := store.History(ctx, manifest.StageSampling)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 2 || history[0].Version != 1 || len(history[0].Entries) != 1 {
				t.Fatalf("unexpected history: %+v", history)
			}
		})
	}
}

func TestLoadUnknownStage(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			defer store.Close()
			_, found, err := store.Load(context.Background(), manifest.StageHeadshot)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if found {
				t.Fatal("expected unknown stage to be not found")
			}
		})
	}
}

func TestEmptyManifestIsRecorded(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			defer store.Close()
			if _, err := store.Append(ctx, manifest.StageClustering, "run-1", nil); err != nil {
				t.Fatalf("Append: %v", err)
			}
			m, found, err := store.Load(ctx, manifest.StageClustering)
			if err != nil || !found {
				t.Fatalf("Load: found=%v err=%v", found, err)
			}
			if len(m.Entries) != 0 {
				t.Fatalf("expected no entries, got %d", len(m.Entries))
			}
			stages, err := store.Stages(ctx)
			if err != nil {
				t.Fatalf("Stages: %v", err)
			}
			if len(stages) != 1 || stages[0] != manifest.StageClustering {
				t.Fatalf("unexpected stages: %v", stages)
			}
		})
	}
}

func TestInvalidStageRejected(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t)
			defer store.Close()
			_, err := store.Append(context.Background(), "../etc", "run", nil)
			if !errors.Is(err, manifest.ErrInvalidStage) {
				t.Fatalf("expected ErrInvalidStage, got %v", err)
			}
		})
	}
}

func TestConcurrentAppendsNeverShareVersion(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			defer store.Close()

			const writers = 8
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Append(ctx, manifest.StageDetection, "run", nil)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			history, err := store.History(ctx, manifest.StageDetection)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != writers {
				t.Fatalf("expected %d versions, got %d", writers, len(history))
			}
			for i, m := range history {
				if m.Version != i+1 {
					t.Fatalf("version gap at %d: %d", i, m.Version)
				}
			}
		})
	}
}

func TestBatchCommitOrdersEntries(t *testing.T) {
	ctx := context.Background()
	store := manifest.NewMemory()
	batch := manifest.NewBatch(manifest.StageHeadshot)

	var wg sync.WaitGroup
	for i := 3; i >= 0; i-- {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			e, _ := manifest.NewEntry(manifest.KindHeadshot, "spk", seq, "", artifact.OriginFresh, map[string]int{"seq": seq})
			batch.Add(e)
		}(i)
	}
	wg.Wait()
	if batch.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", batch.Len())
	}
	m, err := batch.Commit(ctx, store, "run-9")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for i, e := range m.Entries {
		if e.Seq != i {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
	if m.Count()[artifact.OriginFresh] != 4 {
		t.Fatalf("unexpected origin counts: %v", m.Count())
	}
}

func TestSQLiteReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifests.db")
	store, err := manifest.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := store.Append(ctx, manifest.StageSampling, "run-1", []manifest.Entry{frameEntry(t, "frm_a", 0, artifact.OriginFresh)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := manifest.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	m, found, err := reopened.Load(ctx, manifest.StageSampling)
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if m.Version != 1 || len(m.Entries) != 1 {
		t.Fatalf("unexpected manifest after reopen: %+v", m)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.WorkspaceDir = t.TempDir()
	cfg.Manifest.Backend = "file"
	store, err := manifest.Open(&cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*manifest.FileStore); !ok {
		t.Fatalf("expected FileStore, got %T", store)
	}
}
