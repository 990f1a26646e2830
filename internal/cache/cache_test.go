package cache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"podthumb/internal/cache"
	"podthumb/internal/logging"
)

func newStore(t *testing.T) *cache.FileStore {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	return store
}

func writeSource(t *testing.T, name, content string) cache.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return cache.Source{Name: name, Path: path}
}

func fp(seed string) string {
	return strings.Repeat(seed, 64/len(seed))
}

func TestLookupMissIsNotError(t *testing.T) {
	store := newStore(t)
	entry, found, err := store.Lookup(context.Background(), fp("a1"))
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, entry.Fingerprint)
}

func TestLookupRejectsMalformedFingerprint(t *testing.T) {
	store := newStore(t)
	_, _, err := store.Lookup(context.Background(), "../etc")
	require.Error(t, err)
}

func TestStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := writeSource(t, "headshot.png", "image-bytes")

	stored, err := store.Store(ctx, fp("b2"), []cache.Source{src}, cache.Metadata{Stage: "headshot", Attributes: map[string]string{"model": "m"}})
	require.NoError(t, err)
	require.Len(t, stored.Outputs, 1)
	require.Equal(t, int64(len("image-bytes")), stored.Outputs[0].Size)

	entry, found, err := store.Lookup(ctx, fp("b2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "headshot", entry.Stage)
	path, ok := entry.File("headshot.png")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "image-bytes", string(data))

	var attrs map[string]string
	require.NoError(t, entry.DecodeAttributes(&attrs))
	require.Equal(t, "m", attrs["model"])

	// The cached copy is independent of the source file.
	require.NoError(t, os.Remove(src.Path))
	_, found, err = store.Lookup(ctx, fp("b2"))
	require.NoError(t, err)
	require.True(t, found)
}

func TestStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	first, err := store.Store(ctx, fp("c3"), []cache.Source{writeSource(t, "a.jpg", "same")}, cache.Metadata{Stage: "sampling"})
	require.NoError(t, err)
	second, err := store.Store(ctx, fp("c3"), []cache.Source{writeSource(t, "a.jpg", "same")}, cache.Metadata{Stage: "sampling"})
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.True(t, first.SameContent(second))
}

func TestStoreRejectsConflict(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.Store(ctx, fp("d4"), []cache.Source{writeSource(t, "a.png", "first")}, cache.Metadata{Stage: "compose"})
	require.NoError(t, err)

	_, err = store.Store(ctx, fp("d4"), []cache.Source{writeSource(t, "a.png", "second")}, cache.Metadata{Stage: "compose"})
	require.Error(t, err)
	require.True(t, errors.Is(err, cache.ErrConflict))
	conflict, ok := cache.AsConflict(err)
	require.True(t, ok)
	require.Equal(t, fp("d4"), conflict.Existing.Fingerprint)

	// The original entry is untouched.
	entry, found, err := store.Lookup(ctx, fp("d4"))
	require.NoError(t, err)
	require.True(t, found)
	data, err := os.ReadFile(entry.Outputs[0].Path)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
}

func TestStoreConflictOnAttributes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.Store(ctx, fp("e5"), nil, cache.Metadata{Stage: "detection", Attributes: []int{1, 2}})
	require.NoError(t, err)
	_, err = store.Store(ctx, fp("e5"), nil, cache.Metadata{Stage: "detection", Attributes: []int{1, 2}})
	require.NoError(t, err)
	_, err = store.Store(ctx, fp("e5"), nil, cache.Metadata{Stage: "detection", Attributes: []int{3}})
	require.ErrorIs(t, err, cache.ErrConflict)
}

func TestStoreRejectsBadOutputNames(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := writeSource(t, "a.png", "x")
	for _, name := range []string{"", "../escape.png", "entry.json", "dir/a.png"} {
		_, err := store.Store(ctx, fp("f6"), []cache.Source{{Name: name, Path: src.Path}}, cache.Metadata{})
		require.Error(t, err, name)
	}
	_, err := store.Store(ctx, fp("f6"), []cache.Source{src, src}, cache.Metadata{})
	require.Error(t, err)
}

func TestPartiallyEvictedEntryIsMissAndRepaired(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	entry, err := store.Store(ctx, fp("a7"), []cache.Source{writeSource(t, "a.png", "data")}, cache.Metadata{Stage: "headshot"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.Outputs[0].Path))

	_, found, err := store.Lookup(ctx, fp("a7"))
	require.NoError(t, err)
	require.False(t, found)

	_, err = store.Store(ctx, fp("a7"), []cache.Source{writeSource(t, "a.png", "data")}, cache.Metadata{Stage: "headshot"})
	require.NoError(t, err)
	_, found, err = store.Lookup(ctx, fp("a7"))
	require.NoError(t, err)
	require.True(t, found)
}

func TestConcurrentStoresFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	const writers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		src := writeSource(t, "out.png", strings.Repeat("x", i+1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Store(ctx, fp("b8"), []cache.Source{src}, cache.Metadata{Stage: "headshot"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, cache.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, writers-1, conflicts)
}

func TestConcurrentDistinctFingerprints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seeds := []string{"11", "22", "33", "44", "55"}
	var wg sync.WaitGroup
	for _, seed := range seeds {
		src := writeSource(t, "out.png", seed)
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			if _, err := store.Store(ctx, fp(seed), []cache.Source{src}, cache.Metadata{Stage: "headshot"}); err != nil {
				t.Errorf("store %s: %v", seed, err)
			}
		}(seed)
	}
	wg.Wait()
	for _, seed := range seeds {
		_, found, err := store.Lookup(ctx, fp(seed))
		require.NoError(t, err)
		require.True(t, found, seed)
	}
}
