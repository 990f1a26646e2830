package testsupport

import (
	"testing"

	"podthumb/internal/cache"
	"podthumb/internal/config"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
)

// MustOpenManifest opens the configured manifest backend for tests and
// registers cleanup.
func MustOpenManifest(t testing.TB, cfg *config.Config) manifest.Store {
	t.Helper()

	store, err := manifest.Open(cfg)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenCache opens a local cache rooted at the config's cache dir.
func MustOpenCache(t testing.TB, cfg *config.Config) *cache.FileStore {
	t.Helper()

	store, err := cache.NewFileStore(cfg.Paths.CacheDir, logging.NewNop())
	if err != nil {
		t.Fatalf("cache.NewFileStore: %v", err)
	}
	return store
}
