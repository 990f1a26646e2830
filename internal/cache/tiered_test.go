package cache_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"podthumb/internal/cache"
	"podthumb/internal/logging"
)

type failingStore struct {
	lookups int
	stores  int
}

func (f *failingStore) Lookup(context.Context, string) (cache.Entry, bool, error) {
	f.lookups++
	return cache.Entry{}, false, errors.New("mirror down")
}

func (f *failingStore) Store(context.Context, string, []cache.Source, cache.Metadata) (cache.Entry, error) {
	f.stores++
	return cache.Entry{}, errors.New("mirror down")
}

func TestTieredHydratesLocalFromRemote(t *testing.T) {
	ctx := context.Background()
	local := newStore(t)
	remote := newStore(t)
	_, err := remote.Store(ctx, fp("aa"), []cache.Source{writeSource(t, "a.png", "remote")}, cache.Metadata{Stage: "headshot"})
	require.NoError(t, err)

	tiered := cache.NewTiered(local, remote, logging.NewNop())
	entry, found, err := tiered.Lookup(ctx, fp("aa"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "headshot", entry.Stage)

	_, found, err = local.Lookup(ctx, fp("aa"))
	require.NoError(t, err)
	require.True(t, found, "remote hit copied into local store")
}

func TestTieredToleratesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	local := newStore(t)
	remote := &failingStore{}
	tiered := cache.NewTiered(local, remote, logging.NewNop())

	_, found, err := tiered.Lookup(ctx, fp("bb"))
	require.NoError(t, err)
	require.False(t, found)

	_, err = tiered.Store(ctx, fp("bb"), []cache.Source{writeSource(t, "a.png", "x")}, cache.Metadata{Stage: "compose"})
	require.NoError(t, err)
	require.Equal(t, 1, remote.stores)

	_, found, err = tiered.Lookup(ctx, fp("bb"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, remote.lookups, "local hit skips the mirror")
}

func TestTieredStoreAdoptsMirrorOnConflict(t *testing.T) {
	ctx := context.Background()
	local := newStore(t)
	remote := newStore(t)
	_, err := remote.Store(ctx, fp("cc"), []cache.Source{writeSource(t, "a.png", "mirror")}, cache.Metadata{Stage: "compose"})
	require.NoError(t, err)

	tiered := cache.NewTiered(local, remote, logging.NewNop())
	_, err = tiered.Store(ctx, fp("cc"), []cache.Source{writeSource(t, "a.png", "local")}, cache.Metadata{Stage: "compose"})
	require.ErrorIs(t, err, cache.ErrConflict)
	conflict, ok := cache.AsConflict(err)
	require.True(t, ok)

	path, ok := conflict.Existing.File("a.png")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "mirror", string(data))

	entry, found, err := local.Lookup(ctx, fp("cc"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, entry.SameContent(conflict.Existing), "local entry replaced by the mirror's")
}
