package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, func() *Store) {
	t.Helper()
	s := miniredis.RunT(t)

	open := func() *Store {
		store, err := NewStore("redis://"+s.Addr(), "default", slogx.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}
	return s, open
}

func TestGetSetRemove(t *testing.T) {
	ctx := context.Background()
	mr, open := setupTestRedis(t)
	store := open()

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v"))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	// Keys are scoped to the profile
	raw, err := mr.Get("profile:default:kv:k")
	require.NoError(t, err)
	require.Equal(t, "v", raw)

	require.NoError(t, store.Remove(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWatchFiltersOwnOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, open := setupTestRedis(t)
	a, b := open(), open()

	events, err := a.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "token", "mine"))
	require.NoError(t, b.Set(ctx, "token", "theirs"))

	select {
	case ev := <-events:
		require.Equal(t, "token", ev.Key)
		require.Equal(t, "mine", *ev.OldValue)
		require.Equal(t, "theirs", *ev.NewValue)
		require.Equal(t, b.Origin(), ev.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("expected change event")
	}

	require.NoError(t, b.Remove(ctx, "token"))
	select {
	case ev := <-events:
		require.True(t, ev.Removed())
	case <-time.After(2 * time.Second):
		t.Fatal("expected removal event")
	}
}

func TestSameValue(t *testing.T) {
	t.Parallel()

	require.True(t, sameValue(nil, nil))
	require.False(t, sameValue(nil, kv.StringPtr("a")))
	require.True(t, sameValue(kv.StringPtr("a"), kv.StringPtr("a")))
	require.False(t, sameValue(kv.StringPtr("a"), kv.StringPtr("b")))
}

func TestNewStoreRejectsBadURL(t *testing.T) {
	_, err := NewStore("not a url", "default", nil)
	require.Error(t, err)
}
