package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/internal/kv/drivers/sqlite"
	"github.com/aussiebroadwan/tabsession/pkg/cryptox"
	"github.com/aussiebroadwan/tabsession/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dsn string, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()

	opts = append([]sqlite.Option{
		sqlite.WithPollInterval(10 * time.Millisecond),
		sqlite.WithLogger(slogx.Discard()),
	}, opts...)

	store, err := sqlite.NewStore(dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.ApplyMigrations())
	return store
}

func TestGetSetRemove(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v1"))
	require.NoError(t, store.Set(ctx, "k", "v2"))

	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", v)

	require.NoError(t, store.Remove(ctx, "k"))
	require.NoError(t, store.Remove(ctx, "k")) // removing an absent key is a no-op

	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWatchAcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "profile.db") + "?_pragma=journal_mode(WAL)"
	a := openStore(t, dsn)
	b := openStore(t, dsn)

	events, err := a.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "token", "mine"))
	require.NoError(t, b.Set(ctx, "token", "theirs"))
	require.NoError(t, b.Remove(ctx, "token"))

	var got []kv.ChangeEvent
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
		}
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, "mine", *got[0].OldValue)
	require.Equal(t, "theirs", *got[0].NewValue)
	require.Equal(t, b.Origin(), got[0].Origin)
	require.True(t, got[1].Removed())
}

func TestSealedValues(t *testing.T) {
	ctx := context.Background()

	sealer, err := cryptox.NewSealer([]byte("profile-key"), []byte("0123456789abcdef"))
	require.NoError(t, err)

	dsn := "file:" + filepath.Join(t.TempDir(), "sealed.db")
	sealed := openStore(t, dsn, sqlite.WithSealer(sealer))
	require.NoError(t, sealed.Set(ctx, "auth.id_token", "secret"))

	v, ok, err := sealed.Get(ctx, "auth.id_token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", v)

	// A reader without the key cannot see the plaintext
	plain := openStore(t, dsn)
	_, _, err = plain.Get(ctx, "auth.id_token")
	require.ErrorIs(t, err, cryptox.ErrOpen)
}

func TestTrimChanges(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))

	n, err := store.TrimChanges(ctx, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = store.TrimChanges(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHousekeeperStartStop(t *testing.T) {
	store := openStore(t, ":memory:")
	h := sqlite.NewHousekeeper(store, slogx.Discard(), time.Hour, time.Hour)
	h.Start()
	h.Stop()
}
