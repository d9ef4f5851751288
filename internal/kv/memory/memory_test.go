package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/internal/kv/memory"
	"github.com/stretchr/testify/require"
)

func TestGetSetRemove(t *testing.T) {
	ctx := context.Background()
	tab := memory.NewProfile().Tab()

	_, ok, err := tab.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tab.Set(ctx, "k", "v"))
	v, ok, err := tab.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, tab.Remove(ctx, "k"))
	_, ok, err = tab.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWatchOnlySeesOtherTabs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile := memory.NewProfile()
	a, b := profile.Tab(), profile.Tab()

	events, err := a.Watch(ctx)
	require.NoError(t, err)

	// Same-tab write: no notification
	require.NoError(t, a.Set(ctx, "token", "t0"))

	// Foreign write: notification with old and new values
	require.NoError(t, b.Set(ctx, "token", "t1"))

	select {
	case ev := <-events:
		require.Equal(t, "token", ev.Key)
		require.Equal(t, "t0", *ev.OldValue)
		require.Equal(t, "t1", *ev.NewValue)
		require.Equal(t, b.Origin(), ev.Origin)
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}

	require.NoError(t, b.Remove(ctx, "token"))
	ev := <-events
	require.True(t, ev.Removed())
	require.Equal(t, "t1", *ev.OldValue)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnchangedWritesAreSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile := memory.NewProfile()
	a, b := profile.Tab(), profile.Tab()
	events, err := a.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, "absent"))
	require.NoError(t, b.Set(ctx, "k", "v"))
	require.NoError(t, b.Set(ctx, "k", "v"))

	ev := <-events
	require.Equal(t, "k", ev.Key)
	require.Nil(t, ev.OldValue)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	profile := memory.NewProfile()
	tab := profile.Tab()

	boom := errors.New("boom")
	profile.SetFault(func(op, key, value string) error {
		if key == "bad" {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, tab.Set(ctx, "bad", "v"), boom)
	require.NoError(t, tab.Set(ctx, "good", "v"))
	require.Equal(t, map[string]string{"good": "v"}, profile.Snapshot())
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	tab := memory.NewProfile(memory.WithQuota(8)).Tab()

	require.NoError(t, tab.Set(ctx, "ab", "cd"))
	require.ErrorIs(t, tab.Set(ctx, "ef", "0123456"), kv.ErrQuotaExceeded)

	// Overwriting counts the replaced value as freed
	require.NoError(t, tab.Set(ctx, "ab", "cdefgh"))
}

func TestClosedTab(t *testing.T) {
	ctx := context.Background()
	tab := memory.NewProfile().Tab()

	events, err := tab.Watch(ctx)
	require.NoError(t, err)
	require.NoError(t, tab.Close())

	_, open := <-events
	require.False(t, open)
	require.ErrorIs(t, tab.Set(ctx, "k", "v"), kv.ErrClosed)

	_, err = tab.Watch(ctx)
	require.ErrorIs(t, err, kv.ErrClosed)
}

func TestStoppedWatcherReleasesWriters(t *testing.T) {
	// fill writes 64 distinct values, enough to fill a watch buffer.
	fill := func(t *testing.T, tab *memory.Tab) {
		t.Helper()
		for i := range 64 {
			require.NoError(t, tab.Set(context.Background(), "k", fmt.Sprint(i)))
		}
	}

	// blockedWrite starts a write that cannot be buffered and returns its
	// completion channel.
	blockedWrite := func(tab *memory.Tab) <-chan error {
		done := make(chan error, 1)
		go func() { done <- tab.Set(context.Background(), "k", "overflow") }()
		return done
	}

	t.Run("cancelled watch", func(t *testing.T) {
		profile := memory.NewProfile()
		a, b := profile.Tab(), profile.Tab()

		ctx, cancel := context.WithCancel(context.Background())
		_, err := a.Watch(ctx)
		require.NoError(t, err)

		fill(t, b)
		done := blockedWrite(b)

		select {
		case err := <-done:
			t.Fatalf("write should wait for a live watcher, got %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("writer still blocked after the watch was cancelled")
		}

		c := profile.Tab()
		require.NoError(t, c.Set(context.Background(), "other", "v"))
	})

	t.Run("closed tab", func(t *testing.T) {
		profile := memory.NewProfile()
		a, b := profile.Tab(), profile.Tab()

		_, err := a.Watch(context.Background())
		require.NoError(t, err)

		fill(t, b)
		done := blockedWrite(b)

		closed := make(chan error, 1)
		go func() { closed <- a.Close() }()

		select {
		case err := <-closed:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Close blocked behind a stalled writer")
		}
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("writer still blocked after the tab closed")
		}
	})
}
