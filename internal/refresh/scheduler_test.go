package refresh_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv/memory"
	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"github.com/aussiebroadwan/tabsession/internal/tokens"
	"github.com/aussiebroadwan/tabsession/pkg/slogx"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRenewer struct {
	calls atomic.Int32
	gate  chan struct{}
	entry chan struct{}
	err   error
}

func (f *fakeRenewer) Refresh(ctx context.Context, refreshToken string) (refresh.Renewal, error) {
	n := f.calls.Add(1)
	if f.entry != nil {
		f.entry <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return refresh.Renewal{}, ctx.Err()
		}
	}
	if f.err != nil {
		return refresh.Renewal{}, f.err
	}
	return refresh.Renewal{
		IDToken:      fmt.Sprintf("id-%d", n),
		RefreshToken: fmt.Sprintf("rt-%d", n),
		ExpiresIn:    time.Hour,
	}, nil
}

type fixture struct {
	tokens    *tokens.Manager
	renewer   *fakeRenewer
	scheduler *refresh.Scheduler
}

// newFixture stores an external session issued age ago.
func newFixture(t *testing.T, age time.Duration) *fixture {
	t.Helper()

	tm := tokens.NewManager(memory.NewProfile().Tab(), tokens.Config{
		TokenLifetime: time.Hour,
		RefreshLead:   10 * time.Minute,
	}, slogx.Discard())

	tm.SetClock(func() time.Time { return now.Add(-age) })
	rec := tokens.ExternalRecord{IDToken: "id-0", RefreshToken: "rt-0", IssuedAt: now.Add(-age), UserID: "u1"}
	require.NoError(t, tm.Save(context.Background(), rec))
	tm.SetClock(func() time.Time { return now })

	renewer := &fakeRenewer{}
	s := refresh.NewScheduler(tm, renewer, refresh.Config{
		Interval: time.Hour,
		Pace:     rate.NewLimiter(rate.Inf, 1),
	}, slogx.Discard())
	s.SetClock(func() time.Time { return now })

	return &fixture{tokens: tm, renewer: renewer, scheduler: s}
}

func TestSkipsWhileFresh(t *testing.T) {
	f := newFixture(t, 30*time.Minute)

	outcome, err := f.scheduler.RefreshNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, refresh.Fresh, outcome)
	require.Zero(t, f.renewer.calls.Load())
}

func TestRefreshesWhenDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3100*time.Second)

	var refreshed []tokens.ExternalRecord
	f.scheduler.OnRefreshed = func(rec tokens.ExternalRecord) { refreshed = append(refreshed, rec) }

	outcome, err := f.scheduler.RefreshNow(ctx)
	require.NoError(t, err)
	require.Equal(t, refresh.Refreshed, outcome)
	require.EqualValues(t, 1, f.renewer.calls.Load())

	rec, err := f.tokens.Load(ctx)
	require.NoError(t, err)
	ext := rec.(tokens.ExternalRecord)
	require.Equal(t, "id-1", ext.IDToken)
	require.Equal(t, "rt-1", ext.RefreshToken)
	require.Equal(t, "u1", ext.UserID)
	require.Equal(t, now.Unix(), ext.IssuedAt.Unix())

	require.Len(t, refreshed, 1)
	require.Equal(t, "id-1", refreshed[0].IDToken)

	// Freshly issued now, so the next check does nothing.
	outcome, err = f.scheduler.RefreshNow(ctx)
	require.NoError(t, err)
	require.Equal(t, refresh.Fresh, outcome)
	require.EqualValues(t, 1, f.renewer.calls.Load())
}

func TestConcurrentCheckIsGuarded(t *testing.T) {
	f := newFixture(t, 3100*time.Second)
	f.renewer.gate = make(chan struct{})
	f.renewer.entry = make(chan struct{}, 1)

	type result struct {
		outcome refresh.Outcome
		err     error
	}
	first := make(chan result, 1)
	go func() {
		o, err := f.scheduler.RefreshNow(context.Background())
		first <- result{o, err}
	}()

	<-f.renewer.entry

	outcome, err := f.scheduler.RefreshNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, refresh.InFlight, outcome)

	close(f.renewer.gate)
	r := <-first
	require.NoError(t, r.err)
	require.Equal(t, refresh.Refreshed, r.outcome)
	require.EqualValues(t, 1, f.renewer.calls.Load())
}

func TestTerminalFailureClearsTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3100*time.Second)
	f.renewer.err = fmt.Errorf("idp said no: %w", refresh.ErrInvalidSession)

	var terminal error
	f.scheduler.OnTerminal = func(err error) { terminal = err }

	outcome, err := f.scheduler.RefreshNow(ctx)
	require.ErrorIs(t, err, refresh.ErrInvalidSession)
	require.Equal(t, refresh.Terminal, outcome)
	require.ErrorIs(t, terminal, refresh.ErrInvalidSession)

	_, err = f.tokens.Load(ctx)
	require.ErrorIs(t, err, tokens.ErrNoRecord)
}

func TestTransientFailureKeepsTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3100*time.Second)
	f.renewer.err = errors.New("connection reset")

	called := false
	f.scheduler.OnTerminal = func(error) { called = true }

	outcome, err := f.scheduler.RefreshNow(ctx)
	require.Error(t, err)
	require.Equal(t, refresh.Failed, outcome)
	require.False(t, called)

	rec, err := f.tokens.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-0", rec.Token())
}

func TestSkips(t *testing.T) {
	ctx := context.Background()

	t.Run("legacy session", func(t *testing.T) {
		f := newFixture(t, 0)
		require.NoError(t, f.tokens.StoreLegacyToken(ctx, "bearer", "u1"))

		outcome, err := f.scheduler.RefreshNow(ctx)
		require.NoError(t, err)
		require.Equal(t, refresh.NotExternal, outcome)
	})

	t.Run("cleared session", func(t *testing.T) {
		f := newFixture(t, 0)
		require.NoError(t, f.tokens.ClearAll(ctx))

		outcome, err := f.scheduler.RefreshNow(ctx)
		require.NoError(t, err)
		require.Equal(t, refresh.NotExternal, outcome)
	})

	t.Run("past the refresh window", func(t *testing.T) {
		f := newFixture(t, 8*24*time.Hour)

		outcome, err := f.scheduler.RefreshNow(ctx)
		require.NoError(t, err)
		require.Equal(t, refresh.NeedsReLogin, outcome)
		require.Zero(t, f.renewer.calls.Load())
	})

	t.Run("paced", func(t *testing.T) {
		f := newFixture(t, 3100*time.Second)
		f.scheduler = refresh.NewScheduler(f.tokens, f.renewer, refresh.Config{
			Pace: rate.NewLimiter(rate.Every(time.Hour), 1),
		}, slogx.Discard())
		f.scheduler.SetClock(func() time.Time { return now })
		f.renewer.err = errors.New("down")

		outcome, _ := f.scheduler.RefreshNow(ctx)
		require.Equal(t, refresh.Failed, outcome)

		outcome, err := f.scheduler.RefreshNow(ctx)
		require.NoError(t, err)
		require.Equal(t, refresh.Paced, outcome)
		require.EqualValues(t, 1, f.renewer.calls.Load())
	})
}

func TestDiscardsResultForReplacedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3100*time.Second)
	f.renewer.gate = make(chan struct{})
	f.renewer.entry = make(chan struct{}, 1)

	done := make(chan refresh.Outcome, 1)
	go func() {
		o, _ := f.scheduler.RefreshNow(ctx)
		done <- o
	}()

	<-f.renewer.entry
	require.NoError(t, f.tokens.StoreTokens(ctx, "other-id", "other-rt", "u2"))
	close(f.renewer.gate)

	require.Equal(t, refresh.Superseded, <-done)

	rec, err := f.tokens.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "other-id", rec.Token())
	require.Equal(t, "u2", rec.Subject())
}

func TestLifecycle(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		f := newFixture(t, 3100*time.Second)

		var mu sync.Mutex
		refreshed := 0
		f.scheduler.OnRefreshed = func(tokens.ExternalRecord) {
			mu.Lock()
			refreshed++
			mu.Unlock()
		}

		f.scheduler.Start(context.Background())
		f.scheduler.Start(context.Background())
		require.True(t, f.scheduler.Running())

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return refreshed == 1
		}, time.Second, 5*time.Millisecond)

		f.scheduler.Stop()
		require.False(t, f.scheduler.Running())
		f.scheduler.Stop()
		require.EqualValues(t, 1, f.renewer.calls.Load())
	})

	t.Run("terminal outcome goes idle", func(t *testing.T) {
		f := newFixture(t, 3100*time.Second)
		f.renewer.err = refresh.ErrInvalidSession

		hooked := make(chan struct{})
		f.scheduler.OnTerminal = func(error) {
			f.scheduler.Stop()
			close(hooked)
		}

		f.scheduler.Start(context.Background())

		select {
		case <-hooked:
		case <-time.After(time.Second):
			t.Fatal("terminal hook not called")
		}
		require.False(t, f.scheduler.Running())
	})

	t.Run("stop aborts a renewal in flight", func(t *testing.T) {
		f := newFixture(t, 3100*time.Second)
		f.renewer.gate = make(chan struct{})
		f.renewer.entry = make(chan struct{}, 1)

		f.scheduler.Start(context.Background())
		select {
		case <-f.renewer.entry:
		case <-time.After(time.Second):
			t.Fatal("renewal not started")
		}

		start := time.Now()
		f.scheduler.Stop()
		require.Less(t, time.Since(start), 500*time.Millisecond)
		require.False(t, f.scheduler.Running())

		rt, ok, err := f.tokens.RefreshToken(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "rt-0", rt)
	})

	t.Run("context cancellation", func(t *testing.T) {
		f := newFixture(t, 0)
		ctx, cancel := context.WithCancel(context.Background())

		f.scheduler.Start(ctx)
		cancel()

		require.Eventually(t, func() bool { return !f.scheduler.Running() }, time.Second, 5*time.Millisecond)
		f.scheduler.Stop()
	})
}

func TestRejectionAfterRotationElsewhereIsNotTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3100*time.Second)
	f.renewer.gate = make(chan struct{})
	f.renewer.entry = make(chan struct{}, 1)
	f.renewer.err = refresh.ErrInvalidSession

	done := make(chan refresh.Outcome, 1)
	go func() {
		o, _ := f.scheduler.RefreshNow(ctx)
		done <- o
	}()

	<-f.renewer.entry
	// Another tab refreshed first.
	require.NoError(t, f.tokens.Rotate(ctx, "id-other-tab", "rt-other-tab"))
	close(f.renewer.gate)

	require.Equal(t, refresh.Superseded, <-done)

	rec, err := f.tokens.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "id-other-tab", rec.Token())
}
