package requests_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/requests"
	"github.com/aussiebroadwan/tabsession/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func TestTrackIsSelfCleaning(t *testing.T) {
	t.Parallel()
	reg := requests.NewRegistry(slogx.Discard())

	ctx, entry := reg.Track(context.Background(), "u1", http.MethodGet, "/v1/items")
	require.Equal(t, 1, reg.Len())
	require.Equal(t, 1, reg.Pending("u1"))
	require.False(t, entry.ID.IsZero())

	entry.Done()
	entry.Done()
	require.Zero(t, reg.Len())
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.NotErrorIs(t, context.Cause(ctx), requests.ErrAborted)
}

func TestAbortAll(t *testing.T) {
	t.Parallel()

	t.Run("cancels tracked contexts", func(t *testing.T) {
		reg := requests.NewRegistry(slogx.Discard())

		ctxA, a := reg.Track(context.Background(), "u1", http.MethodGet, "/a")
		ctxB, _ := reg.Track(context.Background(), "u2", http.MethodGet, "/b")

		n, err := reg.AbortAll()
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Zero(t, reg.Len())
		require.ErrorIs(t, context.Cause(ctxA), requests.ErrAborted)
		require.ErrorIs(t, context.Cause(ctxB), requests.ErrAborted)

		// Late completion is harmless.
		a.Done()
		require.Zero(t, reg.Len())
	})

	t.Run("continues past failing handles", func(t *testing.T) {
		reg := requests.NewRegistry(slogx.Discard())

		var cancelled atomic.Int32
		ok := func() error { cancelled.Add(1); return nil }

		reg.Register("u1", http.MethodGet, "/1", ok)
		reg.Register("u1", http.MethodGet, "/2", func() error { panic("stuck socket") })
		reg.Register("u1", http.MethodGet, "/3", func() error { return errors.New("already closed") })
		reg.Register("u1", http.MethodGet, "/4", ok)

		var reported int
		reg.OnAbort = func(n int) { reported = n }

		n, err := reg.AbortAll()
		require.Error(t, err)
		require.ErrorContains(t, err, "panicked")
		require.ErrorContains(t, err, "already closed")
		require.Equal(t, 4, n)
		require.Equal(t, 4, reported)
		require.EqualValues(t, 2, cancelled.Load())
		require.Zero(t, reg.Len())
	})
}

func TestAbortUser(t *testing.T) {
	t.Parallel()
	reg := requests.NewRegistry(slogx.Discard())

	ctxA, _ := reg.Track(context.Background(), "u1", http.MethodGet, "/a")
	ctxB, b := reg.Track(context.Background(), "u2", http.MethodGet, "/b")
	defer b.Done()

	n, err := reg.AbortUser("u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Error(t, ctxA.Err())
	require.NoError(t, ctxB.Err())
	require.Equal(t, 1, reg.Pending("u2"))
}

func TestTransport(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	reg := requests.NewRegistry(slogx.Discard())
	client := &http.Client{Transport: &requests.Transport{Registry: reg}}

	t.Run("untagged requests are not tracked", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/fast")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Zero(t, reg.Len())
	})

	t.Run("tagged requests deregister on body read", func(t *testing.T) {
		ctx := requests.WithIdentity(context.Background(), "u1")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/fast", nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		require.Equal(t, 1, reg.Pending("u1"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "ok", string(body))
		require.NoError(t, resp.Body.Close())
		require.Zero(t, reg.Len())
	})

	t.Run("abort cancels a request in flight", func(t *testing.T) {
		ctx := requests.WithIdentity(context.Background(), "u1")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", nil)
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			resp, err := client.Do(req)
			if err == nil {
				_ = resp.Body.Close()
			}
			errc <- err
		}()

		require.Eventually(t, func() bool { return reg.Pending("u1") == 1 }, time.Second, 5*time.Millisecond)

		n, err := reg.AbortUser("u1")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		select {
		case err := <-errc:
			require.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("request was not aborted")
		}
		require.Zero(t, reg.Len())
	})
}

func TestTrackedRequestsCarryEntryLogger(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slogx.New(slogx.Config{Service: "test", Level: "debug", Format: "json", Output: &buf})
	reg := requests.NewRegistry(logger)
	client := &http.Client{Transport: &requests.Transport{Registry: reg, Base: &slogx.Transport{}}}

	ctx := requests.WithIdentity(context.Background(), "u1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.NotEmpty(t, seen)
	line := buf.String()
	require.Contains(t, line, "http_client_request")
	require.Contains(t, line, `"user_id":"u1"`)
	require.Contains(t, line, `"req_id":"`+seen+`"`)
	require.Equal(t, 1, strings.Count(line, `"req_id"`))
}
