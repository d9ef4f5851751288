package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/aussiebroadwan/tabsession/internal/cache"
	"github.com/aussiebroadwan/tabsession/internal/crosstab"
	"github.com/aussiebroadwan/tabsession/internal/metrics"
	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"github.com/aussiebroadwan/tabsession/internal/session"
	"github.com/aussiebroadwan/tabsession/internal/tokens"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObservers(t *testing.T) {
	t.Parallel()
	m := metrics.New()

	user := tokens.User{ID: "u1"}
	m.ObserveSessionEvent(session.Event{Kind: session.EventLogin, Session: session.Snapshot{User: &user, Token: "t"}})
	require.Equal(t, float64(1), testutil.ToFloat64(m.Authenticated()))

	m.ObserveSessionEvent(session.Event{Kind: session.EventLogout})
	require.Equal(t, float64(0), testutil.ToFloat64(m.Authenticated()))

	m.ObserveRefresh(refresh.Refreshed)
	m.ObserveRefresh(refresh.Fresh)
	m.ObserveRefresh(refresh.Fresh)
	m.ObserveAborted(3)
	m.ObserveAborted(0)
	m.ObserveReconcile(crosstab.Logout)
	m.ObserveInvalidation(cache.ScopeAll)

	require.Equal(t, 2, testutil.CollectAndCount(m.SessionEvents()))
	require.Equal(t, float64(2), testutil.ToFloat64(m.RefreshOutcomes().WithLabelValues("fresh")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RefreshOutcomes().WithLabelValues("refreshed")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.AbortedRequests()))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Reconciliations().WithLabelValues("logout")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.CacheInvalidations().WithLabelValues("all")))
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.ObserveRefresh(refresh.Terminal)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `tabsession_refresh_checks_total{outcome="terminal"} 1`)
}
