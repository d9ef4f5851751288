package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/tabsession/pkg/idx"
)

// Transport logs outbound requests and stamps them with an X-Request-ID.
// The contextual logger and request id from the request context are used
// when present.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	ctxID, fromCtx := RequestID(r.Context())
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = ctxID
		if !fromCtx {
			reqID = idx.New().String()
		}
		r = r.Clone(r.Context())
		r.Header.Set("X-Request-ID", reqID)
	}

	logger := t.Logger
	if _, ok := r.Context().Value(ctxKey{}).(*slog.Logger); ok || logger == nil {
		logger = FromContext(r.Context())
	}
	if !fromCtx || reqID != ctxID {
		logger = logger.With("req_id", reqID)
	}
	logger = logger.With("method", r.Method, "url", r.URL.Redacted())

	start := time.Now()
	resp, err := base.RoundTrip(r)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("http_client_error", "duration_ms", duration, "error", err)
		return nil, err
	}

	logger.Debug("http_client_request", "status", resp.StatusCode, "duration_ms", duration)
	return resp, nil
}
