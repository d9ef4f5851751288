package requests

import (
	"context"
	"io"
	"net/http"
)

type identityKey struct{}

// WithIdentity tags ctx with the user a request is issued for.
func WithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// IdentityFrom returns the user ctx was tagged with.
func IdentityFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(identityKey{}).(string)
	return userID, ok && userID != ""
}

// Transport registers every request whose context carries an identity.
// The entry stays registered until the response body is closed or fully
// read, since an abort must also stop a body still streaming in.
type Transport struct {
	Base     http.RoundTripper
	Registry *Registry
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	userID, ok := IdentityFrom(req.Context())
	if !ok {
		return t.base().RoundTrip(req)
	}

	ctx, entry := t.Registry.Track(req.Context(), userID, req.Method, req.URL.Redacted())

	resp, err := t.base().RoundTrip(req.WithContext(ctx))
	if err != nil {
		entry.Done()
		return nil, err
	}

	resp.Body = &trackedBody{ReadCloser: resp.Body, entry: entry}
	return resp, nil
}

type trackedBody struct {
	io.ReadCloser
	entry *Entry
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.entry.Done()
	}
	return n, err
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.entry.Done()
	return err
}
