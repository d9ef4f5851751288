// Package cookies mirrors the session token into a cookie jar, for HTTP
// consumers that authenticate by cookie rather than by header.
package cookies

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	DefaultName = "session"
	DefaultTTL  = 7 * 24 * time.Hour
)

// Mirror owns one session cookie for one site.
type Mirror struct {
	jar  *cookiejar.Jar
	site *url.URL
	name string
	ttl  time.Duration
	now  func() time.Time
}

type Option func(*Mirror)

// WithName sets the cookie name.
func WithName(name string) Option { return func(m *Mirror) { m.name = name } }

// WithTTL sets how long a mirrored cookie lives.
func WithTTL(ttl time.Duration) Option { return func(m *Mirror) { m.ttl = ttl } }

// NewMirror creates a mirror for the site at siteURL.
func NewMirror(siteURL string, opts ...Option) (*Mirror, error) {
	site, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("cookies: parse site url: %w", err)
	}
	if site.Host == "" {
		return nil, fmt.Errorf("cookies: site url %q has no host", siteURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookies: create jar: %w", err)
	}

	m := &Mirror{
		jar:  jar,
		site: &url.URL{Scheme: site.Scheme, Host: site.Host, Path: "/"},
		name: DefaultName,
		ttl:  DefaultTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Jar is the jar holding the cookie; hand it to an http.Client.
func (m *Mirror) Jar() http.CookieJar { return m.jar }

// SetSession stores token as the session cookie.
func (m *Mirror) SetSession(token string) error {
	m.jar.SetCookies(m.site, []*http.Cookie{{
		Name:     m.name,
		Value:    token,
		Path:     "/",
		Expires:  m.now().Add(m.ttl),
		Secure:   m.site.Scheme == "https",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}})
	return nil
}

// ClearSession expires the session cookie.
func (m *Mirror) ClearSession() error {
	m.jar.SetCookies(m.site, []*http.Cookie{{
		Name:   m.name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
	return nil
}

// Session returns the mirrored token, if any.
func (m *Mirror) Session() (string, bool) {
	for _, c := range m.jar.Cookies(m.site) {
		if c.Name == m.name {
			return c.Value, true
		}
	}
	return "", false
}
