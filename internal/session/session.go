// Package session owns the signed-in identity of one tab: the in-memory
// session, its persisted token record, and the teardown that has to happen
// when the identity goes away.
package session

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

var (
	ErrLoginFailed      = errors.New("session: login failed")
	ErrRegisterFailed   = errors.New("session: register failed")
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrSessionExpired   = errors.New("session: expired, sign in again")
	ErrProfileMismatch  = errors.New("session: profile does not belong to the session user")
	ErrDisposed         = errors.New("session: manager disposed")
	ErrNotInitialized   = errors.New("session: manager not initialized")
)

// Snapshot is a copy of the in-memory session. The zero value is the
// anonymous session.
type Snapshot struct {
	User    *tokens.User
	Token   string
	Version tokens.Version
}

// Authenticated reports whether the snapshot holds an identity.
func (s Snapshot) Authenticated() bool { return s.User != nil && s.Token != "" }

// UserID returns the user id, or "" when anonymous.
func (s Snapshot) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

func (s Snapshot) clone() Snapshot {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

func anonymous() Snapshot { return Snapshot{Version: tokens.Legacy} }

// Credentials is what a sign-in produced. Version is detected from Token
// when empty.
type Credentials struct {
	Token        string
	RefreshToken string
	Version      tokens.Version
}

// EventKind says what changed.
type EventKind string

const (
	EventLogin          EventKind = "login"
	EventRegister       EventKind = "register"
	EventLogout         EventKind = "logout"
	EventUserUpdated    EventKind = "user_updated"
	EventTokenRefreshed EventKind = "token_refreshed"
	EventExpired        EventKind = "expired"
	EventRemoteLogin    EventKind = "remote_login"
	EventRemoteLogout   EventKind = "remote_logout"
)

// Event is delivered to subscribers after the session changed.
type Event struct {
	Kind    EventKind
	Session Snapshot
	Err     error
}

// ProfileFetcher loads the profile of the user owning token.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, token string) (tokens.User, error)
}

// Revoker invalidates a refresh token remotely.
type Revoker interface {
	Revoke(ctx context.Context, refreshToken string) error
}

// CacheInvalidator drops data derived from an identity.
type CacheInvalidator interface {
	InvalidateAll()
	InvalidateUser(userID string)
}

// RealtimeDisconnector closes transports bound to the identity.
type RealtimeDisconnector interface {
	Disconnect() error
}

// CookieMirror keeps a session cookie for server-rendered consumers.
type CookieMirror interface {
	SetSession(token string) error
	ClearSession() error
}

// Destination is where the user is sent after a session change.
type Destination string

const (
	Home   Destination = "home"
	SignIn Destination = "sign_in"
)

// Navigator hands off navigation after login and logout.
type Navigator interface {
	Navigate(to Destination)
}

type noopProfiles struct{}

func (noopProfiles) FetchProfile(context.Context, string) (tokens.User, error) {
	return tokens.User{}, errors.New("session: no profile fetcher configured")
}

type noopRevoker struct{}

func (noopRevoker) Revoke(context.Context, string) error { return nil }

type noopCache struct{}

func (noopCache) InvalidateAll()        {}
func (noopCache) InvalidateUser(string) {}

type noopRealtime struct{}

func (noopRealtime) Disconnect() error { return nil }

type noopCookies struct{}

func (noopCookies) SetSession(string) error { return nil }
func (noopCookies) ClearSession() error     { return nil }

type noopNavigator struct{}

func (noopNavigator) Navigate(Destination) {}
