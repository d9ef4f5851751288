package session

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

// ApplyRemoteLogout follows a token removal made by another tab. Storage
// decides the outcome: when a token is still stored (another tab is
// switching records, or an alias survived) the stored session is adopted
// and nothing is torn down.
func (m *Manager) ApplyRemoteLogout(ctx context.Context) {
	if m.checkOpen() != nil {
		return
	}

	m.op.Lock()
	defer m.op.Unlock()

	if _, ok, err := m.tokens.IDToken(ctx); err == nil && ok {
		if err := m.adoptStored(ctx); err != nil {
			m.logger.Warn("session_remote_adopt_failed", "error", err)
		}
		return
	}

	m.remoteLogout()
}

func (m *Manager) remoteLogout() {
	snap := m.State()
	if !snap.Authenticated() {
		return
	}
	outgoing := snap.UserID()

	m.stopScheduler()
	m.cache.InvalidateAll()
	m.cache.InvalidateUser(outgoing)

	if err := errors.Join(m.teardown(outgoing)...); err != nil {
		m.logger.Warn("session_remote_logout_incomplete", "user_id", outgoing, "error", err)
	}

	m.logger.Info("session_remote_logout", "user_id", outgoing)
	m.emit(Event{Kind: EventRemoteLogout, Session: anonymous()})
	m.nav.Navigate(SignIn)
}

// AdoptRemote re-reads the stored session after another tab changed it.
//
// The same user with a new token is a refresh done elsewhere: the token is
// adopted and caches are kept. A different user is an identity switch and
// gets the full reset. A stored user that does not match the stored token
// yet is a write still in progress and is left for the next notification.
func (m *Manager) AdoptRemote(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.op.Lock()
	defer m.op.Unlock()

	return m.adoptStored(ctx)
}

// adoptStored does the work of AdoptRemote. The caller holds m.op.
func (m *Manager) adoptStored(ctx context.Context) error {
	rec, err := m.tokens.Load(ctx)
	if errors.Is(err, tokens.ErrNoRecord) {
		m.remoteLogout()
		return nil
	}
	if err != nil {
		return err
	}

	user, err := m.tokens.User(ctx)
	if err != nil {
		return err
	}
	if user == nil || user.ID != rec.Subject() {
		m.logger.Debug("session_remote_change_incomplete", "user_id", rec.Subject())
		return nil
	}

	next := Snapshot{User: user, Token: rec.Token(), Version: rec.Version()}
	current := m.State()

	if current.UserID() == user.ID {
		m.adoptSameUser(current, next)
		return nil
	}

	outgoing := current.UserID()
	m.stopScheduler()
	m.cache.InvalidateAll()
	if outgoing != "" {
		m.cache.InvalidateUser(outgoing)
		if err := m.realtime.Disconnect(); err != nil {
			m.logger.Warn("realtime_disconnect_failed", "error", err)
		}
		if _, err := m.requests.AbortAll(); err != nil {
			m.logger.Warn("session_abort_failed", "user_id", outgoing, "error", err)
		}
	}

	m.setState(next)
	if err := m.cookies.SetSession(next.Token); err != nil {
		m.logger.Warn("session_cookie_set_failed", "error", err)
	}
	m.startScheduler(next.Version)

	m.logger.Info("session_remote_login", "user_id", user.ID, "previous_user_id", outgoing)
	m.emit(Event{Kind: EventRemoteLogin, Session: next.clone()})
	m.nav.Navigate(Home)
	return nil
}

func (m *Manager) adoptSameUser(current, next Snapshot) {
	tokenChanged := current.Token != next.Token
	userChanged := *current.User != *next.User
	if !tokenChanged && !userChanged && current.Version == next.Version {
		return
	}

	m.setState(next)

	kind := EventUserUpdated
	if tokenChanged {
		kind = EventTokenRefreshed
		if err := m.cookies.SetSession(next.Token); err != nil {
			m.logger.Warn("session_cookie_set_failed", "error", err)
		}
	}
	if current.Version != next.Version {
		m.startScheduler(next.Version)
	}

	m.logger.Debug("session_remote_update", "user_id", next.UserID(), "event", kind)
	m.emit(Event{Kind: kind, Session: next.clone()})
}
