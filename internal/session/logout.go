package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

// Logout ends the session. Every step runs even when an earlier one
// fails, and the tab is always anonymous afterwards; the returned error
// joins the local failures. A failed remote revoke is only logged.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.op.Lock()
	defer m.op.Unlock()

	snap := m.State()
	outgoing := snap.UserID()

	// No renewal may land after the record is gone.
	m.stopScheduler()

	m.cache.InvalidateAll()
	if outgoing != "" {
		m.cache.InvalidateUser(outgoing)
	}

	if snap.Version == tokens.External {
		m.revoke(ctx, outgoing)
	}

	local := context.WithoutCancel(ctx)
	var errs []error

	if err := m.tokens.ClearAll(local); err != nil {
		errs = append(errs, fmt.Errorf("clear tokens: %w", err))
	}

	errs = append(errs, m.teardown(outgoing)...)

	if err := m.tokens.ClearUserScoped(local, outgoing); err != nil {
		errs = append(errs, fmt.Errorf("clear user keys: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("session_logout_incomplete", "user_id", outgoing, "error", err)
	} else {
		m.logger.Info("session_ended", "user_id", outgoing)
	}

	m.emit(Event{Kind: EventLogout, Session: anonymous(), Err: err})
	m.nav.Navigate(SignIn)
	return err
}

// teardown resets the tab to anonymous and cuts everything still bound
// to outgoing. The persisted record is left to the caller.
func (m *Manager) teardown(outgoing string) []error {
	var errs []error

	if err := m.cookies.ClearSession(); err != nil {
		errs = append(errs, fmt.Errorf("clear session cookie: %w", err))
	}

	m.setState(anonymous())

	if err := m.realtime.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect realtime: %w", err))
	}

	// Once anonymous, every request still in flight belongs to an
	// identity that is gone.
	if n, err := m.requests.AbortAll(); err != nil {
		errs = append(errs, fmt.Errorf("abort requests: %w", err))
	} else if n > 0 {
		m.logger.Debug("session_requests_aborted", "user_id", outgoing, "count", n)
	}

	return errs
}

func (m *Manager) revoke(ctx context.Context, userID string) {
	refreshToken, ok, err := m.tokens.RefreshToken(ctx)
	if err != nil || !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.revokeTimeout)
	defer cancel()

	if err := m.revoker.Revoke(ctx, refreshToken); err != nil {
		m.logger.Warn("token_revoke_failed", "user_id", userID, "error", err)
	}
}

// expire tears the session down after the identity provider rejected the
// refresh token. The scheduler has already cleared the record.
func (m *Manager) expire(cause error) {
	m.op.Lock()
	defer m.op.Unlock()

	snap := m.State()
	if !snap.Authenticated() {
		return
	}
	outgoing := snap.UserID()

	m.cache.InvalidateAll()
	m.cache.InvalidateUser(outgoing)

	var errs []error
	if err := m.tokens.ClearAll(context.WithoutCancel(m.ctx)); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, m.teardown(outgoing)...)
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("session_expiry_incomplete", "user_id", outgoing, "error", err)
	}

	m.logger.Warn("session_expired", "user_id", outgoing, "error", cause)
	m.emit(Event{Kind: EventExpired, Session: anonymous(), Err: errors.Join(ErrSessionExpired, cause)})
	m.nav.Navigate(SignIn)
}
