package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

// Login adopts a new identity. The in-memory session changes before the
// record is persisted, so State reflects the new user as soon as Login is
// called. The profile is refreshed in the background and applied only if
// the same user is still signed in by then.
//
// A failed persist rolls storage back, restores the previous in-memory
// session and returns an error wrapping ErrLoginFailed.
func (m *Manager) Login(ctx context.Context, creds Credentials, user tokens.User) error {
	snap, err := m.signIn(ctx, creds, user, EventLogin, ErrLoginFailed)
	if err != nil {
		return err
	}

	m.enrichAsync(snap.UserID(), snap.Token)
	m.nav.Navigate(Home)
	return nil
}

// Register is Login for a freshly created account. The profile is fetched
// before navigating, since there is no earlier state to race with. A
// failed profile fetch is logged and does not fail the registration.
func (m *Manager) Register(ctx context.Context, creds Credentials, user tokens.User) error {
	snap, err := m.signIn(ctx, creds, user, EventRegister, ErrRegisterFailed)
	if err != nil {
		return err
	}

	if err := m.enrich(ctx, snap.UserID(), snap.Token); err != nil {
		m.logger.Warn("register_profile_fetch_failed", "user_id", snap.UserID(), "error", err)
	}
	m.nav.Navigate(Home)
	return nil
}

func (m *Manager) signIn(
	ctx context.Context,
	creds Credentials,
	user tokens.User,
	kind EventKind,
	failed error,
) (Snapshot, error) {
	if err := m.checkOpen(); err != nil {
		return Snapshot{}, err
	}

	rec, err := m.record(creds, user)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", failed, err)
	}

	m.op.Lock()
	defer m.op.Unlock()

	// Nothing computed for an earlier identity may be readable once the
	// new one is visible.
	m.cache.InvalidateAll()

	next := Snapshot{User: &user, Token: rec.Token(), Version: rec.Version()}
	prev := m.setState(next)

	if err := m.tokens.StoreSession(ctx, rec, user); err != nil {
		m.setState(prev)
		m.logger.Error("session_persist_failed", "event", kind, "user_id", user.ID, "error", err)
		return Snapshot{}, fmt.Errorf("%w: %w", failed, err)
	}

	if err := m.cookies.SetSession(rec.Token()); err != nil {
		m.logger.Warn("session_cookie_set_failed", "error", err)
	}

	// A login replacing another identity must not leave its requests
	// running against the new one.
	if prevID := prev.UserID(); prevID != "" && prevID != user.ID {
		m.cache.InvalidateUser(prevID)
		if _, err := m.requests.AbortUser(prevID); err != nil {
			m.logger.Warn("session_abort_failed", "user_id", prevID, "error", err)
		}
	}

	m.startScheduler(rec.Version())

	m.logger.Info("session_started", "event", kind, "user_id", user.ID, "version", rec.Version())
	m.emit(Event{Kind: kind, Session: next.clone()})
	return next, nil
}

func (m *Manager) record(creds Credentials, user tokens.User) (tokens.Record, error) {
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user without id", tokens.ErrInvalidRecord)
	}

	version := creds.Version
	if version == "" {
		version = m.tokens.DetectVersion(creds.Token)
	}

	var rec tokens.Record
	switch version {
	case tokens.External:
		rec = tokens.ExternalRecord{
			IDToken:      creds.Token,
			RefreshToken: creds.RefreshToken,
			IssuedAt:     m.tokens.Now(),
			UserID:       user.ID,
		}
	default:
		rec = tokens.LegacyRecord{BearerToken: creds.Token, UserID: user.ID}
	}

	if err := tokens.Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) enrichAsync(userID, token string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.enrich(m.ctx, userID, token); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("profile_enrichment_failed", "user_id", userID, "error", err)
		}
	}()
}

// enrich fetches the profile for pinnedID and merges it into the session
// if pinnedID is still the signed-in user when the fetch returns.
func (m *Manager) enrich(ctx context.Context, pinnedID, token string) error {
	ctx, entry := m.requests.Track(ctx, pinnedID, http.MethodGet, "profile")
	defer entry.Done()

	profile, err := m.profiles.FetchProfile(ctx, token)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}

	if profile.ID != pinnedID {
		m.logger.Warn("profile_mismatch", "expected_user_id", pinnedID, "profile_user_id", profile.ID)
		return ErrProfileMismatch
	}

	m.op.Lock()
	defer m.op.Unlock()

	current := m.State()
	if current.UserID() != pinnedID {
		m.logger.Info("profile_enrichment_discarded", "user_id", pinnedID, "current_user_id", current.UserID())
		return nil
	}

	merged := mergeProfile(*current.User, profile)
	if merged == *current.User {
		return nil
	}

	if err := m.tokens.StoreUser(context.WithoutCancel(ctx), merged); err != nil {
		return fmt.Errorf("store enriched user: %w", err)
	}

	m.mu.Lock()
	m.state.User = &merged
	next := m.state.clone()
	m.mu.Unlock()

	m.emit(Event{Kind: EventUserUpdated, Session: next})
	return nil
}

// mergeProfile overlays the non-empty fields of profile onto u.
func mergeProfile(u, profile tokens.User) tokens.User {
	if profile.Email != "" {
		u.Email = profile.Email
	}
	if profile.DisplayName != "" {
		u.DisplayName = profile.DisplayName
	}
	if profile.Username != "" {
		u.Username = profile.Username
	}
	return u
}
