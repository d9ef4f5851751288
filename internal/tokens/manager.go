// Package tokens owns the stored shape of the session: the token record
// for either identity backend, the denormalized user, and the key
// registry that bounds what logout has to remove.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/internal/txn"
	"github.com/aussiebroadwan/tabsession/pkg/jwtx"
)

// Defaults for the external identity provider's ID tokens.
const (
	DefaultTokenLifetime = time.Hour
	DefaultRefreshLead   = 10 * time.Minute
	DefaultRefreshWindow = 30 * 24 * time.Hour
)

type Config struct {
	// TokenLifetime is how long an external ID token is valid after issue.
	TokenLifetime time.Duration

	// RefreshLead is how long before expiry a refresh becomes due.
	RefreshLead time.Duration

	// RefreshWindow bounds how old a record may get before its refresh
	// token is assumed dead and the user must sign in again.
	RefreshWindow time.Duration

	// Issuers are the iss claims that mark a token as external.
	Issuers []string
}

func (c Config) withDefaults() Config {
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = DefaultTokenLifetime
	}
	if c.RefreshLead <= 0 || c.RefreshLead >= c.TokenLifetime {
		c.RefreshLead = min(DefaultRefreshLead, c.TokenLifetime/2)
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = DefaultRefreshWindow
	}
	return c
}

// Manager is the schema-aware facade over the kv store.
type Manager struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store kv.Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Now returns the current time of the manager's clock.
func (m *Manager) Now() time.Time { return m.now() }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// StoreTokens writes an external record issued now and mirrors the ID
// token under every legacy alias.
func (m *Manager) StoreTokens(ctx context.Context, idToken, refreshToken, userID string) error {
	return m.Save(ctx, ExternalRecord{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		IssuedAt:     m.now(),
		UserID:       userID,
	})
}

// StoreLegacyToken writes a legacy bearer record.
func (m *Manager) StoreLegacyToken(ctx context.Context, token, userID string) error {
	return m.Save(ctx, LegacyRecord{BearerToken: token, UserID: userID})
}

// Save writes rec atomically, replacing whatever record was stored.
func (m *Manager) Save(ctx context.Context, rec Record) error {
	return txn.Run(ctx, m.store, func(tx *txn.Transaction) error {
		return m.stageRecord(tx, rec)
	})
}

// StoreSession writes rec and user in a single transaction.
func (m *Manager) StoreSession(ctx context.Context, rec Record, user User) error {
	raw, err := encodeUser(user)
	if err != nil {
		return err
	}

	return txn.Run(ctx, m.store, func(tx *txn.Transaction) error {
		if err := m.stageRecord(tx, rec); err != nil {
			return err
		}
		return tx.Add(KeyUser, raw)
	})
}

// StoreUser replaces the denormalized user.
func (m *Manager) StoreUser(ctx context.Context, user User) error {
	raw, err := encodeUser(user)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, KeyUser, raw)
}

// Rotate replaces the token pair after a successful refresh, keeping the
// stored user id. An empty refreshToken keeps the current one.
func (m *Manager) Rotate(ctx context.Context, idToken, refreshToken string) error {
	rec, err := m.Load(ctx)
	if err != nil {
		return err
	}

	ext, ok := rec.(ExternalRecord)
	if !ok {
		return fmt.Errorf("%w: cannot rotate a %s record", ErrInvalidRecord, rec.Version())
	}

	ext.IDToken = idToken
	if refreshToken != "" {
		ext.RefreshToken = refreshToken
	}
	ext.IssuedAt = m.now()
	return m.Save(ctx, ext)
}

func (m *Manager) stageRecord(tx *txn.Transaction, rec Record) error {
	if err := Validate(rec); err != nil {
		return err
	}

	type write struct{ key, value string }
	var writes []write

	switch r := rec.(type) {
	case ExternalRecord:
		writes = append(writes,
			write{KeyIDToken, r.IDToken},
			write{KeyRefreshToken, r.RefreshToken},
			write{KeyIssuedAt, strconv.FormatInt(r.IssuedAt.Unix(), 10)},
		)
	case LegacyRecord:
		// A legacy record never has refresh state; stale external keys
		// from a previous session must not survive the switch.
		writes = append(writes,
			write{KeyIDToken, ""},
			write{KeyRefreshToken, ""},
			write{KeyIssuedAt, ""},
		)
	}
	writes = append(writes,
		write{KeyUserID, rec.Subject()},
		write{KeyVersion, string(rec.Version())},
	)
	for _, alias := range legacyTokenKeys {
		writes = append(writes, write{alias, rec.Token()})
	}

	for _, w := range writes {
		if err := tx.Add(w.key, w.value); err != nil {
			return err
		}
	}
	return nil
}

// IDToken returns the first non-empty token found, checking the external
// key first and then each legacy alias.
func (m *Manager) IDToken(ctx context.Context) (string, bool, error) {
	for _, key := range TokenKeys() {
		v, ok, err := m.store.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok && v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// RefreshToken returns the stored refresh token.
func (m *Manager) RefreshToken(ctx context.Context) (string, bool, error) {
	return m.get(ctx, KeyRefreshToken)
}

// UserID returns the user id of the stored record.
func (m *Manager) UserID(ctx context.Context) (string, bool, error) {
	return m.get(ctx, KeyUserID)
}

// IssuedAt returns when the stored external token was issued.
func (m *Manager) IssuedAt(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := m.get(ctx, KeyIssuedAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		m.logger.Warn("token_issued_at_corrupt", "value", raw, "error", err)
		return time.Time{}, false, nil
	}
	return time.Unix(secs, 0), true, nil
}

// User returns the denormalized user, or nil when none is stored.
func (m *Manager) User(ctx context.Context) (*User, error) {
	raw, ok, err := m.get(ctx, KeyUser)
	if err != nil || !ok {
		return nil, err
	}

	u, err := DecodeUser(raw)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Version returns the stored version marker. A missing or corrupt marker
// is recovered from the token itself; with no token at all the answer is
// Legacy.
func (m *Manager) Version(ctx context.Context) (Version, error) {
	raw, ok, err := m.get(ctx, KeyVersion)
	if err != nil {
		return Legacy, err
	}
	if ok {
		if v, valid := ParseVersion(raw); valid {
			return v, nil
		}
		m.logger.Warn("token_version_marker_corrupt", "value", raw)
	}

	token, ok, err := m.IDToken(ctx)
	if err != nil || !ok {
		return Legacy, err
	}
	return m.DetectVersion(token), nil
}

// Load reconstructs the stored record.
func (m *Manager) Load(ctx context.Context) (Record, error) {
	token, ok, err := m.IDToken(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}

	version, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}

	userID, _, err := m.UserID(ctx)
	if err != nil {
		return nil, err
	}

	if version == Legacy {
		return LegacyRecord{BearerToken: token, UserID: userID}, nil
	}

	refresh, _, err := m.RefreshToken(ctx)
	if err != nil {
		return nil, err
	}
	issuedAt, _, err := m.IssuedAt(ctx)
	if err != nil {
		return nil, err
	}

	return ExternalRecord{
		IDToken:      token,
		RefreshToken: refresh,
		IssuedAt:     issuedAt,
		UserID:       userID,
	}, nil
}

// IsExpiringSoon reports whether the token is within RefreshLead of its
// lifetime. With no recorded issue time it reports true.
func (m *Manager) IsExpiringSoon(ctx context.Context, now time.Time) (bool, error) {
	issuedAt, ok, err := m.IssuedAt(ctx)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}

	age := now.Unix() - issuedAt.Unix()
	due := int64((m.cfg.TokenLifetime - m.cfg.RefreshLead) / time.Second)
	return age >= due, nil
}

// IsUnrecoverable reports whether the record is too old for its refresh
// token to still be honoured.
func (m *Manager) IsUnrecoverable(ctx context.Context, now time.Time) (bool, error) {
	issuedAt, ok, err := m.IssuedAt(ctx)
	if err != nil || !ok {
		return false, err
	}
	return now.Sub(issuedAt) >= m.cfg.RefreshWindow, nil
}

// ClearAll removes every key in the registry, including the user.
func (m *Manager) ClearAll(ctx context.Context) error {
	return txn.Run(ctx, m.store, func(tx *txn.Transaction) error {
		for _, key := range AllKeys() {
			if err := tx.Remove(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearUserScoped removes the legacy per-user keys of userID.
func (m *Manager) ClearUserScoped(ctx context.Context, userID string) error {
	keys := UserScopedKeys(userID)
	if len(keys) == 0 {
		return nil
	}
	return txn.Run(ctx, m.store, func(tx *txn.Transaction) error {
		for _, key := range keys {
			if err := tx.Remove(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// DetectVersion classifies token by its structure: a three segment JWT
// whose claims decode and whose issuer is one of the configured external
// issuers is External, anything else is Legacy.
func (m *Manager) DetectVersion(token string) Version {
	return DetectVersion(token, m.cfg.Issuers...)
}

// DetectVersion is the stateless form of Manager.DetectVersion.
func DetectVersion(token string, issuers ...string) Version {
	claims, err := jwtx.ParseUnverified(token)
	if err != nil {
		return Legacy
	}
	if err := claims.ValidateIssuer(issuers...); err != nil {
		return Legacy
	}
	return External
}

func (m *Manager) get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}
