// Package sqlite is an on-disk kv driver. Every mutation is recorded in a
// change log alongside the value so other processes sharing the profile
// file can observe it by polling.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/pkg/cryptox"
	"github.com/aussiebroadwan/tabsession/pkg/idx"
	_ "modernc.org/sqlite"
)

const defaultPollInterval = 250 * time.Millisecond

type Store struct {
	db           *sql.DB
	dsn          string
	origin       string
	sealer       *cryptox.Sealer
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOrigin overrides the generated origin id.
func WithOrigin(origin string) Option { return func(s *Store) { s.origin = origin } }

// WithSealer encrypts values at rest.
func WithSealer(sealer *cryptox.Sealer) Option { return func(s *Store) { s.sealer = sealer } }

// WithPollInterval sets how often Watch polls the change log.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for watch diagnostics.
func WithLogger(logger *slog.Logger) Option { return func(s *Store) { s.logger = logger } }

// NewStore opens the profile database at dsn. Callers should run
// ApplyMigrations before use.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Every connection to ":memory:" is its own database, pin to one.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		dsn:          dsn,
		origin:       idx.New().String(),
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Origin returns the id stamped on this store's change log rows.
func (s *Store) Origin() string { return s.origin }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}

	value, err := s.open(key, raw)
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.write(ctx, key, &value)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.write(ctx, key, nil)
}

// write swaps the value and appends the change row in one sqlite
// transaction so the log never disagrees with the data.
func (s *Store) write(ctx context.Context, key string, value *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	var old sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("write %q: %w", key, err)
	}

	now := s.now().UTC().Unix()

	var stored sql.NullString
	if value == nil {
		if !old.Valid {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
			return fmt.Errorf("remove %q: %w", key, err)
		}
	} else {
		sealed, err := s.seal(key, *value)
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		stored = sql.NullString{String: sealed, Valid: true}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, sealed, now)
		if err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_changes (key, old_value, new_value, origin, created_at) VALUES (?, ?, ?, ?, ?)`,
		key, old, stored, s.origin, now)
	if err != nil {
		return fmt.Errorf("log change %q: %w", key, err)
	}

	return tx.Commit()
}

// TrimChanges deletes change log rows older than maxAge and returns how
// many were removed.
func (s *Store) TrimChanges(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_changes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) seal(key, value string) (string, error) {
	if s.sealer == nil {
		return value, nil
	}
	return s.sealer.Seal(key, value)
}

func (s *Store) open(key, raw string) (string, error) {
	if s.sealer == nil {
		if cryptox.IsSealed(raw) {
			return "", cryptox.ErrOpen
		}
		return raw, nil
	}
	return s.sealer.Open(key, raw)
}

func (s *Store) openNull(key string, ns sql.NullString) (*string, error) {
	if !ns.Valid {
		return nil, nil
	}
	v, err := s.open(key, ns.String)
	if err != nil {
		return nil, err
	}
	return kv.StringPtr(v), nil
}
