// Package refresh keeps external ID tokens fresh. A Scheduler is started
// and stopped by its owner; while running it checks immediately and then
// on a fixed interval, renewing the token when it is close to expiry.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/tokens"
	"golang.org/x/time/rate"
)

// ErrInvalidSession is the terminal renewal failure: the identity
// provider rejected the refresh token and only a new sign-in can help.
// Renewer implementations wrap it; anything else is treated as transient.
var ErrInvalidSession = errors.New("refresh: invalid session")

// Renewal is a successful token renewal.
type Renewal struct {
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Renewer exchanges a refresh token for a new token pair.
type Renewer interface {
	Refresh(ctx context.Context, refreshToken string) (Renewal, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, refreshToken string) (Renewal, error)

func (f RenewerFunc) Refresh(ctx context.Context, refreshToken string) (Renewal, error) {
	return f(ctx, refreshToken)
}

// Outcome is the result of one check.
type Outcome int

const (
	InFlight     Outcome = iota // another check is renewing
	NotExternal                 // legacy sessions never refresh
	NoRecord                    // nothing stored
	Fresh                       // not due yet
	NeedsReLogin                // refresh cannot succeed, sign in again
	Refreshed                   // renewed and stored
	Superseded                  // renewed, but the session changed meanwhile
	Paced                       // due, but the rate limiter said wait
	Failed                      // transient failure, retried next tick
	Terminal                    // tokens cleared, owner should stop us
)

var outcomeNames = [...]string{
	InFlight:     "in_flight",
	NotExternal:  "not_external",
	NoRecord:     "no_record",
	Fresh:        "fresh",
	NeedsReLogin: "needs_relogin",
	Refreshed:    "refreshed",
	Superseded:   "superseded",
	Paced:        "paced",
	Failed:       "failed",
	Terminal:     "terminal",
}

func (o Outcome) String() string {
	if int(o) >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = 30 * time.Second
)

type Config struct {
	// Interval between checks while running.
	Interval time.Duration

	// Timeout bounds every renewal call.
	Timeout time.Duration

	// Pace limits how often renewal calls may be issued. A nil limiter
	// allows one call every ten seconds with a burst of three.
	Pace *rate.Limiter

	// Observe, when set, is told the outcome of every check.
	Observe func(Outcome)
}

// Scheduler refreshes tokens held by a tokens.Manager.
type Scheduler struct {
	tokens  *tokens.Manager
	renewer Renewer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	// OnRefreshed is called after a renewed record has been stored.
	OnRefreshed func(tokens.ExternalRecord)

	// OnTerminal is called after tokens were cleared for a terminal
	// failure. When the timer triggered the check the loop has already
	// gone idle, so calling Stop from the hook is safe.
	OnTerminal func(error)

	inFlight atomic.Bool

	mu   sync.Mutex
	loop *loop
}

type loop struct {
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewScheduler creates an idle scheduler.
func NewScheduler(tm *tokens.Manager, renewer Renewer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Pace == nil {
		cfg.Pace = rate.NewLimiter(rate.Every(10*time.Second), 3)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		tokens:  tm,
		renewer: renewer,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Running reports whether the periodic loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

// Start begins the periodic loop. Starting a running scheduler is a no-op.
// The loop also ends when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &loop{stop: make(chan struct{}), done: make(chan struct{}), cancel: cancel}
	s.loop = l
	go s.run(ctx, l)

	s.logger.Info("refresh scheduler started", "interval", s.cfg.Interval)
}

// Stop ends the periodic loop, aborts a renewal it has in flight and waits
// for the loop to exit. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	l := s.loop
	s.loop = nil
	s.mu.Unlock()

	if l == nil {
		return
	}

	close(l.stop)
	l.cancel()
	<-l.done
	s.logger.Info("refresh scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	defer close(l.done)
	defer l.cancel()
	defer s.detach(l)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		outcome, err := s.check(ctx)
		if outcome == Terminal {
			s.detach(l)
			s.terminal(err)
			return
		}

		select {
		case <-ticker.C:
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// detach clears l as the active loop if it still is.
func (s *Scheduler) detach(l *loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == l {
		s.loop = nil
	}
}

// RefreshNow runs one check outside the timer, sharing the in-progress
// guard with it.
func (s *Scheduler) RefreshNow(ctx context.Context) (Outcome, error) {
	outcome, err := s.check(ctx)
	if outcome == Terminal {
		s.terminal(err)
	}
	return outcome, err
}

func (s *Scheduler) terminal(err error) {
	if s.OnTerminal != nil {
		s.OnTerminal(err)
	}
}

func (s *Scheduler) check(ctx context.Context) (outcome Outcome, err error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.observe(InFlight)
		return InFlight, nil
	}
	defer s.inFlight.Store(false)
	defer func() { s.observe(outcome) }()

	version, err := s.tokens.Version(ctx)
	if err != nil {
		return Failed, fmt.Errorf("read version: %w", err)
	}
	if version != tokens.External {
		return NotExternal, nil
	}

	rec, err := s.tokens.Load(ctx)
	if errors.Is(err, tokens.ErrNoRecord) {
		return NoRecord, nil
	}
	if err != nil {
		return Failed, fmt.Errorf("load record: %w", err)
	}

	ext, ok := rec.(tokens.ExternalRecord)
	if !ok || ext.RefreshToken == "" {
		return NeedsReLogin, nil
	}

	now := s.now()

	dead, err := s.tokens.IsUnrecoverable(ctx, now)
	if err != nil {
		return Failed, err
	}
	if dead {
		s.logger.Info("refresh_skipped_session_too_old", "user_id", ext.UserID)
		return NeedsReLogin, nil
	}

	due, err := s.tokens.IsExpiringSoon(ctx, now)
	if err != nil {
		return Failed, err
	}
	if !due {
		return Fresh, nil
	}

	if !s.cfg.Pace.Allow() {
		return Paced, nil
	}

	return s.renew(ctx, ext)
}

func (s *Scheduler) renew(ctx context.Context, ext tokens.ExternalRecord) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	renewal, err := s.renewer.Refresh(callCtx, ext.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			// Another tab sharing the profile may have spent the same
			// refresh token first; its rotation is not a dead session.
			if rt, ok, _ := s.tokens.RefreshToken(ctx); ok && rt != ext.RefreshToken {
				s.logger.Info("refresh_result_discarded", "user_id", ext.UserID)
				return Superseded, nil
			}

			s.logger.Warn("refresh_rejected", "user_id", ext.UserID, "error", err)
			if clearErr := s.tokens.ClearAll(context.WithoutCancel(ctx)); clearErr != nil {
				s.logger.Error("failed to clear tokens after rejected refresh", "error", clearErr)
			}
			return Terminal, err
		}

		s.logger.Warn("refresh_failed", "user_id", ext.UserID, "error", err)
		return Failed, err
	}

	if renewal.IDToken == "" {
		return Failed, fmt.Errorf("refresh: renewal without id token")
	}

	// The session may have been replaced while the call was out. Only a
	// record still holding the refresh token we spent may be rotated.
	current, err := s.tokens.Load(ctx)
	if err != nil && !errors.Is(err, tokens.ErrNoRecord) {
		return Failed, fmt.Errorf("reload record: %w", err)
	}
	cur, ok := current.(tokens.ExternalRecord)
	if !ok || cur.RefreshToken != ext.RefreshToken || cur.UserID != ext.UserID {
		s.logger.Info("refresh_result_discarded", "user_id", ext.UserID)
		return Superseded, nil
	}

	if err := s.tokens.Rotate(ctx, renewal.IDToken, renewal.RefreshToken); err != nil {
		return Failed, fmt.Errorf("store renewed tokens: %w", err)
	}

	rec, err := s.tokens.Load(ctx)
	if err != nil {
		return Failed, fmt.Errorf("reload record: %w", err)
	}
	ext, _ = rec.(tokens.ExternalRecord)

	s.logger.Info("token_refreshed", "user_id", ext.UserID, "expires_in", renewal.ExpiresIn)
	if s.OnRefreshed != nil {
		s.OnRefreshed(ext)
	}
	return Refreshed, nil
}

func (s *Scheduler) observe(o Outcome) {
	if s.cfg.Observe != nil {
		s.cfg.Observe(o)
	}
}
