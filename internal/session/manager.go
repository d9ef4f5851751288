package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"github.com/aussiebroadwan/tabsession/internal/requests"
	"github.com/aussiebroadwan/tabsession/internal/tokens"
)

const DefaultRevokeTimeout = 5 * time.Second

// Deps are the collaborators of a Manager. Tokens is required; every
// other field may be left nil.
type Deps struct {
	Tokens    *tokens.Manager
	Scheduler *refresh.Scheduler
	Requests  *requests.Registry

	Profiles  ProfileFetcher
	Revoker   Revoker
	Cache     CacheInvalidator
	Realtime  RealtimeDisconnector
	Cookies   CookieMirror
	Navigator Navigator

	// RevokeTimeout bounds the best-effort revoke on logout.
	RevokeTimeout time.Duration

	Logger *slog.Logger
}

// Manager is the session of one tab.
//
// Operations that change the identity (login, register, logout and the
// remote variants) run their local steps one at a time. Only the profile
// enrichment after a login runs concurrently, and it re-checks the
// identity before it writes anything.
type Manager struct {
	tokens        *tokens.Manager
	scheduler     *refresh.Scheduler
	requests      *requests.Registry
	profiles      ProfileFetcher
	revoker       Revoker
	cache         CacheInvalidator
	realtime      RealtimeDisconnector
	cookies       CookieMirror
	nav           Navigator
	revokeTimeout time.Duration
	logger        *slog.Logger

	// op serializes identity changes. Lock order is op, then mu.
	op sync.Mutex

	mu          sync.Mutex
	state       Snapshot
	subs        map[uint64]func(Event)
	nextSub     uint64
	initialized bool
	disposed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(deps Deps) *Manager {
	if deps.Tokens == nil {
		panic("session: Deps.Tokens is required")
	}

	m := &Manager{
		tokens:        deps.Tokens,
		scheduler:     deps.Scheduler,
		requests:      deps.Requests,
		profiles:      deps.Profiles,
		revoker:       deps.Revoker,
		cache:         deps.Cache,
		realtime:      deps.Realtime,
		cookies:       deps.Cookies,
		nav:           deps.Navigator,
		revokeTimeout: deps.RevokeTimeout,
		logger:        deps.Logger,
		state:         anonymous(),
		subs:          make(map[uint64]func(Event)),
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.requests == nil {
		m.requests = requests.NewRegistry(m.logger)
	}
	if m.profiles == nil {
		m.profiles = noopProfiles{}
	}
	if m.revoker == nil {
		m.revoker = noopRevoker{}
	}
	if m.cache == nil {
		m.cache = noopCache{}
	}
	if m.realtime == nil {
		m.realtime = noopRealtime{}
	}
	if m.cookies == nil {
		m.cookies = noopCookies{}
	}
	if m.nav == nil {
		m.nav = noopNavigator{}
	}
	if m.revokeTimeout <= 0 {
		m.revokeTimeout = DefaultRevokeTimeout
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.scheduler != nil {
		m.scheduler.OnRefreshed = m.onRefreshed
		m.scheduler.OnTerminal = m.onTerminal
	}

	return m
}

// Requests returns the registry outbound calls of this session are
// tracked in.
func (m *Manager) Requests() *requests.Registry { return m.requests }

// Init restores the session from storage. A stored user that does not
// belong to the stored token record is treated as corruption and the
// whole record is cleared.
func (m *Manager) Init(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	snap, err := m.restore(ctx)
	if err != nil {
		m.logger.Warn("session_restore_failed", "error", err)
		if clearErr := m.tokens.ClearAll(ctx); clearErr != nil {
			return fmt.Errorf("clear unrestorable session: %w", errors.Join(err, clearErr))
		}
		snap = anonymous()
	}

	m.setState(snap)

	if snap.Authenticated() {
		m.logger.Info("session_restored", "user_id", snap.UserID(), "version", snap.Version)
		m.startScheduler(snap.Version)
		if err := m.cookies.SetSession(snap.Token); err != nil {
			m.logger.Warn("session_cookie_set_failed", "error", err)
		}
	}
	return nil
}

var errRestoreMismatch = errors.New("stored user does not match token record")

func (m *Manager) restore(ctx context.Context) (Snapshot, error) {
	rec, err := m.tokens.Load(ctx)
	if errors.Is(err, tokens.ErrNoRecord) {
		return anonymous(), nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	user, err := m.tokens.User(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	switch {
	case user == nil && rec.Subject() != "":
		// Written by a client that did not keep the user object yet.
		user = &tokens.User{ID: rec.Subject()}
		m.enrichAsync(rec.Subject(), rec.Token())
	case user == nil || user.ID != rec.Subject():
		return Snapshot{}, errRestoreMismatch
	}

	dead, err := m.tokens.IsUnrecoverable(ctx, time.Now())
	if err != nil {
		return Snapshot{}, err
	}
	if rec.Version() == tokens.External && dead {
		return Snapshot{}, ErrSessionExpired
	}

	return Snapshot{User: user, Token: rec.Token(), Version: rec.Version()}, nil
}

// Dispose stops background work and drops subscribers. The stored session
// is left intact.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.subs = make(map[uint64]func(Event))
	m.mu.Unlock()

	m.stopScheduler()
	m.cancel()
	m.wg.Wait()
}

// State returns a copy of the in-memory session.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// CurrentToken returns the bearer token, or "" when anonymous.
func (m *Manager) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Token
}

// CurrentUserID returns the user id, or "" when anonymous.
func (m *Manager) CurrentUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UserID()
}

// AuthVersion returns the version of the current session. Anonymous
// sessions report Legacy.
func (m *Manager) AuthVersion() tokens.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Version
}

// Subscribe registers fn for session events and returns its
// unsubscribe function. Events are delivered on the goroutine that
// caused them, after the state change is visible through State.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// EnsureFreshToken renews the token first if it is due and returns the
// current one.
func (m *Manager) EnsureFreshToken(ctx context.Context) (string, error) {
	snap := m.State()
	if !snap.Authenticated() {
		return "", ErrNotAuthenticated
	}

	if m.scheduler != nil && snap.Version == tokens.External {
		outcome, err := m.scheduler.RefreshNow(ctx)
		switch outcome {
		case refresh.Terminal, refresh.NeedsReLogin:
			return "", ErrSessionExpired
		case refresh.Failed:
			// A transient failure leaves a token that may still be valid.
			m.logger.Warn("token_refresh_on_demand_failed", "error", err)
		}
	}

	token := m.CurrentToken()
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

// UpdateUser applies patch to the current user and persists it.
func (m *Manager) UpdateUser(ctx context.Context, patch tokens.UserPatch) error {
	m.op.Lock()
	defer m.op.Unlock()

	snap := m.State()
	if !snap.Authenticated() {
		return ErrNotAuthenticated
	}

	updated := patch.Apply(*snap.User)
	if err := m.tokens.StoreUser(ctx, updated); err != nil {
		return fmt.Errorf("store user: %w", err)
	}

	m.mu.Lock()
	m.state.User = &updated
	next := m.state.clone()
	m.mu.Unlock()

	m.emit(Event{Kind: EventUserUpdated, Session: next})
	return nil
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.disposed:
		return ErrDisposed
	case !m.initialized:
		return ErrNotInitialized
	}
	return nil
}

// setState replaces the in-memory session and returns the previous one.
func (m *Manager) setState(s Snapshot) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s.clone()
	return prev
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) startScheduler(v tokens.Version) {
	if m.scheduler == nil {
		return
	}
	if v == tokens.External {
		m.scheduler.Start(m.ctx)
		return
	}
	m.scheduler.Stop()
}

func (m *Manager) stopScheduler() {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
}

// onRefreshed adopts a token the scheduler renewed, unless the identity
// changed while the renewal was out.
func (m *Manager) onRefreshed(rec tokens.ExternalRecord) {
	m.mu.Lock()
	if m.state.UserID() != rec.UserID || m.state.Token == "" {
		m.mu.Unlock()
		return
	}
	m.state.Token = rec.IDToken
	m.state.Version = tokens.External
	next := m.state.clone()
	m.mu.Unlock()

	if err := m.cookies.SetSession(rec.IDToken); err != nil {
		m.logger.Warn("session_cookie_set_failed", "error", err)
	}
	m.emit(Event{Kind: EventTokenRefreshed, Session: next})
}

// onTerminal runs the expiry teardown off the scheduler's goroutine; the
// teardown takes the op lock, which a concurrent Logout may hold while it
// waits for the scheduler to stop.
func (m *Manager) onTerminal(cause error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.expire(cause)
	}()
}
