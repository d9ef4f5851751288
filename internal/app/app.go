package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/cache"
	"github.com/aussiebroadwan/tabsession/internal/cookies"
	"github.com/aussiebroadwan/tabsession/internal/crosstab"
	"github.com/aussiebroadwan/tabsession/internal/idp"
	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/internal/kv/drivers/redis"
	"github.com/aussiebroadwan/tabsession/internal/kv/drivers/sqlite"
	"github.com/aussiebroadwan/tabsession/internal/kv/memory"
	"github.com/aussiebroadwan/tabsession/internal/metrics"
	"github.com/aussiebroadwan/tabsession/internal/realtime"
	"github.com/aussiebroadwan/tabsession/internal/refresh"
	"github.com/aussiebroadwan/tabsession/internal/requests"
	"github.com/aussiebroadwan/tabsession/internal/session"
	"github.com/aussiebroadwan/tabsession/internal/tokens"
	"github.com/aussiebroadwan/tabsession/pkg/authsdk"
	"github.com/aussiebroadwan/tabsession/pkg/cryptox"
	"github.com/aussiebroadwan/tabsession/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	// NotificationSessionRevoked is pushed when the backend ends a session
	// out of band, e.g. a password change on another device.
	NotificationSessionRevoked = "session_revoked"

	profileCacheKey = "profile"
)

// profileStore is what every kv driver provides.
type profileStore interface {
	kv.Store
	kv.Watcher
	io.Closer
}

// Application wires one tab's session stack onto a profile.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Storage
	store       profileStore
	housekeeper *sqlite.Housekeeper // sqlite only

	// Session stack
	tokens    *tokens.Manager
	backend   *idp.Backend
	scheduler *refresh.Scheduler
	requests  *requests.Registry
	cache     *cache.Cache
	realtime  *realtime.Client // nil without SESSION_REALTIME_URL
	cookies   *cookies.Mirror
	session   *session.Manager
	sync      *crosstab.Synchronizer
	metrics   *metrics.Metrics

	// Metrics endpoint, nil without METRICS_ADDR
	server *http.Server

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates an Application with every dependency initialized. The
// session is not restored until Start.
func New(cfg Config) (*Application, error) {
	logger := slogx.New(slogx.Config{
		Service: "tabsession",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})
	return NewWithLogger(cfg, logger)
}

// NewWithLogger is New with a caller supplied logger.
func NewWithLogger(cfg Config, logger *slog.Logger) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		cfg:     cfg,
		logger:  logger.With("profile", cfg.Profile),
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := app.initStore(); err != nil {
		cancel()
		return nil, err
	}

	if err := app.initSession(); err != nil {
		cancel()
		_ = app.store.Close()
		return nil, err
	}

	app.initHTTP()
	return app, nil
}

// Start restores the persisted session and begins following other tabs.
func (app *Application) Start(ctx context.Context) error {
	if err := app.session.Init(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}

	if app.housekeeper != nil {
		app.housekeeper.Start()
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.sync.Run(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("crosstab sync stopped", "error", err)
		}
	}()

	if state := app.session.State(); state.Authenticated() {
		app.connectRealtime(state.Token)
	}

	if app.server != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logger.Info("metrics server starting", "addr", app.server.Addr)
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	return nil
}

// Run blocks until a shutdown signal arrives or ctx is done, then shuts
// down.
func (app *Application) Run(ctx context.Context) error {
	app.logger.Info("session watcher running", "version", BuildVersion, "driver", app.cfg.StoreDriver)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
	case <-ctx.Done():
	}

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Shutdown stops every background worker and closes the profile. It is
// safe to call more than once.
func (app *Application) Shutdown() error {
	var err error
	app.closeOnce.Do(func() {
		err = app.shutdown()
	})
	return err
}

func (app *Application) shutdown() error {
	app.logger.Debug("shutting down session stack")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("graceful server shutdown failed", "error", err)
			if err := app.server.Close(); err != nil {
				app.logger.Error("error closing server", "error", err)
			}
		}
	}

	app.unsubscribe()
	app.session.Dispose()
	app.cancel()

	if app.realtime != nil {
		if err := app.realtime.Disconnect(); err != nil {
			app.logger.Warn("realtime disconnect failed", "error", err)
		}
	}

	app.wg.Wait()

	if app.housekeeper != nil {
		app.housekeeper.Stop()
	}

	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing profile store", "error", err)
		return err
	}
	return nil
}

// Login signs in with the password grant.
func (app *Application) Login(ctx context.Context, username, password string) error {
	creds, user, err := app.backend.SignIn(ctx, username, password)
	if err != nil {
		return errors.Join(session.ErrLoginFailed, err)
	}
	return app.session.Login(ctx, creds, user)
}

// Register creates an account and signs it in.
func (app *Application) Register(ctx context.Context, req authsdk.RegisterRequest) error {
	creds, user, err := app.backend.SignUp(ctx, req)
	if err != nil {
		return errors.Join(session.ErrRegisterFailed, err)
	}
	return app.session.Register(ctx, creds, user)
}

// Profile returns the backend profile of the signed-in user. Results are
// cached per user and dropped whenever the identity changes.
func (app *Application) Profile(ctx context.Context) (tokens.User, error) {
	userID := app.session.CurrentUserID()
	if userID == "" {
		return tokens.User{}, session.ErrNotAuthenticated
	}

	return cache.Load(ctx, app.cache, userID, profileCacheKey, func(ctx context.Context) (tokens.User, error) {
		token, err := app.session.EnsureFreshToken(ctx)
		if err != nil {
			return tokens.User{}, err
		}
		return app.backend.FetchProfile(requests.WithIdentity(ctx, userID), token)
	})
}

func (app *Application) Session() *session.Manager     { return app.session }
func (app *Application) Scheduler() *refresh.Scheduler { return app.scheduler }
func (app *Application) Cookies() *cookies.Mirror      { return app.cookies }
func (app *Application) Metrics() *metrics.Metrics     { return app.metrics }
func (app *Application) Logger() *slog.Logger          { return app.logger }

// initStore opens the profile with the configured driver.
func (app *Application) initStore() error {
	switch app.cfg.StoreDriver {
	case "memory":
		app.store = memory.NewProfile(memory.WithQuota(app.cfg.MemoryQuota)).Tab()

	case "redis":
		if app.cfg.RedisURL == "" {
			return errors.New("SESSION_REDIS_URL is required for the redis driver")
		}
		store, err := redis.NewStore(app.cfg.RedisURL, app.cfg.Profile, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open redis profile: %w", err)
		}
		app.store = store

	case "sqlite", "":
		opts := []sqlite.Option{
			sqlite.WithLogger(app.logger),
			sqlite.WithPollInterval(app.cfg.WatchInterval),
		}
		if app.cfg.ProfileKeyFile != "" {
			sealer, err := cryptox.NewSealerFromFile(app.cfg.ProfileKeyFile, []byte("tabsession:"+app.cfg.Profile))
			if err != nil {
				return err
			}
			opts = append(opts, sqlite.WithSealer(sealer))
		}

		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
		store, err := sqlite.NewStore(dsn, opts...)
		if err != nil {
			return fmt.Errorf("failed to open profile database: %w", err)
		}
		if err := store.ApplyMigrations(); err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to apply profile migrations: %w", err)
		}
		app.store = store
		app.housekeeper = sqlite.NewHousekeeper(store, app.logger, app.cfg.HousekeepingInterval, app.cfg.HousekeepingInterval)

	default:
		return fmt.Errorf("unknown store driver %q", app.cfg.StoreDriver)
	}

	app.logger.Debug("profile store opened", "driver", app.cfg.StoreDriver)
	return nil
}

// initSession builds the session stack on top of the store.
func (app *Application) initSession() error {
	app.tokens = tokens.NewManager(app.store, tokens.Config{
		TokenLifetime: app.cfg.TokenLifetime,
		RefreshLead:   app.cfg.RefreshLead,
		RefreshWindow: app.cfg.RefreshWindow,
		Issuers:       app.cfg.Issuers,
	}, app.logger)

	mirror, err := cookies.NewMirror(app.cfg.SiteURL)
	if err != nil {
		return fmt.Errorf("failed to create cookie mirror: %w", err)
	}
	app.cookies = mirror

	app.requests = requests.NewRegistry(app.logger)
	app.requests.OnAbort = app.metrics.ObserveAborted

	client := authsdk.NewClient(app.cfg.APIURL, app.cfg.ClientID).WithTransport(&requests.Transport{
		Base:     &slogx.Transport{Logger: app.logger},
		Registry: app.requests,
	})
	client.HTTPClient.Jar = mirror.Jar()
	app.backend = idp.NewBackend(client)

	var (
		renewer refresh.Renewer = app.backend
		revoker session.Revoker = app.backend
	)
	if app.cfg.IDPTokenURL != "" {
		provider := idp.NewOAuth2Renewer(app.cfg.ClientID, app.cfg.IDPTokenURL, app.cfg.IDPRevokeURL, &http.Client{
			Timeout:   app.cfg.RenewTimeout,
			Transport: &slogx.Transport{Logger: app.logger},
		})
		renewer = provider
		if app.cfg.IDPRevokeURL != "" {
			revoker = provider
		}
	}

	app.scheduler = refresh.NewScheduler(app.tokens, renewer, refresh.Config{
		Interval: app.cfg.RefreshInterval,
		Timeout:  app.cfg.RenewTimeout,
		Observe:  app.metrics.ObserveRefresh,
	}, app.logger)

	app.cache = cache.New(app.logger)
	app.cache.OnInvalidate = app.metrics.ObserveInvalidation

	deps := session.Deps{
		Tokens:        app.tokens,
		Scheduler:     app.scheduler,
		Requests:      app.requests,
		Profiles:      app.backend,
		Revoker:       revoker,
		Cache:         app.cache,
		Cookies:       mirror,
		Navigator:     logNavigator{logger: app.logger},
		RevokeTimeout: app.cfg.RevokeTimeout,
		Logger:        app.logger,
	}
	if app.cfg.RealtimeURL != "" {
		app.realtime = realtime.NewClient(app.cfg.RealtimeURL, app.logger)
		app.realtime.OnNotification = app.onNotification
		deps.Realtime = app.realtime
	}

	app.session = session.NewManager(deps)
	app.unsubscribe = app.session.Subscribe(app.onSessionEvent)

	app.sync = crosstab.NewSynchronizer(app.store, app.session, app.logger)
	app.sync.OnReconcile = app.metrics.ObserveReconcile
	return nil
}

// initHTTP prepares the metrics endpoint.
func (app *Application) initHTTP() {
	if app.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", app.metrics.Handler())
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.server = &http.Server{
		Addr:              app.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

func (app *Application) onSessionEvent(ev session.Event) {
	app.metrics.ObserveSessionEvent(ev)
	app.logger.Info("session event", "kind", ev.Kind, "user_id", ev.Session.UserID())

	switch ev.Kind {
	case session.EventLogin, session.EventRegister, session.EventRemoteLogin, session.EventTokenRefreshed:
		app.connectRealtime(ev.Session.Token)
	}
}

// connectRealtime (re)dials in the background with the current token.
func (app *Application) connectRealtime(token string) {
	if app.realtime == nil || app.ctx.Err() != nil {
		return
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.realtime.Connect(app.ctx, token); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Warn("realtime connect failed", "error", err)
		}
	}()
}

// onNotification runs on the realtime read loop, so anything that
// disconnects has to happen elsewhere.
func (app *Application) onNotification(n realtime.Notification) {
	app.logger.Debug("realtime notification", "type", n.Type, "user_id", n.UserID)

	if n.Type != NotificationSessionRevoked || n.UserID != app.session.CurrentUserID() || app.ctx.Err() != nil {
		return
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.session.Logout(app.ctx); err != nil {
			app.logger.Warn("logout after revocation incomplete", "error", err)
		}
	}()
}

type logNavigator struct {
	logger *slog.Logger
}

func (n logNavigator) Navigate(to session.Destination) {
	n.logger.Info("navigate", "to", to)
}
