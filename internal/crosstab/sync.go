package crosstab

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/internal/session"
)

// Target is the session a Synchronizer keeps in step. *session.Manager
// implements it.
type Target interface {
	State() session.Snapshot
	ApplyRemoteLogout(ctx context.Context)
	AdoptRemote(ctx context.Context) error
}

// Synchronizer applies foreign change events to a Target.
type Synchronizer struct {
	watcher kv.Watcher
	target  Target
	logger  *slog.Logger

	// OnReconcile, when set, is told every non-ignored action.
	OnReconcile func(Action)
}

func NewSynchronizer(watcher kv.Watcher, target Target, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{watcher: watcher, target: target, logger: logger}
}

// Run watches the profile and applies change events until ctx is done or
// the watcher closes its channel.
func (s *Synchronizer) Run(ctx context.Context) error {
	events, err := s.watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("crosstab: watch: %w", err)
	}
	return s.Consume(ctx, events)
}

// Consume applies events one at a time in delivery order.
func (s *Synchronizer) Consume(ctx context.Context, events <-chan kv.ChangeEvent) error {
	s.logger.Info("crosstab_sync_started")
	defer s.logger.Info("crosstab_sync_stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			s.Apply(ctx, ev)
		}
	}
}

// Apply reconciles a single event.
func (s *Synchronizer) Apply(ctx context.Context, ev kv.ChangeEvent) Action {
	action := Reconcile(s.target.State(), ev)

	switch action {
	case Logout:
		s.target.ApplyRemoteLogout(ctx)
	case Adopt:
		if err := s.target.AdoptRemote(ctx); err != nil {
			s.logger.Warn("crosstab_adopt_failed", "key", ev.Key, "origin", ev.Origin, "error", err)
		}
	default:
		return action
	}

	s.logger.Debug("crosstab_reconciled", "key", ev.Key, "origin", ev.Origin, "action", action)
	if s.OnReconcile != nil {
		s.OnReconcile(action)
	}
	return action
}
