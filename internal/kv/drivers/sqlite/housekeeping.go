package sqlite

import (
	"context"
	"log/slog"
	"time"
)

// Housekeeper periodically trims the change log so it does not grow
// without bound. Watchers only need rows newer than their last poll.
type Housekeeper struct {
	Store     *Store
	Logger    *slog.Logger
	Interval  time.Duration
	Retention time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeeper creates a housekeeper. Non-positive durations default to
// an hourly trim with a one hour retention.
func NewHousekeeper(store *Store, logger *slog.Logger, interval, retention time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = time.Hour
	}

	return &Housekeeper{
		Store:     store,
		Logger:    logger,
		Interval:  interval,
		Retention: retention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down.
func (h *Housekeeper) Start() {
	go h.run()
	h.Logger.Info("kv housekeeping started", "interval", h.Interval, "retention", h.Retention)
}

// Stop blocks until the worker has finished any in-progress trim.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
	h.Logger.Info("kv housekeeping stopped")
}

func (h *Housekeeper) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	h.cleanup()

	for {
		select {
		case <-ticker.C:
			h.cleanup()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Housekeeper) cleanup() {
	n, err := h.Store.TrimChanges(context.Background(), h.Retention)
	if err != nil {
		h.Logger.Error("failed to trim kv change log", "error", err)
		return
	}
	h.Logger.Debug("trimmed kv change log", "rows", n)
}
