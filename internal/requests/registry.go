// Package requests tracks outbound requests per identity so a sign-out can
// cancel everything the outgoing identity still has in flight.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/tabsession/pkg/idx"
	"github.com/aussiebroadwan/tabsession/pkg/slogx"
)

// ErrAborted is the cancellation cause of an aborted request.
var ErrAborted = errors.New("requests: aborted by session change")

// CancelFunc cancels one request. It may fail or even panic; the registry
// carries on with the remaining entries either way.
type CancelFunc func() error

// Entry is a registered in-flight request.
type Entry struct {
	ID      idx.ID
	UserID  string
	Method  string
	URL     string
	Started time.Time

	cancel  CancelFunc
	release func()
	reg     *Registry
	once    sync.Once
}

// Done deregisters the entry. It is safe to call more than once and after
// an abort.
func (e *Entry) Done() {
	e.once.Do(func() {
		e.reg.remove(e.ID)
		if e.release != nil {
			e.release()
		}
	})
}

// Registry holds in-flight requests.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	// OnAbort, when set, is told how many entries each abort cancelled.
	OnAbort func(n int)

	mu      sync.Mutex
	entries map[idx.ID]*Entry
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		now:     time.Now,
		entries: make(map[idx.ID]*Entry),
	}
}

// Track registers a request issued for userID and returns a context that
// is cancelled with ErrAborted if the request is aborted. The caller must
// call Done when the request completes, successfully or not; Done also
// releases the returned context. The context carries the entry id as its
// request id and a logger tagged with userID.
func (r *Registry) Track(ctx context.Context, userID, method, url string) (context.Context, *Entry) {
	ctx, cancel := context.WithCancelCause(ctx)

	e := r.newEntry(userID, method, url, func() error {
		cancel(ErrAborted)
		return nil
	})
	e.release = func() { cancel(context.Canceled) }

	ctx = slogx.WithContext(ctx, r.logger.With("user_id", userID))
	ctx = slogx.WithRequestID(ctx, e.ID.String())

	r.insert(e)
	return ctx, e
}

// Register adds a request that is cancelled through cancel instead of a
// context.
func (r *Registry) Register(userID, method, url string, cancel CancelFunc) *Entry {
	e := r.newEntry(userID, method, url, cancel)
	r.insert(e)
	return e
}

// Len returns the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending returns the number of in-flight entries issued for userID.
func (r *Registry) Pending(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

// AbortAll cancels and removes every entry. It returns the number of
// entries aborted and the errors of handles that failed.
func (r *Registry) AbortAll() (int, error) {
	return r.abort(func(*Entry) bool { return true })
}

// AbortUser cancels and removes the entries issued for userID.
func (r *Registry) AbortUser(userID string) (int, error) {
	return r.abort(func(e *Entry) bool { return e.UserID == userID })
}

func (r *Registry) abort(match func(*Entry) bool) (int, error) {
	r.mu.Lock()
	var victims []*Entry
	for id, e := range r.entries {
		if match(e) {
			victims = append(victims, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range victims {
		if err := r.cancelEntry(e); err != nil {
			r.logger.Warn("request_abort_failed",
				"request_id", e.ID,
				"user_id", e.UserID,
				"method", e.Method,
				"url", e.URL,
				"error", err,
			)
			errs = append(errs, err)
		}
		// Completion after an abort must not touch the map again.
		e.once.Do(func() {
			if e.release != nil {
				e.release()
			}
		})
	}

	if len(victims) > 0 {
		r.logger.Info("requests_aborted", "count", len(victims), "failed", len(errs))
	}
	if r.OnAbort != nil {
		r.OnAbort(len(victims))
	}

	return len(victims), errors.Join(errs...)
}

func (r *Registry) cancelEntry(e *Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("requests: cancel %s panicked: %v", e.ID, p)
		}
	}()
	return e.cancel()
}

func (r *Registry) newEntry(userID, method, url string, cancel CancelFunc) *Entry {
	now := r.now()
	return &Entry{
		ID:      idx.NewAt(now),
		UserID:  userID,
		Method:  method,
		URL:     url,
		Started: now,
		cancel:  cancel,
		reg:     r,
	}
}

func (r *Registry) insert(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

func (r *Registry) remove(id idx.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}
