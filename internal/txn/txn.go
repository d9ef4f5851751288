// Package txn groups several kv writes into one unit. A failed commit
// restores every key it touched to the value held before the commit
// started. The engine knows nothing about what the keys mean.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aussiebroadwan/tabsession/internal/kv"
)

var (
	ErrClosed           = errors.New("txn: closed transaction")
	ErrAlreadyCommitted = errors.New("txn: transaction already committed")
	ErrCommitFailed     = errors.New("txn: commit failed")
)

// State of a transaction.
type State int

const (
	Pending State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CommitError reports a failed commit. Err is the write failure that
// aborted the commit; RestoreErr is non-nil when putting a backup back
// also failed, in which case the named keys may be left modified.
type CommitError struct {
	Key        string
	Err        error
	RestoreErr error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("txn: commit failed writing %q: %v", e.Key, e.Err)
	if e.RestoreErr != nil {
		msg += fmt.Sprintf(" (restore failed: %v)", e.RestoreErr)
	}
	return msg
}

func (e *CommitError) Unwrap() []error {
	return []error{ErrCommitFailed, e.Err}
}

// op is one staged write; a nil value is a removal.
type op struct {
	key   string
	value *string
}

// backup is a key's raw value at first touch.
type backup struct {
	value   string
	present bool
}

// Transaction stages writes against a kv.Store.
type Transaction struct {
	store kv.Store

	mu      sync.Mutex
	ops     []op
	backups map[string]backup
	order   []string
	state   State
}

// New starts a pending transaction.
func New(store kv.Store) *Transaction {
	return &Transaction{
		store:   store,
		backups: make(map[string]backup),
	}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Add stages a write. An empty value stages a removal, since absence is
// always represented by a missing key.
func (t *Transaction) Add(key, value string) error {
	if value == "" {
		return t.stage(key, nil)
	}
	return t.stage(key, &value)
}

// Remove stages a removal.
func (t *Transaction) Remove(key string) error {
	return t.stage(key, nil)
}

func (t *Transaction) stage(key string, value *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Pending {
		return ErrClosed
	}
	t.ops = append(t.ops, op{key: key, value: value})
	return nil
}

// Len returns the number of staged operations.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Commit applies every staged operation in order. On the first failure it
// restores all touched keys and returns a *CommitError.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Committed:
		return ErrAlreadyCommitted
	case RolledBack:
		return ErrClosed
	}

	for _, o := range t.ops {
		if err := t.capture(ctx, o.key); err != nil {
			return t.fail(ctx, o.key, err)
		}

		var err error
		if o.value == nil {
			err = t.store.Remove(ctx, o.key)
		} else {
			err = t.store.Set(ctx, o.key, *o.value)
		}
		if err != nil {
			return t.fail(ctx, o.key, err)
		}
	}

	t.state = Committed
	return nil
}

// Rollback discards staged work and restores any backups captured so far.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Committed:
		return ErrAlreadyCommitted
	case RolledBack:
		return nil
	}

	t.state = RolledBack
	t.ops = nil
	return t.restore(ctx)
}

// capture records key's current value the first time the commit touches
// it. Later touches keep the original backup.
func (t *Transaction) capture(ctx context.Context, key string) error {
	if _, ok := t.backups[key]; ok {
		return nil
	}

	v, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	t.backups[key] = backup{value: v, present: ok}
	t.order = append(t.order, key)
	return nil
}

func (t *Transaction) fail(ctx context.Context, key string, cause error) error {
	t.state = RolledBack

	// Restore even if the caller's context is what failed the write.
	restoreErr := t.restore(context.WithoutCancel(ctx))
	return &CommitError{Key: key, Err: cause, RestoreErr: restoreErr}
}

// restore puts every captured backup back. Each key is independent, so
// order does not matter and a failure on one key does not stop the rest.
func (t *Transaction) restore(ctx context.Context) error {
	var errs []error
	for _, key := range t.order {
		b := t.backups[key]

		var err error
		if b.present {
			err = t.store.Set(ctx, key, b.value)
		} else {
			err = t.store.Remove(ctx, key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Run executes fn with a fresh transaction and commits it when fn returns
// nil. If fn fails the staged work is discarded.
func Run(ctx context.Context, store kv.Store, fn func(tx *Transaction) error) error {
	tx := New(store)
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
