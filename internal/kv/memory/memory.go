// Package memory is an in-process kv driver. A Profile holds the data and
// hands out Tab views; each Tab has its own origin and receives change
// events for writes made through every other Tab.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/pkg/idx"
)

// FaultFunc is consulted before every write. Returning an error aborts the
// write without touching the data, which simulates quota or serialization
// failures.
type FaultFunc func(op, key, value string) error

// Profile is the shared backing map.
type Profile struct {
	mu       sync.Mutex
	data     map[string]string
	tabs     map[*Tab]struct{}
	fault    FaultFunc
	maxBytes int
}

// Option configures a Profile.
type Option func(*Profile)

// WithQuota limits the total bytes (keys plus values) the profile may hold.
func WithQuota(maxBytes int) Option {
	return func(p *Profile) { p.maxBytes = maxBytes }
}

// NewProfile creates an empty profile.
func NewProfile(opts ...Option) *Profile {
	p := &Profile{
		data: make(map[string]string),
		tabs: make(map[*Tab]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetFault installs (or with nil, removes) a write fault hook.
func (p *Profile) SetFault(f FaultFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = f
}

// Snapshot returns a copy of every key currently held.
func (p *Profile) Snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

// Tab opens a new view with a fresh origin.
func (p *Profile) Tab() *Tab {
	t := &Tab{profile: p, origin: idx.New().String()}

	p.mu.Lock()
	p.tabs[t] = struct{}{}
	p.mu.Unlock()

	return t
}

func (p *Profile) size() int {
	n := 0
	for k, v := range p.data {
		n += len(k) + len(v)
	}
	return n
}

func (p *Profile) write(ctx context.Context, origin, key string, value *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()

	op, raw := "remove", ""
	if value != nil {
		op, raw = "set", *value
	}
	if p.fault != nil {
		if err := p.fault(op, key, raw); err != nil {
			p.mu.Unlock()
			return err
		}
	}

	var old *string
	if prev, ok := p.data[key]; ok {
		old = kv.StringPtr(prev)
	}

	if value == nil {
		delete(p.data, key)
	} else {
		if p.maxBytes > 0 {
			next := p.size() + len(key) + len(*value)
			if old != nil {
				next -= len(key) + len(*old)
			}
			if next > p.maxBytes {
				p.mu.Unlock()
				return kv.ErrQuotaExceeded
			}
		}
		p.data[key] = *value
	}

	unchanged := (old == nil && value == nil) || (old != nil && value != nil && *old == *value)

	var targets []*Tab
	if !unchanged {
		for t := range p.tabs {
			if t.origin != origin {
				targets = append(targets, t)
			}
		}
	}
	p.mu.Unlock()

	ev := kv.ChangeEvent{Key: key, OldValue: old, NewValue: value, Origin: origin}
	for _, t := range targets {
		t.deliver(ev)
	}
	return nil
}

// Tab is one origin's view of the profile. It implements kv.Store and
// kv.Watcher.
type Tab struct {
	profile *Profile
	origin  string

	mu       sync.Mutex
	watchers []*watcher
	closed   atomic.Bool
}

// watcher is one Watch subscription. done is closed before ch so a send
// blocked on a full buffer gives up instead of holding the channel open.
type watcher struct {
	ch   chan kv.ChangeEvent
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	stopped bool
}

func newWatcher() *watcher {
	return &watcher{
		ch:   make(chan kv.ChangeEvent, 64),
		done: make(chan struct{}),
	}
}

func (w *watcher) send(ev kv.ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	select {
	case w.ch <- ev:
	case <-w.done:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.ch)
	}
}

// Origin returns the tab's origin id.
func (t *Tab) Origin() string { return t.origin }

func (t *Tab) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	t.profile.mu.Lock()
	defer t.profile.mu.Unlock()

	v, ok := t.profile.data[key]
	return v, ok, nil
}

func (t *Tab) Set(ctx context.Context, key, value string) error {
	if t.isClosed() {
		return kv.ErrClosed
	}
	return t.profile.write(ctx, t.origin, key, &value)
}

func (t *Tab) Remove(ctx context.Context, key string) error {
	if t.isClosed() {
		return kv.ErrClosed
	}
	return t.profile.write(ctx, t.origin, key, nil)
}

// Watch returns a channel of foreign-origin changes. The channel is closed
// when ctx is done or the tab is closed.
func (t *Tab) Watch(ctx context.Context) (<-chan kv.ChangeEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, kv.ErrClosed
	}

	w := newWatcher()
	t.watchers = append(t.watchers, w)

	go func() {
		select {
		case <-ctx.Done():
			t.dropWatcher(w)
		case <-w.done:
		}
	}()

	return w.ch, nil
}

// Close detaches the tab from the profile and closes its watch channels.
func (t *Tab) Close() error {
	t.profile.mu.Lock()
	delete(t.profile.tabs, t)
	t.profile.mu.Unlock()

	t.mu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return nil
	}
	watchers := t.watchers
	t.watchers = nil
	t.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	return nil
}

func (t *Tab) isClosed() bool { return t.closed.Load() }

func (t *Tab) dropWatcher(w *watcher) {
	t.mu.Lock()
	t.watchers = slices.DeleteFunc(t.watchers, func(x *watcher) bool { return x == w })
	t.mu.Unlock()

	w.stop()
}

// deliver fans an event out to the tab's watchers. A full buffer blocks
// the writer until the watcher drains or stops; the tab lock is not held
// while sending.
func (t *Tab) deliver(ev kv.ChangeEvent) {
	t.mu.Lock()
	watchers := slices.Clone(t.watchers)
	t.mu.Unlock()

	for _, w := range watchers {
		w.send(ev)
	}
}
