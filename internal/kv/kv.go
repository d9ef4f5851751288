// Package kv defines the durable key/value substrate every session
// component writes through. A profile is shared by one or more tabs; each
// tab sees the same keys and is told about writes made by the others.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrQuotaExceeded is returned by drivers that enforce a size budget.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("kv: store closed")
)

// Store is a synchronous string key/value store. Absence is represented by
// ok == false, never by an empty value.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Watcher delivers change notifications for writes made by other origins.
// Writes made through the watching store itself are never delivered.
type Watcher interface {
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}

// ChangeEvent describes one key mutation. A nil value means the key was
// absent on that side of the change.
type ChangeEvent struct {
	Key      string  `json:"key"`
	OldValue *string `json:"old_value,omitempty"`
	NewValue *string `json:"new_value,omitempty"`
	Origin   string  `json:"origin"`
}

// Removed reports whether the event is a removal.
func (e ChangeEvent) Removed() bool { return e.NewValue == nil }

// StringPtr is a helper for building events in tests and drivers.
func StringPtr(s string) *string { return &s }
