// Package cache holds data derived from the signed-in identity. Entries
// are scoped to a user id and invalidated as a whole when the identity
// changes; a load that started before an invalidation never lands in the
// cache after it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Scope names an invalidation for observers.
const (
	ScopeAll  = "all"
	ScopeUser = "user"
)

type entry struct {
	value  any
	userID string
}

// Cache is a per-identity memo of loaded values. The zero value is not
// usable; call New.
type Cache struct {
	logger *slog.Logger
	group  singleflight.Group

	// OnInvalidate, when set, is told about every invalidation.
	OnInvalidate func(scope string)

	mu      sync.Mutex
	entries map[string]entry
	gen     uint64
	userGen map[string]uint64
}

func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:  logger,
		entries: make(map[string]entry),
		userGen: make(map[string]uint64),
	}
}

// Get returns the value cached under key for userID, loading it with load
// on a miss. Concurrent misses for the same key share one load.
func (c *Cache) Get(ctx context.Context, userID, key string, load func(context.Context) (any, error)) (any, error) {
	k := entryKey(userID, key)

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		c.mu.Unlock()
		return e.value, nil
	}
	gen, ugen := c.gen, c.userGen[userID]
	c.mu.Unlock()

	// The flight key carries the generations so a caller arriving after an
	// invalidation starts a fresh load instead of joining a stale one.
	flight := fmt.Sprintf("%s#%d.%d", k, gen, ugen)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen && c.userGen[userID] == ugen {
			c.entries[k] = entry{value: value, userID: userID}
		} else {
			c.logger.Debug("cache_load_discarded", "key", key, "user_id", userID)
		}
		return value, nil
	})
	return v, err
}

// Load is Get with a typed loader.
func Load[V any](ctx context.Context, c *Cache, userID, key string, load func(context.Context) (V, error)) (V, error) {
	v, err := c.Get(ctx, userID, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Peek returns a cached value without loading.
func (c *Cache) Peek(userID, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[entryKey(userID, key)]
	return e.value, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InvalidateAll drops every entry for every user.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	c.gen++
	c.mu.Unlock()

	c.logger.Debug("cache_invalidated", "scope", ScopeAll, "entries", n)
	c.notify(ScopeAll)
}

// InvalidateUser drops the entries belonging to userID.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	n := 0
	for k, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, k)
			n++
		}
	}
	c.userGen[userID]++
	c.mu.Unlock()

	c.logger.Debug("cache_invalidated", "scope", ScopeUser, "user_id", userID, "entries", n)
	c.notify(ScopeUser)
}

func (c *Cache) notify(scope string) {
	if c.OnInvalidate != nil {
		c.OnInvalidate(scope)
	}
}

func entryKey(userID, key string) string {
	return userID + "\x00" + key
}
