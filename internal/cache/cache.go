// Package cache memoizes resolved streams per (content, provider) for a
// bounded time and coalesces concurrent resolutions of the same key.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamwalk/internal/media"
)

// Key is the cache identity of one provider attempt for a request.
func Key(req media.ContentRequest, providerID string) string {
	return req.Key() + "@" + providerID
}

type entry struct {
	result  media.ResolutionResult
	expires time.Time
}

// Cache is safe for concurrent use. Writes are last writer wins; an entry
// past its TTL is never returned.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu        sync.RWMutex
	entries   map[string]entry
	lastPurge time.Time
}

// abandoned marks a failure caused by the starting caller's context ending.
// Waiters whose own context is still live run fn again instead of sharing it.
type abandoned struct{ err error }

func (a *abandoned) Error() string { return a.err.Error() }
func (a *abandoned) Unwrap() error { return a.err }

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding results for ttl. A zero ttl stores nothing
// but still coalesces concurrent work.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastPurge = c.now()
	return c
}

// Get returns the live entry for key.
func (c *Cache) Get(key string) (media.ResolutionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return media.ResolutionResult{}, false
	}
	return e.result, true
}

// Put stores result under key. Expired entries are dropped at most once per
// TTL as a side effect, so a long-lived cache does not grow without bound.
func (c *Cache) Put(key string, result media.ResolutionResult) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastPurge) >= c.ttl {
		c.purgeLocked(now)
	}
	c.entries[key] = entry{result: result, expires: now.Add(c.ttl)}
}

// Do returns the cached result for key or runs fn to produce it. Concurrent
// calls for the same key share one fn execution and its outcome. Only
// successes are stored. fn runs under the context of the caller that started
// it; the others stop waiting when their own ctx ends. If the starter's ctx
// ends first, a waiter that is still live runs fn itself.
func (c *Cache) Do(ctx context.Context, key string, fn func(context.Context) (media.ResolutionResult, error)) (media.ResolutionResult, error) {
	for {
		if r, ok := c.Get(key); ok {
			return r, nil
		}

		ch := c.group.DoChan(key, func() (any, error) {
			// A caller that finished just before us may have stored it.
			if r, ok := c.Get(key); ok {
				return r, nil
			}
			r, err := fn(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, &abandoned{err: err}
				}
				return nil, err
			}
			c.Put(key, r)
			return r, nil
		})

		select {
		case res := <-ch:
			var ab *abandoned
			if errors.As(res.Err, &ab) {
				if ctx.Err() == nil {
					continue
				}
				return media.ResolutionResult{}, ab.err
			}
			if res.Err != nil {
				return media.ResolutionResult{}, res.Err
			}
			return res.Val.(media.ResolutionResult), nil
		case <-ctx.Done():
			return media.ResolutionResult{}, ctx.Err()
		}
	}
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

func (c *Cache) purgeLocked(now time.Time) int {
	c.lastPurge = now
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len counts live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}
