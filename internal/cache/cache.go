// Package cache provides a small TTL cache that collapses concurrent
// fetches for the same key into one upstream call.
package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Loader is a keyed read-through cache. Expired entries are served stale
// while a background refresh runs, so hot keys never block on the
// upstream.
type Loader[T any] struct {
	ttl     time.Duration
	entries *xsync.Map[string, entry[T]]
	group   singleflight.Group
}

func NewLoader[T any](ttl time.Duration) *Loader[T] {
	return &Loader[T]{
		ttl:     ttl,
		entries: xsync.NewMap[string, entry[T]](),
	}
}

// Get returns the cached value for key, calling fetch on miss.
func (l *Loader[T]) Get(key string, fetch func() (T, error)) (T, error) {
	if e, ok := l.entries.Load(key); ok {
		if time.Since(e.fetchedAt) > l.ttl {
			go func() {
				l.group.Do(key, func() (any, error) {
					if v, err := fetch(); err == nil {
						l.entries.Store(key, entry[T]{value: v, fetchedAt: time.Now()})
					}
					return nil, nil
				})
			}()
		}
		return e.value, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		if e, ok := l.entries.Load(key); ok {
			return e.value, nil
		}
		fetched, err := fetch()
		if err != nil {
			return nil, err
		}
		l.entries.Store(key, entry[T]{value: fetched, fetchedAt: time.Now()})
		return fetched, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops a key so the next Get refetches.
func (l *Loader[T]) Invalidate(key string) {
	l.entries.Delete(key)
}
