package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a bounded cache whose entries expire after a fixed ttl.
// A zero ttl disables it: every Get misses and Set is a no-op.
type LRU[V any] struct {
	c   *expirable.LRU[string, V]
	ttl time.Duration
}

func NewLRU[V any](size int, ttl time.Duration) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	if ttl < 0 {
		return nil, errors.New("cache ttl must not be negative")
	}
	l := &LRU[V]{ttl: ttl}
	if ttl > 0 {
		l.c = expirable.NewLRU[string, V](size, nil, ttl)
	}
	return l, nil
}
func (l *LRU[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if l.c == nil {
		return zero, false
	}
	select {
	case <-ctx.Done():
		return zero, false
	default:
	}
	return l.c.Get(key)
}
func (l *LRU[V]) Set(key string, v V) {
	if l.c == nil {
		return
	}
	l.c.Add(key, v)
}
func (l *LRU[V]) Delete(key string) {
	if l.c == nil {
		return
	}
	l.c.Remove(key)
}
func (l *LRU[V]) Purge() {
	if l.c == nil {
		return
	}
	l.c.Purge()
}
func (l *LRU[V]) TTL() time.Duration {
	return l.ttl
}
