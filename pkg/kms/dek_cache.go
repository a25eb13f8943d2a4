package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// keyWrapper wraps and unwraps data keys. *Adapter implements it.
type keyWrapper interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error)
}

// DEKCache keeps unwrapped data keys for a short time so repeated
// downloads of one attachment do not round-trip to the KMS.
type DEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	wrapper  keyWrapper
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
}

func NewDEKCache(w keyWrapper, ttl time.Duration) *DEKCache {
	c := &DEKCache{
		ttl:      ttl,
		wrapper:  w,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the plaintext key for wrapped, bound to encContext.
func (c *DEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	key := cacheKey(wrapped, encContext)
	if v, ok := c.cache.Load(key); ok {
		entry := v.(*cachedDEK)
		if time.Now().Before(entry.expiresAt) {
			return copyBytes(entry.dek), nil
		}
		c.cache.Delete(key)
	}
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		dek, err := c.wrapper.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.cache.Store(key, &cachedDEK{dek: copyBytes(dek), expiresAt: time.Now().Add(c.ttl)})
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return copyBytes(result.([]byte)), nil
}
func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(encContext.canonical())
	return hex.EncodeToString(h.Sum(nil))
}
func (c *DEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}
func (c *DEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		if now.After(entry.expiresAt) {
			c.cache.Delete(key)
			wipeBytes(entry.dek)
		}
		return true
	})
}

// Stop ends eviction and wipes every cached key.
func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		c.cache.Delete(key)
		wipeBytes(value.(*cachedDEK).dek)
		return true
	})
}
func (c *DEKCache) Len() int {
	n := 0
	c.cache.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}
func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
