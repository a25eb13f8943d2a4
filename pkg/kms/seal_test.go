package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func localAdapter(t *testing.T) *Adapter {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	a, err := NewAdapter(context.Background(), Options{LocalKey: base64.StdEncoding.EncodeToString(key)})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return a
}

type countingWrapper struct {
	inner *Adapter
	calls int32
}

func (c *countingWrapper) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	return c.inner.EncryptWithContext(ctx, plaintext, encContext)
}
func (c *countingWrapper) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.DecryptWithContext(ctx, ciphertext, encContext)
}

func TestNewAdapterRequiresProvider(t *testing.T) {
	if _, err := NewAdapter(context.Background(), Options{}); err == nil {
		t.Fatal("expected error without providers")
	}
	if _, err := NewAdapter(context.Background(), Options{LocalKey: "c2hvcnQ="}); err == nil {
		t.Fatal("expected error for short local key")
	}
	if _, err := NewAdapter(context.Background(), Options{LocalKey: base64.StdEncoding.EncodeToString(make([]byte, 32)), RequirePrimary: true}); err == nil {
		t.Fatal("expected error when primary is required")
	}
}

func TestAdapterContextBinding(t *testing.T) {
	a := localAdapter(t)
	ctx := context.Background()
	ct, err := a.EncryptWithContext(ctx, []byte("dek"), EncryptionContext{"file_id": "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.DecryptWithContext(ctx, ct, EncryptionContext{"file_id": "b"}); err == nil {
		t.Fatal("decrypt with another context should fail")
	}
	pt, err := a.DecryptWithContext(ctx, ct, EncryptionContext{"file_id": "a"})
	if err != nil || string(pt) != "dek" {
		t.Fatalf("got %q, %v", pt, err)
	}
}

func TestSealRoundTrip(t *testing.T) {
	s := NewSealer(localAdapter(t), nil)
	ctx := context.Background()
	msg := []byte("attachment bytes")
	ct, wrapped, err := s.Seal(ctx, msg, "file1")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ct, msg) {
		t.Fatal("ciphertext contains plaintext")
	}
	out, err := s.Open(ctx, ct, wrapped, "file1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("got %q", out)
	}
	if _, err := s.Open(ctx, ct, wrapped, "file2"); err == nil {
		t.Fatal("open under another file id should fail")
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := s.Open(ctx, ct, wrapped, "file1"); err == nil {
		t.Fatal("tampered ciphertext should fail")
	}
}

func TestDEKCacheHit(t *testing.T) {
	w := &countingWrapper{inner: localAdapter(t)}
	cache := NewDEKCache(w, time.Minute)
	defer cache.Stop()
	s := NewSealer(w, cache)
	ctx := context.Background()
	ct, wrapped, err := s.Seal(ctx, []byte("x"), "f")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Open(ctx, ct, wrapped, "f"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if _, err := s.Open(ctx, ct, wrapped, "f"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&w.calls); n < 1 || n > 8 {
		t.Fatalf("unwrap calls = %d", n)
	}
	before := atomic.LoadInt32(&w.calls)
	if _, err := s.Open(ctx, ct, wrapped, "f"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&w.calls) != before {
		t.Fatal("expected cache hit")
	}
	if cache.Len() != 1 {
		t.Fatalf("len = %d", cache.Len())
	}
}

func TestDEKCacheExpiryAndStop(t *testing.T) {
	w := &countingWrapper{inner: localAdapter(t)}
	cache := NewDEKCache(w, time.Millisecond)
	ctx := context.Background()
	wrapped, err := w.EncryptWithContext(ctx, []byte("k"), fileContext("f"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Unwrap(ctx, wrapped, fileContext("f")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := cache.Unwrap(ctx, wrapped, fileContext("f")); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&w.calls) != 2 {
		t.Fatalf("calls = %d, want 2 after expiry", w.calls)
	}
	cache.Stop()
	cache.Stop()
	if cache.Len() != 0 {
		t.Fatal("stop should wipe entries")
	}
	if _, err := cache.Unwrap(ctx, wrapped, fileContext("f")); err != ErrProviderUnavailable {
		t.Fatalf("err = %v", err)
	}
}

type downProvider struct{}

func (downProvider) Name() string { return "down" }
func (downProvider) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	return nil, ErrProviderUnavailable
}
func (downProvider) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	return nil, ErrProviderUnavailable
}
func (downProvider) Secret(ctx context.Context, key string) (string, error) {
	return "", ErrProviderUnavailable
}

func TestAdapterFallbackPolicy(t *testing.T) {
	local := localAdapter(t).fallback
	ctx := context.Background()

	closed := &Adapter{primary: downProvider{}, fallback: local, failClosed: true}
	if _, err := closed.EncryptWithContext(ctx, []byte("k"), nil); err == nil {
		t.Fatal("fail-closed adapter used the fallback")
	}

	open := &Adapter{primary: downProvider{}, fallback: local}
	ct, err := open.EncryptWithContext(ctx, []byte("k"), EncryptionContext{"file_id": "x"})
	if err != nil {
		t.Fatalf("fail-open adapter: %v", err)
	}
	if pt, err := open.DecryptWithContext(ctx, ct, EncryptionContext{"file_id": "x"}); err != nil || string(pt) != "k" {
		t.Fatalf("got %q, %v", pt, err)
	}

	t.Setenv("PASTEBOOK_TEST_SECRET", "s3cret")
	if v, err := open.GetSecret(ctx, "PASTEBOOK_TEST_SECRET"); err != nil || v != "s3cret" {
		t.Fatalf("GetSecret = %q, %v", v, err)
	}
	if _, err := (&Adapter{primary: downProvider{}}).GetSecret(ctx, "X"); err == nil {
		t.Fatal("expected error without a usable provider")
	}
}

func TestEncryptionContextCanonical(t *testing.T) {
	a := EncryptionContext{"b": "2", "a": "1"}
	b := EncryptionContext{"a": "1", "b": "2"}
	if !bytes.Equal(a.canonical(), b.canonical()) {
		t.Fatal("canonical form depends on map order")
	}
	if EncryptionContext(nil).canonical() != nil {
		t.Fatal("empty context should encode to nil")
	}
}
