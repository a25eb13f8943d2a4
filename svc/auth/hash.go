package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxPasswordLength = 1024
	queueSize         = 4096
	defaultMinVerify  = 250 * time.Millisecond
)

var (
	ErrNotStarted   = errors.New("hasher not started")
	ErrShuttingDown = errors.New("hasher is shutting down")
	ErrQueueFull    = errors.New("hash queue full")
	ErrTooLong      = errors.New("password too long")
)

type Params struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	KeyLen      uint32
	// MinVerify pads every Verify call. Zero uses the default, negative disables.
	MinVerify time.Duration
}

// Hasher derives argon2id hashes on a fixed pool of workers. Passwords are
// peppered with HMAC-SHA256 before hashing. Hashes written by older
// deployments with bcrypt still verify.
type Hasher struct {
	p         Params
	minVerify time.Duration
	pepper    []byte
	mu        sync.RWMutex
	jobQueue  chan hashJob
	quit      chan struct{}
	wg        sync.WaitGroup
	started   bool
	startMu   sync.Mutex
	stopOnce  sync.Once
}
type hashJob struct {
	ctx      context.Context
	password string
	resp     chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

func NewHasher(p Params, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if p.Time == 0 || p.Time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if p.Memory < 1024 || p.Memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if p.Parallelism == 0 || p.Parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	if p.KeyLen == 0 {
		p.KeyLen = 32
	}
	if p.KeyLen < 16 || p.KeyLen > 256 {
		return nil, errors.New("key length must be between 16 and 256 bytes")
	}
	minVerify := p.MinVerify
	if minVerify == 0 {
		minVerify = defaultMinVerify
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		p:         p,
		minVerify: minVerify,
		pepper:    pepperCopy,
		jobQueue:  make(chan hashJob, queueSize),
		quit:      make(chan struct{}),
	}, nil
}
func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}
func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			if job.ctx.Err() != nil {
				job.resp <- hashResult{err: job.ctx.Err()}
				continue
			}
			hash, err := h.doHash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash returns an encoded argon2id hash. It waits for a worker until ctx is done.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	if len(password) > maxPasswordLength {
		return "", ErrTooLong
	}
	respChan := make(chan hashResult, 1)
	select {
	case h.jobQueue <- hashJob{ctx: ctx, password: password, resp: respChan}:
	case <-ctx.Done():
		return "", errors.Wrap(ErrQueueFull, ctx.Err().Error())
	case <-h.quit:
		return "", ErrShuttingDown
	}
	select {
	case res := <-respChan:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	case <-h.quit:
		return "", ErrShuttingDown
	}
}
func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrShuttingDown
	}
	defer wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.p.Time, h.p.Memory, h.p.Parallelism, h.p.KeyLen)
	defer wipe(hash)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.p.Memory, h.p.Time, h.p.Parallelism, b64Salt, b64Hash), nil
}

// Verify reports whether pwd matches encoded. The call takes at least the
// configured minimum time whatever the outcome.
func (h *Hasher) Verify(ctx context.Context, pwd, encoded string) (bool, error) {
	start := time.Now()
	defer func() {
		if h.minVerify <= 0 {
			return
		}
		if elapsed := time.Since(start); elapsed < h.minVerify {
			select {
			case <-time.After(h.minVerify - elapsed):
			case <-ctx.Done():
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(pwd) > maxPasswordLength {
		h.verifyArgon2(strings.Repeat("x", 16), "")
		return false, nil
	}
	if IsLegacy(encoded) {
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(pwd)) == nil, nil
	}
	return h.verifyArgon2(pwd, encoded), nil
}

// IsLegacy reports whether encoded is a bcrypt hash.
func IsLegacy(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// NeedsRehash reports whether encoded was produced with other parameters.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if IsLegacy(encoded) {
		return true
	}
	var mem, t uint32
	var threads uint8
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return true
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &threads); err != nil {
		return true
	}
	return mem != h.p.Memory || t != h.p.Time || threads != h.p.Parallelism
}

// verifyArgon2 always derives a key so malformed hashes cost the same as real ones.
func (h *Hasher) verifyArgon2(pwd, encoded string) bool {
	mem, t, threads := h.p.Memory, h.p.Time, h.p.Parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &threads); err != nil {
		valid = false
		mem, t, threads = h.p.Memory, h.p.Time, h.p.Parallelism
	} else if mem > 2*1024*1024 || t > 1000 || threads == 0 || threads > 128 {
		valid = false
		mem, t, threads = h.p.Memory, h.p.Time, h.p.Parallelism
	} else {
		var err error
		salt, err = base64.RawStdEncoding.DecodeString(parts[4])
		if err != nil || len(salt) == 0 {
			valid = false
			salt = nil
		}
		hash, err = base64.RawStdEncoding.DecodeString(parts[5])
		if err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
			hash = nil
		}
	}
	if salt == nil {
		salt = make([]byte, 16)
	}
	if hash == nil {
		hash = make([]byte, h.p.KeyLen)
	}
	defer wipe(hash)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false
	}
	defer wipe(peppered)
	other := argon2.IDKey(peppered, salt, t, mem, threads, uint32(len(hash)))
	defer wipe(other)
	match := subtle.ConstantTimeCompare(hash, other) == 1
	return valid && match
}
func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
func (h *Hasher) UpdatePepper(newPepper []byte) error {
	if len(newPepper) < 32 {
		return errors.New("pepper must be at least 32 bytes")
	}
	pepperCopy := make([]byte, len(newPepper))
	copy(pepperCopy, newPepper)
	h.mu.Lock()
	old := h.pepper
	h.pepper = pepperCopy
	h.mu.Unlock()
	wipe(old)
	return nil
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
