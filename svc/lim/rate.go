package lim

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pastebook/cfg"
	"pastebook/metrics"
	"pastebook/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisBudget     = 100 * time.Millisecond
	adaptiveFor     = 60 * time.Second
)

// Counter is a shared fixed-window counter, normally Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter limits requests per client and endpoint. With a Counter the
// budget is shared between instances; without one, or while the Counter is
// failing, each instance enforces a local token bucket.
type Limiter struct {
	counter           Counter
	keySecret         []byte
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	conservativeLimit int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(c cfg.RateLimitCfg, counter Counter, trustedProxies []string, keySecret []byte) (*Limiter, error) {
	if c.RPM <= 0 || c.Burst <= 0 || c.ConservativeLimit <= 0 {
		return nil, errors.New("rate limits must be positive")
	}
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	l := &Limiter{
		counter:           counter,
		keySecret:         append([]byte(nil), keySecret...),
		trustedProxies:    trustedProxies,
		localLimiters:     make(map[string]*limiterEntry),
		rpm:               c.RPM,
		burst:             c.Burst,
		conservativeLimit: c.ConservativeLimit,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(5, l.TriggerAdaptiveMode)
	return l, nil
}

// Start runs the background eviction and anomaly windows.
func (l *Limiter) Start() {
	l.detector.Start(time.Minute)
	go l.cleanupLoop()
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}
func (l *Limiter) Detector() *AnomalyDetector {
	return l.detector
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(adaptiveFor).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

// Check spends one request of r's client against endpoint.
func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	ip := ClientIP(r, l.trustedProxies)
	res := l.Allow(r.Context(), ip, endpoint)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		util.Ctx(r.Context()).Debug().Str("ip", util.RedactIP(ip)).Str("endpoint", endpoint).Msg("rate limited")
	}
	return res
}
func (l *Limiter) Allow(ctx context.Context, ip, endpoint string) *Result {
	limit := l.rpm
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	if l.counter == nil {
		return l.local(ip, endpoint, limit, l.burst)
	}
	ctx, cancel := context.WithTimeout(ctx, redisBudget)
	defer cancel()
	now := time.Now()
	usage, err := l.counter.RateLimit(ctx, "rl:"+endpoint+":"+l.clientKey(ip), limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		conservative := l.conservativeLimit
		if l.isAdaptiveMode() {
			conservative = halve(conservative)
		}
		return l.local(ip, endpoint, conservative, conservative)
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(time.Minute),
	}
}

// clientKey keeps raw addresses out of the shared counter store.
func (l *Limiter) clientKey(ip string) string {
	mac := hmac.New(sha256.New, l.keySecret)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}
func (l *Limiter) local(ip, endpoint string, perMinute, burst int) *Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	key := ip + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists {
		if len(l.localLimiters) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.localLimiters)).
				Str("ip", util.RedactIP(ip)).
				Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Limit: perMinute, Reset: now.Add(time.Minute)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(perMinute)/60.0, burst)}
		l.localLimiters[key] = entry
	} else if entry.limiter.Burst() != burst {
		entry.limiter.SetBurstAt(now, burst)
		entry.limiter.SetLimitAt(now, rate.Limit(perMinute)/60.0)
	}
	entry.lastAccess = now
	allowed := entry.limiter.AllowN(now, 1)
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   allowed,
		Limit:     perMinute,
		Remaining: remaining,
		Reset:     now.Add(time.Minute),
	}
}
func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// ClientIP returns the address of the client behind any trusted proxies.
// X-Forwarded-For is read right to left and only when the direct peer is
// trusted.
func ClientIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	const maxIPsToParse = 100
	parts := strings.Split(xff, ",")
	parsed := 0
	for i := len(parts) - 1; i >= 0 && parsed < maxIPsToParse; i-- {
		ipStr := strings.TrimSpace(parts[i])
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
