// Package web holds HTTP plumbing shared by the gateway.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	idleTimeout   = 3 * time.Minute
)

// bucket is one submitter's token state.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	refilled time.Time
}

// Limiter throttles job submissions per remote address with a lazily refilled
// token bucket.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	rate    float64
	burst   float64
	now     func() time.Time
	trusted []netip.Prefix
}

// NewLimiter returns a limiter that refills rate tokens per second up to burst.
// A non-positive rate disables limiting.
func NewLimiter(rate, burst float64) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; !ok {
		b = &bucket{tokens: l.burst, refilled: l.now()}
		l.buckets[key] = b
	}
	return b
}

// Allow consumes one token for key if available.
func (l *Limiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}
	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if add := now.Sub(b.refilled).Seconds() * l.rate; add > 0 {
		b.tokens = min(b.tokens+add, l.burst)
		b.refilled = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// TrustProxies lists the reverse proxies (addresses or CIDRs) whose
// X-Forwarded-For header is believed. Without any, the header is ignored.
func (l *Limiter) TrustProxies(proxies ...string) error {
	prefixes, err := ParsePrefixes(proxies)
	if err != nil {
		return err
	}
	l.trusted = prefixes
	return nil
}

// Sweep drops buckets idle for longer than idleTimeout and returns how many
// remain.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		b.mu.Lock()
		if now.Sub(b.refilled) > idleTimeout {
			delete(l.buckets, key)
		}
		b.mu.Unlock()
	}
	return len(l.buckets)
}

// Run sweeps idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r, l.trusted)) {
			WriteError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParsePrefixes reads addresses and CIDRs; a bare address is a single-host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// ClientIP returns the connection's address. Only when that address is a
// trusted proxy is X-Forwarded-For consulted, right to left, skipping trusted
// hops; the first untrusted hop is the client.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
