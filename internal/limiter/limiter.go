// Package limiter gates inbound protocol messages with a token bucket
// per client identifier.
package limiter

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Limiter holds one lazily created bucket per client. The bucket map is
// capped; when the cap is exceeded the stalest of a bounded sample is
// evicted.
type Limiter struct {
	buckets    *xsync.MapOf[string, *bucket]
	rate       float64
	max        float64
	maxBuckets int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter refilling at tokensPerSecond up to maxTokens.
func New(tokensPerSecond, maxTokens float64, maxBuckets int) *Limiter {
	return &Limiter{
		buckets:    xsync.NewMapOf[string, *bucket](),
		rate:       tokensPerSecond,
		max:        maxTokens,
		maxBuckets: maxBuckets,
		now:        time.Now,
	}
}

// Allow refills the client's bucket for the elapsed time and spends one
// token if available. A rejected message is dropped by the transport, it
// never closes the connection.
func (l *Limiter) Allow(clientID string) bool {
	b, loaded := l.buckets.LoadOrCompute(clientID, func() *bucket {
		return &bucket{tokens: l.max, last: l.now()}
	})
	if !loaded && l.maxBuckets > 0 && l.buckets.Size() > l.maxBuckets {
		l.evictStalest(clientID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.max, b.tokens+elapsed*l.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// evictStalest samples a handful of buckets and drops the least recently
// touched one, keeping the map bounded without a global scan.
func (l *Limiter) evictStalest(keep string) {
	const sample = 32

	var staleKey string
	var staleTime time.Time
	seen := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		if key == keep {
			return true
		}
		b.mu.Lock()
		last := b.last
		b.mu.Unlock()
		if staleKey == "" || last.Before(staleTime) {
			staleKey = key
			staleTime = last
		}
		seen++
		return seen < sample
	})
	if staleKey != "" {
		l.buckets.Delete(staleKey)
	}
}

// Sweep removes buckets idle for longer than the threshold. Idle buckets
// are fully refilled anyway, so dropping them loses nothing.
func (l *Limiter) Sweep(idleFor time.Duration) int {
	cutoff := l.now().Add(-idleFor)
	removed := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		b.mu.Lock()
		idle := b.last.Before(cutoff)
		b.mu.Unlock()
		if idle {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	return l.buckets.Size()
}

// ClientID derives a client identifier from a connection's remote
// address. The source host is hashed so identifiers reveal nothing about
// event content or the address itself.
func ClientID(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:16])
}
