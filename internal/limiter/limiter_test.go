package limiter

import (
	"testing"
	"time"
)

// fakeClock lets tests drive refill math deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rate, max float64) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(rate, max, 0)
	l.now = clock.now
	return l, clock
}

func TestTokenBucket(t *testing.T) {
	l, clock := newTestLimiter(1, 5)

	// Five immediate requests drain the full bucket.
	for i := 0; i < 5; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("client") {
		t.Fatal("sixth immediate request should be rejected")
	}

	// One second refills exactly one token.
	clock.advance(time.Second)
	if !l.Allow("client") {
		t.Fatal("request after 1s refill should be allowed")
	}
	if l.Allow("client") {
		t.Fatal("second request after 1s refill should be rejected")
	}
}

func TestRefillCapsAtMax(t *testing.T) {
	l, clock := newTestLimiter(10, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// A long idle period must not accumulate beyond maxTokens.
	clock.advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("client") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests after idle, want 3", allowed)
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	if !l.Allow("client-a") {
		t.Fatal("client-a first request should be allowed")
	}
	if l.Allow("client-a") {
		t.Fatal("client-a second request should be rejected")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b must not share client-a's bucket")
	}
}

func TestSweep(t *testing.T) {
	l, clock := newTestLimiter(1, 5)

	l.Allow("stale")
	clock.advance(10 * time.Minute)
	l.Allow("fresh")

	if removed := l.Sweep(5 * time.Minute); removed != 1 {
		t.Errorf("Sweep() removed %d buckets, want 1", removed)
	}
	if l.Size() != 1 {
		t.Errorf("Size() = %d after sweep, want 1", l.Size())
	}
}

func TestBucketCap(t *testing.T) {
	l, clock := newTestLimiter(1, 5)
	l.maxBuckets = 10

	for i := 0; i < 50; i++ {
		l.Allow(string(rune('a' + i)))
		clock.advance(time.Millisecond)
	}
	if l.Size() > 11 {
		t.Errorf("Size() = %d, want bounded near maxBuckets", l.Size())
	}
}

func TestClientID(t *testing.T) {
	a := ClientID("192.0.2.1:5000")
	b := ClientID("192.0.2.1:6000")
	c := ClientID("192.0.2.2:5000")

	if a != b {
		t.Error("same host with different ports should share an identifier")
	}
	if a == c {
		t.Error("different hosts should not share an identifier")
	}
	if a == "192.0.2.1" {
		t.Error("identifier must not expose the raw address")
	}
}
