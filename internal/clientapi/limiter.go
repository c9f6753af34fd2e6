package clientapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// perIPBucket holds the dual-window leaky-bucket state of spec §4.9:
// "max 20 req/min and 100 req/hour" for a single client IP.
type perIPBucket struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// IPLimiter enforces the dual-window rate limit per client IP. Grounded
// on the rest of the retrieval pack's use of golang.org/x/time/rate for
// request shaping, since no example repo hand-rolls a token bucket.
type IPLimiter struct {
	mu      sync.Mutex
	buckets map[string]*perIPBucket
}

// NewIPLimiter constructs an empty limiter.
func NewIPLimiter() *IPLimiter {
	return &IPLimiter{buckets: make(map[string]*perIPBucket)}
}

// Allow reports whether ip may make another request right now, under
// both windows.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &perIPBucket{
			minute: rate.NewLimiter(rate.Every(time.Minute/20), 20),
			hour:   rate.NewLimiter(rate.Every(time.Hour/100), 100),
		}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	// Both limiters must be consulted even if the first denies, so a
	// client that trips the minute window doesn't quietly bank hour-window
	// tokens while blocked.
	minuteOK := b.minute.Allow()
	hourOK := b.hour.Allow()
	return minuteOK && hourOK
}

// Sweep evicts buckets untouched for longer than idle, bounding memory
// per spec §4.9: "rate-limit buckets are swept every 5 minutes".
func (l *IPLimiter) Sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

// StartSweeper runs Sweep every period until stop is closed.
func (l *IPLimiter) StartSweeper(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Sweep(time.Hour)
			}
		}
	}()
}
