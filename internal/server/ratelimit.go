package server

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a source may stay quiet before its bucket is dropped.
const limiterIdle = 5 * time.Minute

// limiterSet holds one token bucket per source IP.
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[netip.Addr]*bucket
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &limiterSet{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[netip.Addr]*bucket),
		now:     time.Now,
	}
}

// allow reports whether a datagram from ip may be processed. A nil set allows everything.
func (l *limiterSet) allow(ip netip.Addr) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *limiterSet) prune() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > limiterIdle {
			delete(l.buckets, ip)
		}
	}
}

func (l *limiterSet) len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
