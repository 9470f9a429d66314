package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// helloLimiter rate limits Hello frames per remote IP.
type helloLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	sweep   time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// newHelloLimiter returns nil, allowing everything, when perSecond <= 0.
func newHelloLimiter(perSecond float64, burst int) *helloLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &helloLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		sweep:   time.Now(),
	}
}

func (l *helloLimiter) allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > limiterIdle {
		for k, e := range l.entries {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.entries, k)
			}
		}
		l.sweep = now
	}

	e, ok := l.entries[host]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[host] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
