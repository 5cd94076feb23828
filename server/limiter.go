package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientExpiration is how long an idle client's bucket is retained.
const clientExpiration = 10 * time.Minute

// pruneThreshold is the client count above which idle buckets are pruned.
const pruneThreshold = 1024

// clientLimiter applies a per-client token bucket keyed by remote IP.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientState
	qps     rate.Limit
	burst   int
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(qps float64, burst int) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*clientState),
		qps:     rate.Limit(qps),
		burst:   burst,
	}
}

// allow reports whether a request from remoteAddr is within budget.
func (l *clientLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, ok := l.clients[host]
	if !ok {
		if len(l.clients) >= pruneThreshold {
			l.prune(now)
		}
		state = &clientState{limiter: rate.NewLimiter(l.qps, l.burst)}
		l.clients[host] = state
	}
	state.lastSeen = now

	return state.limiter.Allow()
}

// prune drops buckets idle longer than clientExpiration. Caller holds the lock.
func (l *clientLimiter) prune(now time.Time) {
	for host, state := range l.clients {
		if now.Sub(state.lastSeen) > clientExpiration {
			delete(l.clients, host)
		}
	}
}
