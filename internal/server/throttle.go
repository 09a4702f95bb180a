package server

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the number of per-client buckets kept before
// full buckets are swept.
const maxTrackedClients = 4096

// authThrottle tracks failed authentications per client address. A client
// whose bucket is empty is refused until it refills; other clients are
// unaffected.
type authThrottle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newAuthThrottle(limit float64, burst int) *authThrottle {
	return &authThrottle{
		limit:   rate.Limit(limit),
		burst:   max(burst, 1),
		clients: make(map[string]*rate.Limiter),
	}
}

// blocked reports whether client has no failed attempts left.
func (t *authThrottle) blocked(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.clients[client]
	return ok && l.Tokens() < 1
}

// fail spends one attempt from client's bucket.
func (t *authThrottle) fail(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.clients[client]
	if !ok {
		if len(t.clients) >= maxTrackedClients {
			t.sweep()
		}
		l = rate.NewLimiter(t.limit, t.burst)
		t.clients[client] = l
	}
	l.Allow()
}

// sweep forgets clients whose bucket has refilled completely.
func (t *authThrottle) sweep() {
	for client, l := range t.clients {
		if l.Tokens() >= float64(t.burst) {
			delete(t.clients, client)
		}
	}
}

// clientHost strips the port from a remote address.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
