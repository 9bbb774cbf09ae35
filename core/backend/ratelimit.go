package backend

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/docrest/core/logger"
	"golang.org/x/time/rate"
)

// limiterIdleTimeout is the time after which the limiter of a silent client is forgotten
const limiterIdleTimeout = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address
type rateLimiter struct {
	mutex     sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	lastPrune time.Time
	now       func() time.Time
}

func newRateLimiter(limit float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(limit)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{
		limit:   rate.Limit(limit),
		burst:   burst,
		clients: map[string]*clientLimiter{},
		now:     time.Now,
	}
}

func (l *rateLimiter) allow(client string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdleTimeout {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTimeout {
				delete(l.clients, key)
			}
		}
		l.lastPrune = now
	}
	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// clientAddress returns the address of the client, honoring X-Forwarded-For
func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (b *Backend) handleRateLimit(limit float64, burst int) {
	limiter := newRateLimiter(limit, burst)
	b.log.Debugf("rate limit %.1f requests per second, burst %d", limit, limiter.burst)

	rateLimitMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientAddress(r)) {
				logger.FromContext(r.Context(), b.log).Warnln("rate limit exceeded for", clientAddress(r))
				b.metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", "1")
				b.WriteJSON(w, r, http.StatusTooManyRequests, errorResponse{Message: "too many requests"})
				return
			}
			h.ServeHTTP(w, r)
		})
	}
	b.router.Use(rateLimitMiddleware)
}
