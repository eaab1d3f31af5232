package server

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/whiteclaws/clawpoints/internal/metrics"
)

type clientLimiter struct {
	lim  *rate.Limiter
	seen atomic.Int64 // unix nanos of the last request
}

// limiter is a token bucket per client address.
type limiter struct {
	rate    rate.Limit
	burst   int
	clients *xsync.Map[string, *clientLimiter]
}

// newLimiter returns nil when r is not positive.
func newLimiter(r float64, burst int) *limiter {
	if r <= 0 {
		return nil
	}
	return &limiter{
		rate:    rate.Limit(r),
		burst:   max(burst, 1),
		clients: xsync.NewMap[string, *clientLimiter](),
	}
}

func (l *limiter) allow(key string, now time.Time) bool {
	c, _ := l.clients.Compute(key, func(old *clientLimiter, loaded bool) (*clientLimiter, xsync.ComputeOp) {
		if loaded {
			return old, xsync.UpdateOp
		}
		return &clientLimiter{lim: rate.NewLimiter(l.rate, l.burst)}, xsync.UpdateOp
	})
	c.seen.Store(now.UnixNano())
	return c.lim.AllowN(now, 1)
}

// sweep drops clients idle since before and returns how many it removed.
func (l *limiter) sweep(before time.Time) int {
	cutoff := before.UnixNano()
	n := 0
	l.clients.Range(func(key string, c *clientLimiter) bool {
		if c.seen.Load() < cutoff {
			l.clients.Delete(key)
			n++
		}
		return true
	})
	return n
}

// SweepLimiters forgets clients that have been idle for longer than idle.
func (s *Server) SweepLimiters(idle time.Duration) int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.sweep(time.Now().Add(-idle))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routeAccess(r) != accessPublic && !s.limiter.allow(clientKey(r), time.Now()) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
