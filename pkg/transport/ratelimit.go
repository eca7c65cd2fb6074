package transport

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet lazily creates one token-bucket limiter per principal key
// (ambient hardening against a single noisy caller starving others,
// consistent with the teacher's networking-concerns posture; see
// SPEC_FULL.md's DOMAIN STACK entry for golang.org/x/time/rate).
type limiterSet struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(requestsPerSecond float64, burst int) *limiterSet {
	return &limiterSet{
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

// rateLimitKey identifies the caller for rate-limiting purposes: an
// established session (stable per-principal identity) if present, else
// the remote address (covers the pre-initialize/anonymous path).
func rateLimitKey(r *http.Request) string {
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		return sid
	}
	return r.RemoteAddr
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(rateLimitKey(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
