package middleware

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/defstore-io/defstore/internal/httputil"
	"github.com/defstore-io/defstore/pkg/logger"
)

// limiterMapCap bounds the per-caller limiter map; when exceeded the map is
// reset rather than tracking last-access times.
const limiterMapCap = 10000

// RateLimiter throttles requests per caller, keyed on the actor header when
// present and the remote address otherwise.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

// NewRateLimiter creates a rate limiter allowing perSecond sustained
// requests per caller with the given burst.
func NewRateLimiter(perSecond float64, burst int, log *logger.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.limiters) > limiterMapCap {
		rl.limiters = make(map[string]*rate.Limiter)
	}
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Middleware rejects requests exceeding the caller's budget with 429.
func (rl *RateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(ActorHeader)
			if key == "" {
				key = r.RemoteAddr
			}

			if !rl.limiter(key).Allow() {
				rl.log.WithField("key", key).
					WithField("method", r.Method).
					WithField("path", r.URL.Path).
					Warn("rate limit exceeded")
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
