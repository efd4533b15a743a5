package middleware

import (
	"sync"

	"platform-economy/pkg/errutil"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per actor.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// RateLimit rejects requests over the actor's budget. A non-positive rate
// disables limiting.
func RateLimit(l *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.limit <= 0 {
			c.Next()
			return
		}
		key := ActorFrom(c).ID
		if key == "" {
			key = c.ClientIP()
		}
		if !l.get(key).Allow() {
			_ = c.Error(errutil.New(errutil.StatusTooManyRequests, "rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}
