package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL drops the state of clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultRateLimiterConfig allows a handful of manual elections per minute.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 6,
		BurstSize:         3,
		IdleTTL:           10 * time.Minute,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client. It guards endpoints that
// cause coordination traffic.
type RateLimiter struct {
	config RateLimiterConfig
	limit  rate.Limit

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow reports whether a request from clientID may proceed now.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	now := rl.now()
	rl.sweep(now)
	cl, ok := rl.clients[clientID]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rl.limit, rl.config.BurstSize)}
		rl.clients[clientID] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// sweep drops idle clients, at most once per IdleTTL. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if rl.config.IdleTTL <= 0 || now.Sub(rl.lastSweep) < rl.config.IdleTTL {
		return
	}
	rl.lastSweep = now
	for id, cl := range rl.clients {
		if now.Sub(cl.lastSeen) >= rl.config.IdleTTL {
			delete(rl.clients, id)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware keys clients by token subject, falling back to client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	retryAfter := "60"
	if rl.config.RequestsPerMinute > 0 {
		retryAfter = strconv.Itoa(60 / rl.config.RequestsPerMinute)
	}
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		if claims, ok := GetClaims(c); ok && claims.Subject != "" {
			clientID = "sub:" + claims.Subject
		}

		if !rl.Allow(clientID) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
