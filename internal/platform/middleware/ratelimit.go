package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long the limiter of a silent client is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

// limiterStore holds one token bucket per client key. Buckets of clients
// that stay quiet for IdleTTL are dropped.
type limiterStore struct {
	limiters *gocache.Cache
	cfg      RateLimitConfig
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	return &limiterStore{
		limiters: gocache.New(cfg.IdleTTL, cfg.IdleTTL),
		cfg:      cfg,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	if v, ok := s.limiters.Get(key); ok {
		l := v.(*rate.Limiter)
		s.limiters.SetDefault(key, l)
		return l
	}
	limit := rate.Inf
	if s.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(s.cfg.RequestsPerSecond)
	}
	l := rate.NewLimiter(limit, s.cfg.BurstSize)
	// Add fails when another request created the limiter first.
	if err := s.limiters.Add(key, l, gocache.DefaultExpiration); err != nil {
		if v, ok := s.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// RateLimit returns a per client rate limiting middleware. Requests are
// keyed by the authenticated NHS number when present, else by client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if nhs, ok := c.Get("nhs_number").(string); ok && nhs != "" {
				key = nhs + ":" + key
			}

			l := store.get(key)
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			r := l.Reserve()
			if !r.OK() {
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if d := r.Delay(); d > 0 {
				r.Cancel()
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
