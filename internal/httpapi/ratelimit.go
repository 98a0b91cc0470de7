package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxLimiterSources = 4096
	limiterIdleTTL    = 10 * time.Minute
)

// createLimiter throttles session creation per client address. Idle
// limiters age out of the LRU.
type createLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newCreateLimiter(perMinute int) *createLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &createLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxLimiterSources, nil, limiterIdleTTL),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    max(1, perMinute/10),
	}
}

func (l *createLimiter) Allow(key string) bool {
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

// clientKey prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
