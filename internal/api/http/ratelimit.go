package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/consult-escrow/consult-escrow/internal/infrastructure/metrics"
)

type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address and route group.
// Idle buckets are swept at most once per sweepEvery.
type RateLimiter struct {
	logger     zerolog.Logger
	limits     map[string]RateLimit
	mu         sync.Mutex
	visitors   map[string]*rateEntry
	idleTTL    time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	clockNow   func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors:   make(map[string]*rateEntry),
		idleTTL:    5 * time.Minute,
		sweepEvery: time.Minute,
		clockNow:   time.Now,
	}
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok || limit.RequestsPerMinute <= 0 {
				next.ServeHTTP(w, req)
				return
			}
			identifier := clientID(req)
			if !r.allow(key+"|"+identifier, limit) {
				metrics.Escrow().RecordRateLimited(key)
				r.logger.Warn().Str("group", key).Str("client", identifier).Msg("rate limited")
				respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", http.StatusText(http.StatusTooManyRequests), nil)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(id string, cfg RateLimit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.evictLocked(now)
	entry, ok := r.visitors[id]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *RateLimiter) evictLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.sweepEvery {
		return
	}
	r.lastSweep = now
	for id, e := range r.visitors {
		if now.Sub(e.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
