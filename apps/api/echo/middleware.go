package echoapi

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles each caller separately, keyed by identity.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	nowFunc  func() time.Time
	lastGC   time.Time
}

// newRateLimiter allows perMinute events per caller, with bursts of burst. perMinute <= 0 disables it.
func newRateLimiter(perMinute float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &rateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Inf,
		burst:    burst,
		nowFunc:  time.Now,
	}
	if perMinute > 0 {
		rl.limit = rate.Limit(perMinute / 60)
	}
	return rl
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	if now.Sub(rl.lastGC) > limiterIdleTTL {
		for k, e := range rl.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastGC = now
	}

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// middleware must run after authMiddleware.
func (rl *rateLimiter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		ident, err := getContextIdentity(ctx)
		if err != nil {
			return err
		}
		if !rl.allow(ident.Ref().String()) {
			return errTooManyRequests
		}
		return next(ctx)
	}
}
