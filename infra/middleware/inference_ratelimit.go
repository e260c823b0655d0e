package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"inference_server/pkg/apperr"
)

// IPLimiter applies a fixed-window per-IP cap on the admission routes. It is
// a guard against a single noisy client, not the engine's endpoint limiter;
// that one lives in pkg/ratelimit and gates upstream calls.
type IPLimiter struct {
	mu      sync.Mutex
	windows map[string]*ipWindow
	limit   int
	window  time.Duration
}

type ipWindow struct {
	count     int
	expiresAt time.Time
}

// NewIPLimiter allows limit requests per source IP per window.
func NewIPLimiter(limit int, window time.Duration) *IPLimiter {
	l := &IPLimiter{
		windows: make(map[string]*ipWindow),
		limit:   limit,
		window:  window,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			l.cleanup()
		}
	}()

	return l
}

func (l *IPLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, w := range l.windows {
		if now.After(w.expiresAt) {
			delete(l.windows, key)
		}
	}
}

// Handler is the fiber middleware enforcing the cap.
func (l *IPLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		now := time.Now()

		l.mu.Lock()
		w, ok := l.windows[key]
		if !ok || now.After(w.expiresAt) {
			w = &ipWindow{count: 1, expiresAt: now.Add(l.window)}
			l.windows[key] = w
			l.mu.Unlock()
			setLimitHeaders(c, l.limit, l.limit-1, w.expiresAt)
			return c.Next()
		}

		if w.count >= l.limit {
			resetAt := w.expiresAt
			l.mu.Unlock()
			setLimitHeaders(c, l.limit, 0, resetAt)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"code":        apperr.CodeRateLimited,
				"retry_after": int(time.Until(resetAt).Seconds()),
			})
		}

		w.count++
		remaining := l.limit - w.count
		resetAt := w.expiresAt
		l.mu.Unlock()

		setLimitHeaders(c, l.limit, remaining, resetAt)
		return c.Next()
	}
}

func setLimitHeaders(c *fiber.Ctx, limit, remaining int, resetAt time.Time) {
	c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	c.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}
