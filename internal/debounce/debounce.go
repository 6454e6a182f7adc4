// Package debounce suppresses repeated actions on the same key within a window.
package debounce

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the toggle debounce interval.
const DefaultWindow = 300 * time.Millisecond

// Guard admits at most one action per key per window, measured from the last admitted action.
type Guard struct {
	window   time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuard constructs a guard. A non-positive window disables debouncing.
func NewGuard(window time.Duration) *Guard {
	guard := new(Guard)
	guard.window = window
	guard.limiters = make(map[string]*rate.Limiter)
	return guard
}

// Allow reports whether an action on key at now should proceed. Rejected calls do not extend the window.
func (g *Guard) Allow(key string, now time.Time) bool {
	if g == nil || g.window <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.window), 1)
		g.limiters[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

// Window returns the configured interval.
func (g *Guard) Window() time.Duration {
	if g == nil {
		return 0
	}
	return g.window
}
