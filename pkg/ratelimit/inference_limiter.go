// Package ratelimit enforces the per-minute and per-hour call caps in front
// of the completion endpoint.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Dual Sliding Window Limiter
// =============================================================================

// Limiter admits a call only when both sliding windows are strictly below
// their caps at the moment of admission. Acquire blocks, sleeping until the
// earliest moment an entry can leave a saturated window, then rechecks.
//
// One mutex guards the timestamp log; entries older than the hour window are
// pruned on every access.
type Limiter struct {
	mu    sync.Mutex
	calls []time.Time // admission instants, ascending

	perMinute int
	perHour   int

	minuteWindow time.Duration
	hourWindow   time.Duration

	now func() time.Time
}

// New creates a limiter with the standard one-minute and one-hour windows.
func New(perMinute, perHour int) *Limiter {
	return NewWithWindows(perMinute, perHour, time.Minute, time.Hour)
}

// NewWithWindows creates a limiter with explicit window sizes. The hour-scale
// window must be the longer one; it bounds how much history is retained.
func NewWithWindows(perMinute, perHour int, minuteWindow, hourWindow time.Duration) *Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if perHour < 1 {
		perHour = 1
	}
	if hourWindow < minuteWindow {
		hourWindow = minuteWindow
	}
	return &Limiter{
		perMinute:    perMinute,
		perHour:      perHour,
		minuteWindow: minuteWindow,
		hourWindow:   hourWindow,
		now:          time.Now,
	}
}

// Acquire blocks until admission under both windows is possible, then records
// the call. Returns the context error when cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		minuteCount := l.countSince(now.Add(-l.minuteWindow))
		if minuteCount < l.perMinute && len(l.calls) < l.perHour {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.nextExpiry(now, minuteCount)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire records a call iff admission is possible right now.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if l.countSince(now.Add(-l.minuteWindow)) < l.perMinute && len(l.calls) < l.perHour {
		l.calls = append(l.calls, now)
		return true
	}
	return false
}

// Stats reports current window occupancy.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	return Stats{
		InMinuteWindow: l.countSince(now.Add(-l.minuteWindow)),
		InHourWindow:   len(l.calls),
		PerMinute:      l.perMinute,
		PerHour:        l.perHour,
	}
}

// Stats is a point-in-time view of the windows.
type Stats struct {
	InMinuteWindow int `json:"in_minute_window"`
	InHourWindow   int `json:"in_hour_window"`
	PerMinute      int `json:"per_minute"`
	PerHour        int `json:"per_hour"`
}

// prune drops entries older than the hour window. Caller holds the mutex.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.hourWindow)
	idx := sort.Search(len(l.calls), func(i int) bool {
		return l.calls[i].After(cutoff)
	})
	if idx > 0 {
		l.calls = append(l.calls[:0], l.calls[idx:]...)
	}
}

// countSince returns how many admissions happened after cutoff.
func (l *Limiter) countSince(cutoff time.Time) int {
	idx := sort.Search(len(l.calls), func(i int) bool {
		return l.calls[i].After(cutoff)
	})
	return len(l.calls) - idx
}

// nextExpiry computes the shortest sleep after which a saturated window can
// free one slot. Caller holds the mutex and has pruned the log.
func (l *Limiter) nextExpiry(now time.Time, minuteCount int) time.Duration {
	const floor = 5 * time.Millisecond

	wait := time.Duration(0)

	if minuteCount >= l.perMinute {
		idx := sort.Search(len(l.calls), func(i int) bool {
			return l.calls[i].After(now.Add(-l.minuteWindow))
		})
		oldestInMinute := l.calls[idx]
		wait = oldestInMinute.Add(l.minuteWindow).Sub(now)
	}

	if len(l.calls) >= l.perHour {
		hourWait := l.calls[0].Add(l.hourWindow).Sub(now)
		if wait == 0 || hourWait < wait {
			wait = hourWait
		}
	}

	if wait < floor {
		wait = floor
	}
	return wait
}
