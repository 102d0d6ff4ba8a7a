package poll

import (
	"sync"
	"time"
)

// Throttle limits subscriber-facing failure notices to one per cooldown window.
type Throttle struct {
	last     time.Time
	mu       sync.Mutex
	cooldown time.Duration
}

// NewThrottle creates a throttle with the given cooldown.
func NewThrottle(cooldown time.Duration) *Throttle {
	return &Throttle{cooldown: cooldown}
}

// ShouldNotify reports whether a notice may be sent at now and, if so, records now
// as the last notice time in the same critical section.
func (t *Throttle) ShouldNotify(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.last.IsZero() && now.Sub(t.last) <= t.cooldown {
		return false
	}
	t.last = now
	return true
}

// LastNotified returns the time of the last notice, zero if none was sent.
func (t *Throttle) LastNotified() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
