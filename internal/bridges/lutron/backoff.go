package lutron

import (
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	defaultBackoffFloor   = 5 * time.Second
	defaultBackoffCeiling = 10 * time.Minute
)

// Backoff is the delay applied before each reconnect attempt.
//
// The delay starts at the floor, doubles after every failed attempt up to
// the ceiling, and returns to the floor only when Reset is called, which
// the Watchdog does once a later tick finds the connection healthy.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration

	mu       sync.Mutex
	current  time.Duration
	failures int
}

// NewBackoff creates a Backoff. Non-positive values select the defaults
// (5s floor, 10m ceiling); a ceiling below the floor is raised to it.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = defaultBackoffFloor
	}
	if ceiling <= 0 {
		ceiling = defaultBackoffCeiling
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, current: floor}
}

// Current returns the delay to wait before the next attempt.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Fail records a failed attempt and doubles the delay, capped at the ceiling.
func (b *Backoff) Fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.current > b.ceiling-b.current {
		b.current = b.ceiling
	} else {
		b.current *= 2
	}
	return b.current
}

// Reset returns the delay to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.floor
	b.failures = 0
}

// Failures returns the number of consecutive failures since the last Reset.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Floor returns the minimum delay.
func (b *Backoff) Floor() time.Duration {
	return b.floor
}

// Ceiling returns the maximum delay.
func (b *Backoff) Ceiling() time.Duration {
	return b.ceiling
}
