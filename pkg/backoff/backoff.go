package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Policy computes capped exponential delays with random jitter. The zero
// value is not usable; construct with New.
type Policy struct {
	base   time.Duration
	cap    time.Duration
	jitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

const (
	defaultBase   = time.Second
	defaultCap    = time.Minute
	defaultJitter = 250 * time.Millisecond
)

func New(base, cap time.Duration) *Policy {
	if base <= 0 {
		base = defaultBase
	}
	if cap <= 0 {
		cap = defaultCap
	}
	if cap < base {
		cap = base
	}
	return &Policy{
		base:   base,
		cap:    cap,
		jitter: defaultJitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the backoff for the given attempt number (1-based). Delays
// double per attempt and never exceed the cap plus one jitter window, so
// consecutive attempts produce non-decreasing delays up to the cap.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cap {
			d = p.cap
			break
		}
	}
	return d + p.randomJitter()
}

// Next doubles the current delay, starting from base, clamped to the cap.
// Used by polling loops that widen their idle interval on repeated errors.
func (p *Policy) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return p.base
	}
	next := current * 2
	if next > p.cap {
		return p.cap
	}
	return next
}

// Base returns the configured starting delay.
func (p *Policy) Base() time.Duration {
	return p.base
}

// Cap returns the configured maximum delay.
func (p *Policy) Cap() time.Duration {
	return p.cap
}

// WithJitter adds a random jitter window to d.
func (p *Policy) WithJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + p.randomJitter()
}

func (p *Policy) randomJitter() time.Duration {
	if p.jitter <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(p.jitter)))
}
