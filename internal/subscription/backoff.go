package subscription

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: min(base * 2^attempt, cap) plus jitter.
// Delay is a pure function of the attempt number (modulo jitter), so retry
// schedules are unit-testable without real timers.
type Backoff struct {
	Base   time.Duration // Delay before the first retry
	Cap    time.Duration // Upper bound for the exponential part
	Jitter float64       // Jitter fraction of the capped delay (0.0 to 1.0)

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff creates a backoff with its own jitter source.
func NewBackoff(base, cap time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	if jitter < 0 || jitter > 1 {
		jitter = 0.1
	}

	return &Backoff{
		Base:   base,
		Cap:    cap,
		Jitter: jitter,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	if delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}

	// Jitter spreads simultaneous reconnects apart (-jitter to +jitter).
	b.mu.Lock()
	jitter := b.Jitter * delay * (b.rand.Float64()*2 - 1)
	b.mu.Unlock()

	final := delay + jitter
	if final < 0 {
		final = 0
	}
	return time.Duration(final)
}
