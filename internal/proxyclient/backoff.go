package proxyclient

import (
	"math/rand"
	"time"
)

// backoff implements the jittered exponential reconnect schedule: starts
// at 500ms, doubles each attempt, caps at 30s, ±25% jitter.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff() *backoff {
	return &backoff{base: 500 * time.Millisecond, cap: 30 * time.Second}
}

func (b *backoff) Duration() time.Duration {
	d := b.base << b.attempt
	if d <= 0 || d > b.cap {
		d = b.cap
	}
	b.attempt++

	jitter := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * jitter
	d = time.Duration(float64(d) + offset)
	if d < 0 {
		d = 0
	}
	return d
}

func (b *backoff) Reset() {
	b.attempt = 0
}
