package proxyclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := newBackoff()

	first := b.Duration()
	assert.InDelta(t, 500*time.Millisecond, first, float64(500*time.Millisecond)*0.25+1)

	for i := 0; i < 20; i++ {
		d := b.Duration()
		assert.LessOrEqual(t, d, b.cap+time.Duration(float64(b.cap)*0.25))
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff()
	b.Duration()
	b.Duration()
	b.Duration()
	assert.Greater(t, b.attempt, 0)

	b.Reset()
	assert.Equal(t, 0, b.attempt)
}
