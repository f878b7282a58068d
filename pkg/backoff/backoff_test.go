package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/taskgate/pkg/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestExponential_Doubles(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{100, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Minute)

	for attempt := 1; attempt <= 8; attempt++ {
		base := time.Second << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := e.Delay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+base/2)
		}
	}
}

func TestExponentialWithJitter_StrictlyIncreasingUntilCap(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Minute)

	// Worst case for monotonicity: maximal jitter followed by none.
	flip := true
	e.Rand = func() float64 {
		flip = !flip
		if flip {
			return 0
		}
		return 0.999
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := e.Delay(attempt)
		if d == 10*time.Minute {
			break
		}
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 10*time.Minute, e.Delay(30))
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	assert.LessOrEqual(t, s.Delay(50), 10*time.Minute)
	assert.GreaterOrEqual(t, s.Delay(1), time.Second)
}
