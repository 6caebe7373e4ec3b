package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	e := Exponential{Initial: time.Minute, Max: 10 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJittered_StaysInRange(t *testing.T) {
	j := Jittered{Initial: time.Second, Max: time.Minute}

	for attempt := 1; attempt <= 10; attempt++ {
		base := Exponential{Initial: time.Second, Max: time.Minute}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := j.Delay(attempt)
			assert.GreaterOrEqual(t, d, base/2)
			assert.LessOrEqual(t, d, base)
		}
	}
}

func TestConstant(t *testing.T) {
	c := Constant{Interval: 5 * time.Second}
	assert.Equal(t, 5*time.Second, c.Delay(1))
	assert.Equal(t, 5*time.Second, c.Delay(9))
}
