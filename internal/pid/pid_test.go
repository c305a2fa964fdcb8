package pid

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestUpdate_ClampsToOutputBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("output never leaves [min, max]", prop.ForAll(
		func(measured, setpoint float64, outMax int) bool {
			c := New(2, 1, 0.5, setpoint, 1, float64(outMax))
			now := time.Unix(0, 0)
			out := c.Update(measured, now)
			return float64(out) >= c.OutputMin && float64(out) <= c.OutputMax
		},
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestUpdate_MaxBelowMinFallsBackToMin(t *testing.T) {
	c := New(1, 0, 0, 100, 5, 2) // OutputMax < OutputMin
	out := c.Update(0, time.Unix(0, 0))
	assert.Equal(t, 5, out)
}

func TestUpdate_ZeroErrorClampsToOutputMin(t *testing.T) {
	c := New(1, 1, 1, 50, 1, 100)
	out := c.Update(50, time.Unix(0, 0))
	assert.Equal(t, 1, out) // e=0 gives a raw output of 0, clamped up to OutputMin
}

func TestSetOutputMax_PreservesIntegral(t *testing.T) {
	c := New(0, 1, 0, 100, 1, 10)
	now := time.Unix(0, 0)
	c.Update(50, now) // accumulates integral
	before := c.integral
	c.SetOutputMax(50)
	assert.Equal(t, before, c.integral)
	assert.Equal(t, 50.0, c.OutputMax)
}

func TestReset_ClearsMemory(t *testing.T) {
	c := New(1, 1, 1, 100, 1, 100)
	c.Update(10, time.Unix(0, 0))
	c.Reset()
	assert.Equal(t, 0.0, c.integral)
	assert.Equal(t, 0.0, c.lastErr)
	assert.False(t, c.hasLast)
}

func TestUpdate_NegativeDtTreatedAsZero(t *testing.T) {
	c := New(1, 1, 0, 100, 1, 100)
	first := time.Unix(10, 0)
	c.Update(50, first)
	// a clock that moves backwards should not corrupt the integral.
	before := c.integral
	c.Update(50, time.Unix(5, 0))
	assert.Equal(t, before, c.integral)
}
