// Package pid implements the scalar feedback controller spec.md §4.4
// describes. No PID implementation exists anywhere in the retrieval
// pack, so this follows the teacher's general struct+method style
// (small state struct, one mutating update method) rather than any
// specific file. stdlib math only — the update rule is a closed-form
// scalar formula with no library analogue in the pack.
package pid

import (
	"math"
	"time"
)

// Controller is a standard PID controller with clamped output.
type Controller struct {
	Kp, Ki, Kd float64
	Setpoint   float64
	OutputMin  float64
	OutputMax  float64

	integral float64
	lastErr  float64
	lastTime time.Time
	hasLast  bool
}

// New builds a Controller from explicit gains and bounds; it applies no
// defaults of its own (config.Defaults supplies kp=0.5, ki=0.05, kd=0.1,
// setpoint=90, and the engine passes outputMin=1).
func New(kp, ki, kd, setpoint, outputMin, outputMax float64) *Controller {
	return &Controller{Kp: kp, Ki: ki, Kd: kd, Setpoint: setpoint, OutputMin: outputMin, OutputMax: outputMax}
}

// Update feeds one new measurement and returns the clamped integer
// output, per spec.md §4.4's four-step formula.
func (c *Controller) Update(measured float64, now time.Time) int {
	e := c.Setpoint - measured

	var dt float64
	if c.hasLast {
		dt = now.Sub(c.lastTime).Seconds()
	} else {
		dt = 1
	}
	if dt < 0 {
		dt = 0
	}

	c.integral += e * dt
	var derivative float64
	if dt > 0 {
		derivative = (e - c.lastErr) / dt
	}

	out := c.Kp*e + c.Ki*c.integral + c.Kd*derivative
	out = math.Round(out)

	c.lastErr = e
	c.lastTime = now
	c.hasLast = true

	outMax := c.OutputMax
	if outMax < c.OutputMin {
		outMax = c.OutputMin
	}
	if out < c.OutputMin {
		out = c.OutputMin
	}
	if out > outMax {
		out = outMax
	}
	return int(out)
}

// SetOutputMax adjusts the output ceiling without resetting integral
// state, used when the DecisionEngine's adjustedMax changes tick to
// tick.
func (c *Controller) SetOutputMax(max float64) {
	c.OutputMax = max
}

// Reset clears the controller's integral/derivative memory so the next
// Update behaves like the first one.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastErr = 0
	c.hasLast = false
}
