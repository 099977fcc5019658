// Package pid implements a discrete PID controller whose output is a bounded
// integer, such as a worker count.
package pid

import "math"

// DefaultIntegralGuard is the error magnitude at or above which the integral
// term stops accumulating.
const DefaultIntegralGuard = 1000

type Gains struct {
	Kp float64 `mapstructure:"kp"`
	Ki float64 `mapstructure:"ki"`
	Kd float64 `mapstructure:"kd"`
}

// State is a snapshot of the controller memory.
type State struct {
	PreviousError float64
	Integral      float64
}

// Controller is not safe for concurrent use; drive it from one loop.
type Controller struct {
	gains         Gains
	minOutput     int
	maxOutput     int
	integralGuard float64

	previousError float64
	integral      float64
}

type Option func(*Controller)

func WithIntegralGuard(guard float64) Option {
	return func(c *Controller) {
		if guard > 0 {
			c.integralGuard = guard
		}
	}
}

// New returns a controller whose output baseline is minOutput.
func New(gains Gains, minOutput, maxOutput int, opts ...Option) *Controller {
	if maxOutput < minOutput {
		maxOutput = minOutput
	}
	c := &Controller{
		gains:         gains,
		minOutput:     minOutput,
		maxOutput:     maxOutput,
		integralGuard: DefaultIntegralGuard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute returns the control output for one sample. The PID term is added
// to the minimum output, truncated toward zero and clamped.
func (c *Controller) Compute(target, measured float64) int {
	err := measured - target

	if math.Abs(err) < c.integralGuard {
		c.integral += err
	}
	derivative := err - c.previousError
	raw := c.gains.Kp*err + c.gains.Ki*c.integral + c.gains.Kd*derivative
	c.previousError = err

	return clamp(float64(c.minOutput)+raw, c.minOutput, c.maxOutput)
}

func (c *Controller) State() State {
	return State{PreviousError: c.previousError, Integral: c.integral}
}

func (c *Controller) Reset() {
	c.previousError = 0
	c.integral = 0
}

func (c *Controller) Bounds() (int, int) {
	return c.minOutput, c.maxOutput
}

func clamp(v float64, lo, hi int) int {
	if math.IsNaN(v) || v <= float64(lo) {
		return lo
	}
	if v >= float64(hi) {
		return hi
	}
	return int(v)
}
