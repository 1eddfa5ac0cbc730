package quota

const smoothingAlpha = 0.3

// SmoothedCost is an exponentially smoothed moving average of a measured call
// cost. Light smoothing avoids interval jitter when a poll occasionally costs
// more calls than usual. Not safe for concurrent use; callers hold their own lock.
type SmoothedCost struct {
	value float64
}

func NewSmoothedCost(initial float64) *SmoothedCost {
	if initial <= 0 {
		initial = 1
	}
	return &SmoothedCost{value: initial}
}

// Observe folds a new measurement into the average. Non-positive measurements
// are ignored: a failed call teaches us nothing about cost.
func (c *SmoothedCost) Observe(measured float64) {
	if measured <= 0 {
		return
	}
	c.value = c.value*(1-smoothingAlpha) + measured*smoothingAlpha
}

// Value returns the smoothed cost, never below one call.
func (c *SmoothedCost) Value() float64 {
	return max(1, c.value)
}
