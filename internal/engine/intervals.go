package engine

import "time"

// Intervals holds the polling interval knobs for the monitoring loop.
type Intervals struct {
	// Base is the short interval used while a resource is proving stability.
	Base time.Duration
	// NonHealthyStep is added per consecutive non-healthy cycle.
	NonHealthyStep time.Duration
	// NonHealthyCeiling caps the stepped growth while non-healthy.
	NonHealthyCeiling time.Duration
	// Healthy is the long interval used once a resource is steadily healthy.
	Healthy time.Duration
	// SteadyThreshold is the number of consecutive healthy cycles required
	// before the loop slows down to the Healthy interval.
	SteadyThreshold int
}

// DefaultIntervals returns the default polling configuration.
func DefaultIntervals() Intervals {
	return Intervals{
		Base:              3 * time.Second,
		NonHealthyStep:    5 * time.Second,
		NonHealthyCeiling: 30 * time.Second,
		Healthy:           30 * time.Second,
		SteadyThreshold:   3,
	}
}

func (i Intervals) withDefaults() Intervals {
	defaults := DefaultIntervals()
	if i.Base <= 0 {
		i.Base = defaults.Base
	}
	if i.NonHealthyStep <= 0 {
		i.NonHealthyStep = defaults.NonHealthyStep
	}
	if i.NonHealthyCeiling <= 0 {
		i.NonHealthyCeiling = defaults.NonHealthyCeiling
	}
	if i.Healthy <= 0 {
		i.Healthy = defaults.Healthy
	}
	if i.SteadyThreshold <= 0 {
		i.SteadyThreshold = defaults.SteadyThreshold
	}
	return i
}
