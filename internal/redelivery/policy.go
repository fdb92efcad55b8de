// Package redelivery computes the next delivery instant for failed messages.
package redelivery

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Kind selects the backoff shape.
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
)

// Policy drives rescheduling after handler failures. After
// MaxRedeliveries failed redeliveries the message is dead-lettered
// instead of rescheduled.
type Policy struct {
	Kind Kind

	// InitialDelay spaces the first redelivery.
	InitialDelay time.Duration
	// FollowupDelay is the base for redeliveries after the first.
	FollowupDelay time.Duration
	// Step grows linear backoff per redelivery.
	Step time.Duration
	// Multiplier grows exponential backoff per redelivery.
	Multiplier float64
	// MaxDelay clamps the computed delay.
	MaxDelay time.Duration
	// MaxRedeliveries bounds redeliveries; first delivery excluded.
	MaxRedeliveries int
	// Jitter adds up to this fraction of the delay on exponential backoff.
	Jitter float64
}

// FixedBackoff redelivers every delay, up to maxRedeliveries times.
func FixedBackoff(delay time.Duration, maxRedeliveries int) Policy {
	return Policy{
		Kind:            KindFixed,
		InitialDelay:    delay,
		FollowupDelay:   delay,
		MaxDelay:        delay,
		MaxRedeliveries: maxRedeliveries,
	}
}

// LinearBackoff grows the delay by step per redelivery, clamped to maxDelay.
func LinearBackoff(base, step, maxDelay time.Duration, maxRedeliveries int) Policy {
	return Policy{
		Kind:            KindLinear,
		InitialDelay:    base,
		FollowupDelay:   base,
		Step:            step,
		MaxDelay:        maxDelay,
		MaxRedeliveries: maxRedeliveries,
	}
}

// ExponentialBackoff multiplies the delay per redelivery, clamped to
// maxDelay, with a small jitter to spread thundering herds.
func ExponentialBackoff(base time.Duration, multiplier float64, maxDelay time.Duration, maxRedeliveries int) Policy {
	return Policy{
		Kind:            KindExponential,
		InitialDelay:    base,
		FollowupDelay:   base,
		Multiplier:      multiplier,
		MaxDelay:        maxDelay,
		MaxRedeliveries: maxRedeliveries,
		Jitter:          0.1,
	}
}

// Validate reports configuration errors up front.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindFixed, KindLinear, KindExponential:
	default:
		return fmt.Errorf("unknown redelivery policy kind: %q", p.Kind)
	}
	if p.InitialDelay < 0 || p.FollowupDelay < 0 || p.Step < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("redelivery delays must not be negative")
	}
	if p.MaxRedeliveries < 0 {
		return fmt.Errorf("max redeliveries must not be negative")
	}
	if p.Kind == KindExponential && p.Multiplier < 1 {
		return fmt.Errorf("exponential multiplier must be >= 1")
	}
	return nil
}

// Delay returns the backoff before the next delivery, given the number of
// redeliveries already recorded (0 before the first redelivery).
func (p Policy) Delay(redeliveries int) time.Duration {
	if redeliveries < 0 {
		redeliveries = 0
	}

	var d time.Duration
	switch p.Kind {
	case KindLinear:
		d = p.FollowupDelay + time.Duration(redeliveries)*p.Step
	case KindExponential:
		scaled := float64(p.FollowupDelay) * math.Pow(p.Multiplier, float64(redeliveries))
		if scaled > float64(math.MaxInt64) {
			scaled = float64(math.MaxInt64)
		}
		d = time.Duration(scaled)
	default:
		d = p.FollowupDelay
	}
	if redeliveries == 0 {
		d = p.InitialDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Kind == KindExponential && p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Exhausted reports whether a failed delivery numbered totalAttempts has
// consumed the redelivery budget: the first delivery plus MaxRedeliveries
// redeliveries.
func (p Policy) Exhausted(totalAttempts int) bool {
	return totalAttempts >= 1+p.MaxRedeliveries
}
