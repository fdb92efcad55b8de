package consumer

import (
	"testing"
	"time"
)

func TestOptimizerDefaults(t *testing.T) {
	o := NewPollingOptimizer(0, 0, 0)
	if o.Interval() != defaultBaseInterval {
		t.Errorf("expected default base %v, got %v", defaultBaseInterval, o.Interval())
	}
}

func TestOptimizerMissStretchesInterval(t *testing.T) {
	o := NewPollingOptimizer(100*time.Millisecond, 2.0, time.Second)

	if d := o.Miss(); d != 200*time.Millisecond {
		t.Errorf("first miss = %v, want 200ms", d)
	}
	if d := o.Miss(); d != 400*time.Millisecond {
		t.Errorf("second miss = %v, want 400ms", d)
	}
	if d := o.Miss(); d != 800*time.Millisecond {
		t.Errorf("third miss = %v, want 800ms", d)
	}
	// Clamped at the ceiling.
	if d := o.Miss(); d != time.Second {
		t.Errorf("fourth miss = %v, want 1s (clamped)", d)
	}
	if d := o.Miss(); d != time.Second {
		t.Errorf("fifth miss = %v, want 1s (stays clamped)", d)
	}
}

func TestOptimizerHitResets(t *testing.T) {
	o := NewPollingOptimizer(100*time.Millisecond, 2.0, time.Second)
	o.Miss()
	o.Miss()
	o.Hit()
	if o.Interval() != 100*time.Millisecond {
		t.Errorf("after hit interval = %v, want base 100ms", o.Interval())
	}
}

func TestOptimizerWakeResets(t *testing.T) {
	o := NewPollingOptimizer(100*time.Millisecond, 2.0, time.Second)
	for i := 0; i < 5; i++ {
		o.Miss()
	}
	o.Wake()
	if o.Interval() != 100*time.Millisecond {
		t.Errorf("after wake interval = %v, want base 100ms", o.Interval())
	}
}

func TestOptimizerInvalidFactorFallsBack(t *testing.T) {
	o := NewPollingOptimizer(100*time.Millisecond, 0.5, time.Second)
	if d := o.Miss(); d <= 100*time.Millisecond {
		t.Errorf("miss with fallback factor should grow the interval, got %v", d)
	}
}
