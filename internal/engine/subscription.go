package engine

import (
	"sync"
	"time"

	"github.com/oriys/quasar/internal/consumer"
)

// Subscription is the handle returned by Consume. The engine owns the
// subscription; the handle only cancels it.
type Subscription struct {
	id     string
	Queue  string
	pool   *consumer.Pool
	engine *Engine

	cancelOnce sync.Once
}

// ID returns the subscription's registry key.
func (s *Subscription) ID() string {
	return s.id
}

// Cancel stops the subscription's workers. No further claims are taken; any
// in-flight delivery runs to completion in the background. Idempotent.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.pool.Stop()
		s.engine.removeSubscription(s.id)
	})
}

// CancelAndDrain cancels and then waits up to timeout for in-flight
// deliveries to finish. Returns false when the timeout elapsed first.
func (s *Subscription) CancelAndDrain(timeout time.Duration) bool {
	s.Cancel()
	return s.pool.Drain(timeout)
}

// Cancelled reports whether Cancel has been requested.
func (s *Subscription) Cancelled() bool {
	return s.pool.Stopped()
}
