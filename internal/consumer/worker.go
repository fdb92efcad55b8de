package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/redelivery"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/txn"
)

// Handler consumes one message snapshot: nil return completes it, an error
// triggers rescheduling per the redelivery policy.
type Handler func(ctx context.Context, msg *store.QueuedMessage) error

// MessageStore is the slice of the store a worker pool needs.
type MessageStore interface {
	ClaimNextDue(ctx context.Context, queue, claimant string, lease time.Duration) (*store.QueuedMessage, error)
	Ack(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, nextAt time.Time, lastError string, incrementAttempts bool) error
	MarkDeadLetter(ctx context.Context, id, lastError string) error
}

// Config configures one subscription's worker pool.
type Config struct {
	Queue           string
	Consumers       int
	Policy          redelivery.Policy
	Handler         Handler
	HandlingTimeout time.Duration
	Mode            txn.Mode
	UnitOfWork      txn.Factory    // required for fully_transactional deliveries
	Notifier        queue.Notifier // optional push-based wake source
	Optimizer       *PollingOptimizer
	Metrics         *metrics.Metrics
}

const defaultConsumers = 1

// Pool runs the poll → dispatch → settle loop for one subscription.
type Pool struct {
	store    MessageStore
	cfg      Config
	notifier queue.Notifier

	stopCh  chan struct{}
	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a worker pool. The pool does not poll until Start.
func New(s MessageStore, cfg Config) (*Pool, error) {
	if s == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = defaultConsumers
	}
	if cfg.HandlingTimeout <= 0 {
		cfg.HandlingTimeout = store.DefaultLeaseTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = txn.SingleOperation
	}
	if cfg.Mode == txn.FullyTransactional && cfg.UnitOfWork == nil {
		return nil, fmt.Errorf("fully transactional mode requires a unit-of-work factory")
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = NewPollingOptimizer(0, 0, 0)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Pool{
		store:    s,
		cfg:      cfg,
		notifier: notifier,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the consumer workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Consumers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Op().Info("queue consumers started",
		"queue", p.cfg.Queue,
		"consumers", p.cfg.Consumers,
		"mode", string(p.cfg.Mode),
	)
}

// Stop flips the cancellation flag. No new claims are taken; in-flight
// deliveries run to completion. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// Drain waits for the workers to exit, up to timeout. It returns false when
// deliveries were still in flight at the deadline; their claims lapse and
// the messages re-enter the ready state.
func (p *Pool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stopped reports whether Stop has been requested.
func (p *Pool) Stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("%s-consumer-%d", p.cfg.Queue, id)

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyCh := p.notifier.Subscribe(subCtx, p.cfg.Queue)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		msg, err := p.store.ClaimNextDue(context.Background(), p.cfg.Queue, workerID, p.cfg.HandlingTimeout)
		if err != nil {
			// Transient store failure: no state changed, retry next poll.
			logging.Op().Warn("claim next due failed", "queue", p.cfg.Queue, "worker", workerID, "error", err)
			p.cfg.Metrics.PollOutcome(p.cfg.Queue, "error")
			if !p.sleep(p.cfg.Optimizer.Interval(), notifyCh) {
				return
			}
			continue
		}
		if msg == nil {
			interval := p.cfg.Optimizer.Miss()
			p.cfg.Metrics.PollOutcome(p.cfg.Queue, "miss")
			p.cfg.Metrics.SetPollInterval(p.cfg.Queue, interval)
			if !p.sleep(interval, notifyCh) {
				return
			}
			continue
		}

		p.cfg.Optimizer.Hit()
		p.cfg.Metrics.PollOutcome(p.cfg.Queue, "hit")
		p.cfg.Metrics.SetPollInterval(p.cfg.Queue, p.cfg.Optimizer.Interval())
		p.deliver(workerID, msg)
	}
}

// sleep blocks until the interval elapses, a wake signal arrives, or the
// pool stops. Returns false on stop.
func (p *Pool) sleep(interval time.Duration, notifyCh <-chan struct{}) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-notifyCh:
		p.cfg.Optimizer.Wake()
		return true
	case <-timer.C:
		return true
	}
}

func (p *Pool) deliver(workerID string, msg *store.QueuedMessage) {
	ctx, span := observability.StartSpan(context.Background(), "quasar.deliver",
		attribute.String("quasar.queue", msg.QueueName),
		attribute.String("quasar.message_id", msg.ID),
		attribute.Int("quasar.delivery_attempts", msg.DeliveryAttempts),
	)
	defer span.End()

	start := time.Now()
	handlerErr := p.invoke(ctx, msg)
	p.cfg.Metrics.ObserveHandler(p.cfg.Queue, time.Since(start), handlerErr == nil)

	if handlerErr == nil {
		p.settleSuccess(ctx, msg)
		observability.SetSpanOK(span)
		return
	}

	observability.SetSpanError(span, handlerErr)
	p.settleFailure(ctx, msg, handlerErr)
}

// invoke runs the handler, bounding it by the handling timeout and
// converting panics into handler failures. In fully transactional mode the
// handler and the ack share one transaction; a failed commit is returned as
// a delivery failure, so the message is rescheduled (or dead-lettered) and
// redelivers.
func (p *Pool) invoke(ctx context.Context, msg *store.QueuedMessage) error {
	if p.cfg.Mode == txn.FullyTransactional {
		return p.cfg.UnitOfWork.WithinTx(ctx, func(txCtx context.Context) error {
			if err := p.callHandler(txCtx, msg); err != nil {
				return err
			}
			return p.store.Ack(txCtx, msg.ID)
		})
	}
	return p.callHandler(ctx, msg)
}

func (p *Pool) callHandler(ctx context.Context, msg *store.QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlingTimeout)
	defer cancel()
	return p.cfg.Handler(hctx, msg)
}

func (p *Pool) settleSuccess(ctx context.Context, msg *store.QueuedMessage) {
	switch p.cfg.Mode {
	case txn.FullyTransactional:
		// Acked inside the delivery transaction.
	case txn.ManualAcknowledgement:
		// The handler owns the ack; an unacked claim lapses at the lease
		// timeout and the message re-readies.
		p.cfg.Metrics.Delivery(p.cfg.Queue, "handled")
		logging.Op().Debug("message handled, awaiting manual ack", "queue", p.cfg.Queue, "message", msg.ID)
		return
	default:
		if err := p.store.Ack(ctx, msg.ID); err != nil {
			logging.Op().Error("ack after delivery failed; claim will lapse",
				"queue", p.cfg.Queue, "message", msg.ID, "error", err)
			return
		}
	}
	p.cfg.Metrics.Delivery(p.cfg.Queue, "acked")
	logging.Op().Debug("message delivered", "queue", p.cfg.Queue, "message", msg.ID, "attempt", msg.DeliveryAttempts+1)
}

func (p *Pool) settleFailure(ctx context.Context, msg *store.QueuedMessage, handlerErr error) {
	attempts := msg.DeliveryAttempts + 1

	if p.cfg.Policy.Exhausted(attempts) {
		if err := p.store.MarkDeadLetter(ctx, msg.ID, handlerErr.Error()); err != nil {
			logging.Op().Error("mark dead letter failed", "queue", p.cfg.Queue, "message", msg.ID, "error", err)
			return
		}
		p.cfg.Metrics.Delivery(p.cfg.Queue, "dead_lettered")
		logging.Op().Warn("message dead-lettered",
			"queue", p.cfg.Queue, "message", msg.ID,
			"attempts", attempts, "max_redeliveries", p.cfg.Policy.MaxRedeliveries,
			"error", handlerErr)
		return
	}

	// The snapshot's counters predate this attempt; once this failure is
	// settled, DeliveryAttempts redeliveries will have been scheduled.
	delay := p.cfg.Policy.Delay(msg.DeliveryAttempts)
	nextAt := time.Now().UTC().Add(delay)
	if err := p.store.Reschedule(ctx, msg.ID, nextAt, handlerErr.Error(), true); err != nil {
		logging.Op().Error("reschedule failed", "queue", p.cfg.Queue, "message", msg.ID, "error", err)
		return
	}
	p.cfg.Metrics.Delivery(p.cfg.Queue, "rescheduled")
	logging.Op().Warn("message redelivery scheduled",
		"queue", p.cfg.Queue, "message", msg.ID,
		"attempt", attempts, "next_delivery_at", nextAt,
		"error", handlerErr)
}
