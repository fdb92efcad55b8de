// Package engine is the durable-queues facade: it orchestrates enqueue,
// queries, purge, dead-letter handling, and consumer lifecycles over the
// message store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/consumer"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/redelivery"
	"github.com/oriys/quasar/internal/serde"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/txn"
)

// MessageStore is the full store surface the engine drives.
type MessageStore interface {
	consumer.MessageStore

	Insert(ctx context.Context, msg *store.QueuedMessage, delay time.Duration) (string, error)
	InsertAsDeadLetter(ctx context.Context, msg *store.QueuedMessage, cause string) (string, error)
	Resurrect(ctx context.Context, id string, delay time.Duration) (*store.QueuedMessage, error)
	Get(ctx context.Context, id string) (*store.QueuedMessage, error)
	GetDeadLetter(ctx context.Context, id string) (*store.QueuedMessage, error)
	ListQueued(ctx context.Context, queue string, ascending bool, skip, limit int) ([]*store.QueuedMessage, error)
	ListDeadLetters(ctx context.Context, queue string, ascending bool, skip, limit int) ([]*store.QueuedMessage, error)
	CountQueued(ctx context.Context, queue string) (int64, error)
	CountDeadLetters(ctx context.Context, queue string) (int64, error)
	QueryDueSoon(ctx context.Context, queue string, upTo time.Time, limit int) ([]*store.QueuedMessage, error)
	Purge(ctx context.Context, queue string) (int64, error)
}

// Options configure the engine. Zero values fall back to defaults.
type Options struct {
	Mode                        txn.Mode
	MessageHandlingTimeout      time.Duration
	PollingInterval             time.Duration
	PollingDelayIncrementFactor float64
	MaxPollingInterval          time.Duration
	DrainTimeout                time.Duration

	Serializer serde.Serializer
	Notifier   queue.Notifier
	UnitOfWork txn.Factory
	Metrics    *metrics.Metrics
}

const defaultDrainTimeout = 30 * time.Second

// Engine owns the subscription registry and routes every operation through
// the store.
type Engine struct {
	store      MessageStore
	serializer serde.Serializer
	notifier   queue.Notifier
	opts       Options

	mu      sync.Mutex
	subs    map[string]*Subscription
	started bool
	stopped bool
}

// New builds an engine over the store. The store is the single source of
// truth; the engine adds validation, serialization, wake signals, and
// consumer lifecycle management.
func New(s MessageStore, opts Options) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("message store is required")
	}
	mode, err := txn.ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode
	if mode == txn.FullyTransactional && opts.UnitOfWork == nil {
		return nil, fmt.Errorf("fully transactional mode requires a unit-of-work factory")
	}
	if opts.MessageHandlingTimeout <= 0 {
		opts.MessageHandlingTimeout = store.DefaultLeaseTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Serializer == nil {
		opts.Serializer = serde.NewJSONSerializer()
	}
	if opts.Notifier == nil {
		opts.Notifier = queue.NewChannelNotifier()
	}
	return &Engine{
		store:      s,
		serializer: opts.Serializer,
		notifier:   opts.Notifier,
		opts:       opts,
		subs:       make(map[string]*Subscription),
	}, nil
}

// Start activates registered subscriptions and, when the notifier needs a
// listening connection, attaches it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	if starter, ok := e.notifier.(interface{ Start(context.Context) }); ok {
		starter.Start(ctx)
	}
	for _, sub := range e.subs {
		sub.pool.Start()
	}
	logging.Op().Info("queue engine started", "subscriptions", len(e.subs), "mode", string(e.opts.Mode))
}

// Stop cancels all subscriptions and waits for handler drain up to the
// configured drain timeout. Messages still in flight afterwards release
// their claims at lease expiry and re-enter the ready state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[string]*Subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.pool.Stop()
	}
	deadline := time.Now().Add(e.opts.DrainTimeout)
	for _, sub := range subs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			// Drain treats a non-positive timeout as "wait forever".
			remaining = time.Nanosecond
		}
		if !sub.pool.Drain(remaining) {
			logging.Op().Warn("subscription drain timed out", "queue", sub.Queue)
		}
	}
	if err := e.notifier.Close(); err != nil {
		logging.Op().Warn("close notifier", "error", err)
	}
	logging.Op().Info("queue engine stopped")
}

// EnqueueOptions extend Enqueue with scheduling, metadata, and ordering.
type EnqueueOptions struct {
	Delay    time.Duration
	Metadata map[string]string
	Ordered  bool
	Key      string
	KeyOrder int64
}

// Enqueue serializes message and stores it on queue, due after the optional
// delay. Returns the assigned message id.
func (e *Engine) Enqueue(ctx context.Context, queueName string, message any, opts *EnqueueOptions) (string, error) {
	msg, delay, err := e.buildMessage(queueName, message, opts)
	if err != nil {
		return "", err
	}

	ctx, span := observability.StartSpan(ctx, "quasar.enqueue",
		observability.AttrQueue.String(queueName),
		observability.AttrMessageID.String(msg.ID),
		observability.AttrDeliveryMode.String(string(msg.DeliveryMode)),
		observability.AttrDeliveryDelay.Int64(delay.Milliseconds()),
	)
	defer span.End()

	id, err := e.store.Insert(ctx, msg, delay)
	if err != nil {
		observability.SetSpanError(span, err)
		return "", err
	}
	e.opts.Metrics.Enqueued(queueName, "ready")
	e.wake(ctx, queueName)
	observability.SetSpanOK(span)
	return id, nil
}

// EnqueueAsDeadLetter stores message directly in dead-letter state. It is
// invisible to consumers until resurrected. Ordering options still apply:
// an ordered dead letter blocks its key's successors until resurrected and
// completed.
func (e *Engine) EnqueueAsDeadLetter(ctx context.Context, queueName string, message any, cause string, opts *EnqueueOptions) (string, error) {
	msg, _, err := e.buildMessage(queueName, message, opts)
	if err != nil {
		return "", err
	}
	if cause == "" {
		return "", fmt.Errorf("dead letter cause is required")
	}
	id, err := e.store.InsertAsDeadLetter(ctx, msg, cause)
	if err != nil {
		return "", err
	}
	e.opts.Metrics.Enqueued(queueName, "dead_letter")
	return id, nil
}

func (e *Engine) buildMessage(queueName string, message any, opts *EnqueueOptions) (*store.QueuedMessage, time.Duration, error) {
	if queueName == "" {
		return nil, 0, fmt.Errorf("queue name is required")
	}
	if message == nil {
		return nil, 0, fmt.Errorf("message is required")
	}
	var delay time.Duration
	if opts != nil {
		delay = opts.Delay
	}
	if delay < 0 {
		return nil, 0, fmt.Errorf("delivery delay must not be negative")
	}
	if opts != nil && opts.Ordered && opts.Key == "" {
		return nil, 0, fmt.Errorf("ordered messages require a key")
	}

	payload, typeTag, err := e.serializer.Serialize(message)
	if err != nil {
		return nil, 0, err
	}

	msg := store.NewQueuedMessage(queueName, payload, typeTag)
	if opts != nil {
		msg.Metadata = opts.Metadata
		if opts.Ordered {
			msg.DeliveryMode = store.DeliveryModeOrdered
			msg.Key = opts.Key
			msg.KeyOrder = opts.KeyOrder
		}
	}
	return msg, delay, nil
}

// Consume registers a subscription running parallel workers against queue.
// When the engine is already started the workers begin polling immediately.
func (e *Engine) Consume(queueName string, policy redelivery.Policy, parallel int, handler consumer.Handler) (*Subscription, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if parallel <= 0 {
		parallel = 1
	}

	optimizer := consumer.NewPollingOptimizer(
		e.opts.PollingInterval,
		e.opts.PollingDelayIncrementFactor,
		e.opts.MaxPollingInterval,
	)
	pool, err := consumer.New(e.store, consumer.Config{
		Queue:           queueName,
		Consumers:       parallel,
		Policy:          policy,
		Handler:         handler,
		HandlingTimeout: e.opts.MessageHandlingTimeout,
		Mode:            e.opts.Mode,
		UnitOfWork:      e.opts.UnitOfWork,
		Notifier:        e.notifier,
		Optimizer:       optimizer,
		Metrics:         e.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:     uuid.New().String(),
		Queue:  queueName,
		pool:   pool,
		engine: e,
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is stopped")
	}
	e.subs[sub.id] = sub
	started := e.started
	e.mu.Unlock()

	if started {
		pool.Start()
	}
	return sub, nil
}

// AcknowledgeAsHandled completes a message from a manual-acknowledgement
// handler before its claim lease lapses.
func (e *Engine) AcknowledgeAsHandled(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("message id is required")
	}
	if err := e.store.Ack(ctx, id); err != nil {
		return err
	}
	return nil
}

// GetMessage returns the stored snapshot for id in any lifecycle state.
func (e *Engine) GetMessage(ctx context.Context, id string) (*store.QueuedMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("message id is required")
	}
	return e.store.Get(ctx, id)
}

// GetDeadLetterMessage returns the snapshot only when id is dead-lettered.
func (e *Engine) GetDeadLetterMessage(ctx context.Context, id string) (*store.QueuedMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("message id is required")
	}
	return e.store.GetDeadLetter(ctx, id)
}

// QueuedCount counts the live (non-dead-letter) messages on queue.
func (e *Engine) QueuedCount(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, fmt.Errorf("queue name is required")
	}
	return e.store.CountQueued(ctx, queueName)
}

// DeadLetterCount counts the dead letters on queue.
func (e *Engine) DeadLetterCount(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, fmt.Errorf("queue name is required")
	}
	return e.store.CountDeadLetters(ctx, queueName)
}

func (e *Engine) ListQueued(ctx context.Context, queueName string, ascending bool, skip, limit int) ([]*store.QueuedMessage, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return e.store.ListQueued(ctx, queueName, ascending, skip, limit)
}

func (e *Engine) ListDeadLetters(ctx context.Context, queueName string, ascending bool, skip, limit int) ([]*store.QueuedMessage, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return e.store.ListDeadLetters(ctx, queueName, ascending, skip, limit)
}

func (e *Engine) QueryDueSoon(ctx context.Context, queueName string, upTo time.Time, limit int) ([]*store.QueuedMessage, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return e.store.QueryDueSoon(ctx, queueName, upTo, limit)
}

// ResurrectDeadLetter returns a dead letter to its queue, due after delay,
// and wakes the queue's consumers.
func (e *Engine) ResurrectDeadLetter(ctx context.Context, id string, delay time.Duration) (*store.QueuedMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("message id is required")
	}
	if delay < 0 {
		return nil, fmt.Errorf("delivery delay must not be negative")
	}
	msg, err := e.store.Resurrect(ctx, id, delay)
	if err != nil {
		return nil, err
	}
	e.opts.Metrics.Resurrected(msg.QueueName)
	e.wake(ctx, msg.QueueName)
	logging.Op().Info("dead letter resurrected", "queue", msg.QueueName, "message", id, "delay", delay)
	return msg, nil
}

// Purge deletes every record on queue that is not claimed by a worker and
// returns the deletion count.
func (e *Engine) Purge(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, fmt.Errorf("queue name is required")
	}
	n, err := e.store.Purge(ctx, queueName)
	if err != nil {
		return 0, err
	}
	e.opts.Metrics.Purged(queueName, n)
	logging.Op().Info("queue purged", "queue", queueName, "deleted", n)
	return n, nil
}

// DecodePayload reconstructs the typed payload of a snapshot through the
// engine's serializer.
func (e *Engine) DecodePayload(msg *store.QueuedMessage) (any, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}
	return e.serializer.Deserialize(msg.Payload, msg.PayloadType)
}

// wake forwards a new-work signal to the queue's consumers. Best effort: a
// failed notify only costs polling latency.
func (e *Engine) wake(ctx context.Context, queueName string) {
	if err := e.notifier.Notify(ctx, queueName); err != nil {
		logging.Op().Warn("queue wake signal failed", "queue", queueName, "error", err)
	}
}

func (e *Engine) removeSubscription(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}
