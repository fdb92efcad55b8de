package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/internal/store"
)

// PostgresNotifier rides the queue table's LISTEN/NOTIFY change stream. The
// row-change trigger installed by the store publishes a JSON event per row
// change, so producers on other processes wake consumers here without any
// extra infrastructure.
type PostgresNotifier struct {
	pool    *pgxpool.Pool
	channel string
	local   *ChannelNotifier

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPostgresNotifier creates a notifier over the store's NOTIFY channel.
func NewPostgresNotifier(pool *pgxpool.Pool, channel string) *PostgresNotifier {
	if channel == "" {
		channel = store.NotifyChannel
	}
	return &PostgresNotifier{
		pool:    pool,
		channel: channel,
		local:   NewChannelNotifier(),
		done:    make(chan struct{}),
	}
}

// Start attaches the listener connection. Safe to call once; subsequent
// calls are no-ops.
func (n *PostgresNotifier) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		n.cancel = cancel
		listener := store.NewChangeListener(n.pool, n.channel, func(ev *store.TableChangeEvent) {
			// Only inserts and updates can make a message claimable.
			if ev.Operation == "delete" || ev.QueueName == "" {
				return
			}
			_ = n.local.Notify(runCtx, ev.QueueName)
		})
		go func() {
			defer close(n.done)
			listener.Run(runCtx)
		}()
	})
}

// Notify publishes a synthetic change event so that subscribers on every
// process sharing the channel wake up, not only local ones.
func (n *PostgresNotifier) Notify(ctx context.Context, queue string) error {
	payload, err := json.Marshal(store.TableChangeEvent{
		Table:     "queue",
		Operation: "insert",
		QueueName: queue,
	})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (n *PostgresNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	return n.local.Subscribe(ctx, queue)
}

func (n *PostgresNotifier) Close() error {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
	return n.local.Close()
}
