package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/internal/logging"
)

// TableChangeEvent is the JSON envelope published by the queue table trigger.
type TableChangeEvent struct {
	Table     string `json:"table"`
	Operation string `json:"operation"` // insert | update | delete
	ID        string `json:"id"`
	QueueName string `json:"queue_name"`
}

// ParseTableChangeEvent decodes a NOTIFY payload.
func ParseTableChangeEvent(payload string) (*TableChangeEvent, error) {
	var ev TableChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("parse table change event: %w", err)
	}
	if ev.Table == "" || ev.Operation == "" {
		return nil, fmt.Errorf("incomplete table change event: %q", payload)
	}
	return &ev, nil
}

const listenRetryDelay = 2 * time.Second

// ChangeListener holds a dedicated connection on LISTEN and forwards decoded
// table-change events to a callback. A broken connection is re-established;
// while it is down, consumers degrade to pure polling.
type ChangeListener struct {
	pool    *pgxpool.Pool
	channel string
	onEvent func(*TableChangeEvent)
}

// NewChangeListener creates a listener on the given NOTIFY channel.
func NewChangeListener(pool *pgxpool.Pool, channel string, onEvent func(*TableChangeEvent)) *ChangeListener {
	if channel == "" {
		channel = NotifyChannel
	}
	return &ChangeListener{pool: pool, channel: channel, onEvent: onEvent}
}

// Run blocks listening for notifications until ctx is cancelled.
func (l *ChangeListener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			logging.Op().Warn("queue change listener disconnected", "channel", l.channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
		}
	}
}

func (l *ChangeListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	logging.Op().Debug("queue change listener attached", "channel", l.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := ParseTableChangeEvent(notification.Payload)
		if err != nil {
			logging.Op().Warn("discarding malformed change notification", "error", err)
			continue
		}
		if l.onEvent != nil {
			l.onEvent(ev)
		}
	}
}
