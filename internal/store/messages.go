package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DeliveryMode selects how a message participates in ordering.
type DeliveryMode string

const (
	// DeliveryModeNormal messages follow best-effort due-time FIFO.
	DeliveryModeNormal DeliveryMode = "normal"
	// DeliveryModeOrdered messages carry a (key, key_order) pair and are
	// delivered in strictly ascending key_order per (queue, key).
	DeliveryModeOrdered DeliveryMode = "ordered"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	// DefaultLeaseTimeout bounds how long a claim may stay in flight without
	// being settled before it becomes reclaimable.
	DefaultLeaseTimeout = 30 * time.Second
)

var (
	ErrMessageNotFound = errors.New("queued message not found")
	ErrNotDeadLetter   = errors.New("message is not a dead letter")
)

// QueuedMessage is the persisted message record and the snapshot handed to
// consumer handlers.
type QueuedMessage struct {
	ID                 string            `json:"id"`
	QueueName          string            `json:"queue_name"`
	Payload            []byte            `json:"payload"`
	PayloadType        string            `json:"payload_type"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	AddedAt            time.Time         `json:"added_ts"`
	NextDeliveryAt     time.Time         `json:"next_delivery_ts"`
	DeliveryAttempts   int               `json:"delivery_attempts"`
	RedeliveryAttempts int               `json:"redelivery_attempts"`
	LastError          string            `json:"last_error,omitempty"`
	IsDeadLetter       bool              `json:"is_dead_letter"`
	DeliveryMode       DeliveryMode      `json:"delivery_mode"`
	Key                string            `json:"key,omitempty"`
	KeyOrder           int64             `json:"key_order,omitempty"`
	ClaimedBy          string            `json:"claimed_by,omitempty"`
	ClaimExpiresAt     *time.Time        `json:"claim_expires_at,omitempty"`
}

// Ordered reports whether the message carries per-key ordering.
func (m *QueuedMessage) Ordered() bool {
	return m.DeliveryMode == DeliveryModeOrdered
}

// NewQueuedMessage builds a normal-mode message record with defaults applied.
func NewQueuedMessage(queue string, payload []byte, payloadType string) *QueuedMessage {
	now := time.Now().UTC()
	return &QueuedMessage{
		ID:             uuid.New().String(),
		QueueName:      queue,
		Payload:        payload,
		PayloadType:    payloadType,
		AddedAt:        now,
		NextDeliveryAt: now,
		DeliveryMode:   DeliveryModeNormal,
	}
}

const messageColumns = `id, queue_name, payload_bytes, payload_type, metadata_json,
	added_ts, next_delivery_ts, delivery_attempts, redelivery_attempts, last_error,
	is_dead_letter, delivery_mode, key, key_order, claimed_by, claim_expires_at`

// Insert stores msg with next_delivery_ts = now + delay and returns its id.
func (s *PostgresStore) Insert(ctx context.Context, msg *QueuedMessage, delay time.Duration) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("queued message is required")
	}
	if msg.QueueName == "" {
		return "", fmt.Errorf("queue name is required")
	}
	if delay < 0 {
		return "", fmt.Errorf("delivery delay must not be negative")
	}
	normalizeMessage(msg)
	msg.NextDeliveryAt = time.Now().UTC().Add(delay)

	if err := s.insertRow(ctx, msg); err != nil {
		return "", fmt.Errorf("insert queued message: %w", err)
	}
	return msg.ID, nil
}

// InsertAsDeadLetter stores msg directly in dead-letter state with the given
// cause and a single recorded delivery attempt.
func (s *PostgresStore) InsertAsDeadLetter(ctx context.Context, msg *QueuedMessage, cause string) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("queued message is required")
	}
	if msg.QueueName == "" {
		return "", fmt.Errorf("queue name is required")
	}
	normalizeMessage(msg)
	msg.IsDeadLetter = true
	msg.LastError = cause
	msg.DeliveryAttempts = 1
	msg.RedeliveryAttempts = 0
	msg.NextDeliveryAt = msg.AddedAt

	if err := s.insertRow(ctx, msg); err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}
	return msg.ID, nil
}

func (s *PostgresStore) insertRow(ctx context.Context, msg *QueuedMessage) error {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			id, queue_name, payload_bytes, payload_type, metadata_json,
			added_ts, next_delivery_ts, delivery_attempts, redelivery_attempts, last_error,
			is_dead_letter, delivery_mode, key, key_order, claimed_by, claim_expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, NULL, NULL
		)
	`, s.table),
		msg.ID, msg.QueueName, msg.Payload, msg.PayloadType, metadata,
		msg.AddedAt, msg.NextDeliveryAt, msg.DeliveryAttempts, msg.RedeliveryAttempts, nullIfEmpty(msg.LastError),
		msg.IsDeadLetter, string(msg.DeliveryMode), nullIfEmpty(msg.Key), nullableKeyOrder(msg))
	return err
}

// ClaimNextDue atomically selects and leases the single most eligible due
// message on queue. It returns (nil, nil) when nothing is claimable; a row
// concurrently taken by another worker is never an error.
//
// An ordered candidate is eligible only when no message with the same
// (queue_name, key) and a lower key_order still exists: acked rows are
// deleted, so any surviving predecessor (ready, delayed, in flight, or
// dead-lettered) blocks the key.
func (s *PostgresStore) ClaimNextDue(ctx context.Context, queue, claimant string, lease time.Duration) (*QueuedMessage, error) {
	if claimant == "" {
		claimant = "quasar-worker"
	}
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	now := time.Now().UTC()

	msg, err := scanMessage(s.q(ctx).QueryRow(ctx, fmt.Sprintf(`
		UPDATE %[1]s SET
			claimed_by = $1,
			claim_expires_at = $2
		WHERE id = (
			SELECT m.id FROM %[1]s m
			WHERE m.queue_name = $3
			  AND m.is_dead_letter = FALSE
			  AND m.next_delivery_ts <= $4
			  AND (m.claimed_by IS NULL OR m.claim_expires_at < $4)
			  AND (m.delivery_mode = 'normal' OR NOT EXISTS (
				SELECT 1 FROM %[1]s p
				WHERE p.queue_name = m.queue_name
				  AND p.key = m.key
				  AND p.key_order < m.key_order
			  ))
			ORDER BY m.next_delivery_ts ASC, m.added_ts ASC, m.id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+messageColumns, s.table),
		claimant, now.Add(lease), queue, now))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next due: %w", err)
	}
	return msg, nil
}

// Ack deletes the message. A missing row is not an error: the message may
// have been purged while in flight.
func (s *PostgresStore) Ack(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return fmt.Errorf("ack queued message: %w", err)
	}
	return nil
}

// Reschedule returns a claimed message to the ready state with a new delivery
// instant, recording the failure. When incrementAttempts is set the delivery
// and redelivery counters advance.
func (s *PostgresStore) Reschedule(ctx context.Context, id string, nextAt time.Time, lastError string, incrementAttempts bool) error {
	if nextAt.IsZero() {
		nextAt = time.Now().UTC()
	}
	var sql string
	if incrementAttempts {
		sql = fmt.Sprintf(`
			UPDATE %s SET
				next_delivery_ts = $2,
				last_error = $3,
				delivery_attempts = delivery_attempts + 1,
				redelivery_attempts = delivery_attempts,
				claimed_by = NULL,
				claim_expires_at = NULL
			WHERE id = $1
		`, s.table)
	} else {
		sql = fmt.Sprintf(`
			UPDATE %s SET
				next_delivery_ts = $2,
				last_error = $3,
				claimed_by = NULL,
				claim_expires_at = NULL
			WHERE id = $1
		`, s.table)
	}
	ct, err := s.q(ctx).Exec(ctx, sql, id, nextAt, nullIfEmpty(lastError))
	if err != nil {
		return fmt.Errorf("reschedule queued message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// MarkDeadLetter moves the message to dead-letter state, recording the final
// failed attempt and releasing the claim.
func (s *PostgresStore) MarkDeadLetter(ctx context.Context, id, lastError string) error {
	ct, err := s.q(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET
			is_dead_letter = TRUE,
			last_error = $2,
			delivery_attempts = delivery_attempts + 1,
			redelivery_attempts = delivery_attempts,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $1
	`, s.table), id, nullIfEmpty(lastError))
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// Resurrect returns a dead letter to the queue, due after delay. The total
// delivery count is preserved as history; the redelivery counter resets.
func (s *PostgresStore) Resurrect(ctx context.Context, id string, delay time.Duration) (*QueuedMessage, error) {
	if delay < 0 {
		return nil, fmt.Errorf("delivery delay must not be negative")
	}
	now := time.Now().UTC()

	msg, err := scanMessage(s.q(ctx).QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET
			is_dead_letter = FALSE,
			next_delivery_ts = $2,
			redelivery_attempts = 0,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $1 AND is_dead_letter = TRUE
		RETURNING `+messageColumns, s.table),
		id, now.Add(delay)))
	if err == pgx.ErrNoRows {
		var exists bool
		lookupErr := s.q(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT TRUE FROM %s WHERE id = $1`, s.table), id).Scan(&exists)
		if lookupErr == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("resurrect lookup: %w", lookupErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotDeadLetter, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resurrect dead letter: %w", err)
	}
	return msg, nil
}

// Get returns the message regardless of its lifecycle state.
func (s *PostgresStore) Get(ctx context.Context, id string) (*QueuedMessage, error) {
	msg, err := scanMessage(s.q(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+` FROM %s WHERE id = $1
	`, s.table), id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get queued message: %w", err)
	}
	return msg, nil
}

// GetDeadLetter returns the message only if it is dead-lettered.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*QueuedMessage, error) {
	msg, err := scanMessage(s.q(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+` FROM %s WHERE id = $1 AND is_dead_letter = TRUE
	`, s.table), id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return msg, nil
}

// ListQueued pages the non-dead-letter messages of queue in delivery order.
func (s *PostgresStore) ListQueued(ctx context.Context, queue string, ascending bool, skip, limit int) ([]*QueuedMessage, error) {
	return s.list(ctx, queue, false, ascending, skip, limit)
}

// ListDeadLetters pages the dead letters of queue in delivery order.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, queue string, ascending bool, skip, limit int) ([]*QueuedMessage, error) {
	return s.list(ctx, queue, true, ascending, skip, limit)
}

func (s *PostgresStore) list(ctx context.Context, queue string, deadLetters, ascending bool, skip, limit int) ([]*QueuedMessage, error) {
	limit = normalizeListLimit(limit)
	if skip < 0 {
		skip = 0
	}
	rows, err := s.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM %s
		WHERE queue_name = $1 AND is_dead_letter = $2
		ORDER BY next_delivery_ts %[2]s, added_ts %[2]s, id %[2]s
		LIMIT $3 OFFSET $4
	`, s.table, orderDirection(ascending)), queue, deadLetters, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}
	defer rows.Close()

	out := make([]*QueuedMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued messages rows: %w", err)
	}
	return out, nil
}

// CountQueued counts the non-dead-letter messages on queue.
func (s *PostgresStore) CountQueued(ctx context.Context, queue string) (int64, error) {
	return s.count(ctx, queue, false)
}

// CountDeadLetters counts the dead letters on queue.
func (s *PostgresStore) CountDeadLetters(ctx context.Context, queue string) (int64, error) {
	return s.count(ctx, queue, true)
}

func (s *PostgresStore) count(ctx context.Context, queue string, deadLetters bool) (int64, error) {
	var total int64
	err := s.q(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE queue_name = $1 AND is_dead_letter = $2
	`, s.table), queue, deadLetters).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count queued messages: %w", err)
	}
	return total, nil
}

// CountInFlight counts messages currently held under a live claim lease.
func (s *PostgresStore) CountInFlight(ctx context.Context, queue string) (int64, error) {
	var total int64
	err := s.q(ctx).QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE queue_name = $1 AND is_dead_letter = FALSE
		  AND claimed_by IS NOT NULL AND claim_expires_at >= $2
	`, s.table), queue, time.Now().UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count in-flight messages: %w", err)
	}
	return total, nil
}

// QueryDueSoon returns up to limit non-dead-letter messages due at or before
// upTo, in the same ordering as ListQueued ascending.
func (s *PostgresStore) QueryDueSoon(ctx context.Context, queue string, upTo time.Time, limit int) ([]*QueuedMessage, error) {
	limit = normalizeListLimit(limit)
	rows, err := s.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM %s
		WHERE queue_name = $1 AND is_dead_letter = FALSE AND next_delivery_ts <= $2
		ORDER BY next_delivery_ts ASC, added_ts ASC, id ASC
		LIMIT $3
	`, s.table), queue, upTo, limit)
	if err != nil {
		return nil, fmt.Errorf("query due soon: %w", err)
	}
	defer rows.Close()

	out := make([]*QueuedMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query due soon rows: %w", err)
	}
	return out, nil
}

// Purge deletes every record on queue that is not under a live claim lease
// and returns the number of rows removed. Claimed rows settle normally.
func (s *PostgresStore) Purge(ctx context.Context, queue string) (int64, error) {
	ct, err := s.q(ctx).Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE queue_name = $1
		  AND (claimed_by IS NULL OR claim_expires_at < $2)
	`, s.table), queue, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	return ct.RowsAffected(), nil
}

// QueueNames lists the distinct queue names present in the table.
func (s *PostgresStore) QueueNames(ctx context.Context) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT queue_name FROM %s ORDER BY queue_name
	`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list queue names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan queue name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue names rows: %w", err)
	}
	return out, nil
}

func normalizeMessage(msg *QueuedMessage) {
	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.DeliveryMode == "" {
		msg.DeliveryMode = DeliveryModeNormal
	}
	if msg.PayloadType == "" {
		msg.PayloadType = "application/octet-stream"
	}
	if msg.AddedAt.IsZero() {
		msg.AddedAt = now
	}
	if msg.NextDeliveryAt.IsZero() {
		msg.NextDeliveryAt = msg.AddedAt
	}
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func orderDirection(ascending bool) string {
	if ascending {
		return "ASC"
	}
	return "DESC"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableKeyOrder(msg *QueuedMessage) any {
	if msg.DeliveryMode != DeliveryModeOrdered {
		return nil
	}
	return msg.KeyOrder
}

type messageScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner messageScanner) (*QueuedMessage, error) {
	var msg QueuedMessage
	var metadata []byte
	var mode string
	var lastError, key, claimedBy *string
	var keyOrder *int64

	err := scanner.Scan(
		&msg.ID,
		&msg.QueueName,
		&msg.Payload,
		&msg.PayloadType,
		&metadata,
		&msg.AddedAt,
		&msg.NextDeliveryAt,
		&msg.DeliveryAttempts,
		&msg.RedeliveryAttempts,
		&lastError,
		&msg.IsDeadLetter,
		&mode,
		&key,
		&keyOrder,
		&claimedBy,
		&msg.ClaimExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	msg.DeliveryMode = DeliveryMode(mode)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if lastError != nil {
		msg.LastError = *lastError
	}
	if key != nil {
		msg.Key = *key
	}
	if keyOrder != nil {
		msg.KeyOrder = *keyOrder
	}
	if claimedBy != nil {
		msg.ClaimedBy = *claimedBy
	}
	return &msg, nil
}
