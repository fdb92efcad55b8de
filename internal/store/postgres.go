package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/internal/txn"
)

// DefaultQueueTableName is the shared queue table used when none is configured.
const DefaultQueueTableName = "durable_queue_messages"

// NotifyChannel is the LISTEN/NOTIFY channel carrying table-change events.
const NotifyChannel = "quasar_queue_events"

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore persists queued messages in a single shared Postgres table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so that store
// operations can join a caller-provided transaction carried in the context.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore connects to Postgres and bootstraps the queue schema.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if table == "" {
		table = DefaultQueueTableName
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid queue table name: %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool, table: table}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// NewPostgresStoreWithPool wraps an existing pool without schema bootstrap.
// Used by embedders that manage migrations themselves.
func NewPostgresStoreWithPool(pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	if table == "" {
		table = DefaultQueueTableName
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid queue table name: %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for the change listener and the
// transaction factory.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// TableName returns the shared queue table this store operates on.
func (s *PostgresStore) TableName() string {
	return s.table
}

// q resolves the querier for the call: the transaction carried in ctx when
// present, the pool otherwise.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := txn.TxFrom(ctx); ok {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			payload_bytes BYTEA NOT NULL,
			payload_type TEXT NOT NULL,
			metadata_json JSONB NOT NULL DEFAULT '{}',
			added_ts TIMESTAMPTZ NOT NULL,
			next_delivery_ts TIMESTAMPTZ NOT NULL,
			delivery_attempts INTEGER NOT NULL DEFAULT 0,
			redelivery_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			is_dead_letter BOOLEAN NOT NULL DEFAULT FALSE,
			delivery_mode TEXT NOT NULL DEFAULT 'normal',
			key TEXT,
			key_order BIGINT,
			claimed_by TEXT,
			claim_expires_at TIMESTAMPTZ
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_due
			ON %[1]s (queue_name, is_dead_letter, next_delivery_ts)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_key_order
			ON %[1]s (queue_name, key, key_order)`, s.table),
		`CREATE OR REPLACE FUNCTION quasar_queue_notify() RETURNS trigger AS $fn$
		BEGIN
			PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
				'table', TG_TABLE_NAME,
				'operation', lower(TG_OP),
				'id', COALESCE(NEW.id, OLD.id),
				'queue_name', COALESCE(NEW.queue_name, OLD.queue_name)
			)::text);
			RETURN NULL;
		END;
		$fn$ LANGUAGE plpgsql`,
		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%[1]s_notify ON %[1]s`, s.table),
		fmt.Sprintf(`CREATE TRIGGER trg_%[1]s_notify
			AFTER INSERT OR UPDATE OR DELETE ON %[1]s
			FOR EACH ROW EXECUTE FUNCTION quasar_queue_notify()`, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
