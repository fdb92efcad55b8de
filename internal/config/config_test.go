package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Queue.SharedQueueTableName != "durable_queue_messages" {
		t.Errorf("default table = %q", cfg.Queue.SharedQueueTableName)
	}
	if cfg.Queue.TransactionalMode != "single_operation_transaction" {
		t.Errorf("default mode = %q", cfg.Queue.TransactionalMode)
	}
	if cfg.Queue.MessageHandlingTimeout != 30*time.Second {
		t.Errorf("default handling timeout = %v", cfg.Queue.MessageHandlingTimeout)
	}
	if cfg.Queue.PollingDelayIncrementFactor != 1.5 {
		t.Errorf("default increment factor = %v", cfg.Queue.PollingDelayIncrementFactor)
	}
	if cfg.Queue.MaxPollingInterval != 10*time.Second {
		t.Errorf("default max polling interval = %v", cfg.Queue.MaxPollingInterval)
	}
	if cfg.Notifier.Kind != "channel" {
		t.Errorf("default notifier = %q", cfg.Notifier.Kind)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quasar.json")
	data := `{
		"postgres": {"dsn": "postgres://localhost/quasar"},
		"queue": {"shared_queue_table_name": "jobs", "verbose_tracing": true},
		"notifier": {"kind": "postgres"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://localhost/quasar" {
		t.Errorf("dsn = %q", cfg.Postgres.DSN)
	}
	if cfg.Queue.SharedQueueTableName != "jobs" {
		t.Errorf("table = %q", cfg.Queue.SharedQueueTableName)
	}
	if !cfg.Queue.VerboseTracing {
		t.Errorf("verbose tracing not loaded")
	}
	if cfg.Notifier.Kind != "postgres" {
		t.Errorf("notifier kind = %q", cfg.Notifier.Kind)
	}
	// Untouched keys keep their defaults.
	if cfg.Queue.TransactionalMode != "single_operation_transaction" {
		t.Errorf("mode default lost: %q", cfg.Queue.TransactionalMode)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quasar.yaml")
	data := `
postgres:
  dsn: postgres://localhost/quasar
queue:
  shared_queue_table_name: jobs
notifier:
  kind: redis
  redis_addr: redis:6379
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.SharedQueueTableName != "jobs" {
		t.Errorf("table = %q", cfg.Queue.SharedQueueTableName)
	}
	if cfg.Notifier.Kind != "redis" || cfg.Notifier.RedisAddr != "redis:6379" {
		t.Errorf("notifier = %+v", cfg.Notifier)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUASAR_POSTGRES_DSN", "postgres://env/quasar")
	t.Setenv("QUASAR_QUEUE_TABLE", "env_jobs")
	t.Setenv("QUASAR_TRANSACTIONAL_MODE", "manual_acknowledgement")
	t.Setenv("QUASAR_MESSAGE_HANDLING_TIMEOUT", "45s")
	t.Setenv("QUASAR_POLLING_DELAY_INCREMENT_FACTOR", "2.5")
	t.Setenv("QUASAR_VERBOSE_TRACING", "true")
	t.Setenv("QUASAR_NOTIFIER", "none")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Postgres.DSN != "postgres://env/quasar" {
		t.Errorf("dsn = %q", cfg.Postgres.DSN)
	}
	if cfg.Queue.SharedQueueTableName != "env_jobs" {
		t.Errorf("table = %q", cfg.Queue.SharedQueueTableName)
	}
	if cfg.Queue.TransactionalMode != "manual_acknowledgement" {
		t.Errorf("mode = %q", cfg.Queue.TransactionalMode)
	}
	if cfg.Queue.MessageHandlingTimeout != 45*time.Second {
		t.Errorf("handling timeout = %v", cfg.Queue.MessageHandlingTimeout)
	}
	if cfg.Queue.PollingDelayIncrementFactor != 2.5 {
		t.Errorf("increment factor = %v", cfg.Queue.PollingDelayIncrementFactor)
	}
	if !cfg.Queue.VerboseTracing {
		t.Errorf("verbose tracing not applied")
	}
	if cfg.Notifier.Kind != "none" {
		t.Errorf("notifier kind = %q", cfg.Notifier.Kind)
	}
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("QUASAR_MESSAGE_HANDLING_TIMEOUT", "not-a-duration")
	t.Setenv("QUASAR_POLLING_DELAY_INCREMENT_FACTOR", "abc")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Queue.MessageHandlingTimeout != 30*time.Second {
		t.Errorf("invalid duration should keep default, got %v", cfg.Queue.MessageHandlingTimeout)
	}
	if cfg.Queue.PollingDelayIncrementFactor != 1.5 {
		t.Errorf("invalid float should keep default, got %v", cfg.Queue.PollingDelayIncrementFactor)
	}
}
