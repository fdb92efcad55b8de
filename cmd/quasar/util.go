package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/engine"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/txn"
)

func openStore(ctx context.Context) (*store.PostgresStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (--dsn, config file, or QUASAR_POSTGRES_DSN)")
	}
	return store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Queue.SharedQueueTableName)
}

func openEngine(ctx context.Context) (*engine.Engine, *store.PostgresStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, nil, fmt.Errorf("postgres DSN is required (--dsn, config file, or QUASAR_POSTGRES_DSN)")
	}
	s, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Queue.SharedQueueTableName)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Queue.VerboseTracing {
		if err := observability.Init(ctx, observability.Config{
			Enabled:     true,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
		}); err != nil {
			s.Close()
			return nil, nil, err
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, nil)
	}

	eng, err := engine.New(s, engine.Options{
		Mode:                        txn.Mode(cfg.Queue.TransactionalMode),
		MessageHandlingTimeout:      cfg.Queue.MessageHandlingTimeout,
		PollingInterval:             cfg.Queue.PollingInterval,
		PollingDelayIncrementFactor: cfg.Queue.PollingDelayIncrementFactor,
		MaxPollingInterval:          cfg.Queue.MaxPollingInterval,
		DrainTimeout:                cfg.Queue.DrainTimeout,
		Notifier:                    buildNotifier(cfg, s),
		UnitOfWork:                  txn.NewPgxFactory(s.Pool()),
		Metrics:                     m,
	})
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return eng, s, nil
}

func buildNotifier(cfg *config.Config, s *store.PostgresStore) queue.Notifier {
	switch cfg.Notifier.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Notifier.RedisAddr,
			Password: cfg.Notifier.RedisPass,
			DB:       cfg.Notifier.RedisDB,
		})
		return queue.NewRedisNotifier(client)
	case "postgres":
		return queue.NewPostgresNotifier(s.Pool(), "")
	case "none":
		return queue.NewNoopNotifier()
	default:
		return queue.NewChannelNotifier()
	}
}

func enqueueOptions(delay time.Duration, ordered bool, key string, keyOrder int64) *engine.EnqueueOptions {
	return &engine.EnqueueOptions{
		Delay:    delay,
		Ordered:  ordered,
		Key:      key,
		KeyOrder: keyOrder,
	}
}

func printMessages(msgs []*store.QueuedMessage) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}
