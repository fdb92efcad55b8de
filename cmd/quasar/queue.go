package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat [queue]",
		Short: "Show backlog, in-flight, and dead-letter counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			queues := args
			if len(queues) == 0 {
				queues, err = s.QueueNames(ctx)
				if err != nil {
					return err
				}
			}
			for _, q := range queues {
				queued, err := s.CountQueued(ctx, q)
				if err != nil {
					return err
				}
				inFlight, err := s.CountInFlight(ctx, q)
				if err != nil {
					return err
				}
				dead, err := s.CountDeadLetters(ctx, q)
				if err != nil {
					return err
				}
				fmt.Printf("%-32s queued=%-8d in_flight=%-6d dead_letters=%d\n", q, queued, inFlight, dead)
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var (
		skip       int
		limit      int
		descending bool
	)
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List queued messages in delivery order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			msgs, err := s.ListQueued(ctx, args[0], !descending, skip, limit)
			if err != nil {
				return err
			}
			return printMessages(msgs)
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "Rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().BoolVar(&descending, "desc", false, "Latest first")
	return cmd
}

func dlqCmd() *cobra.Command {
	var (
		skip  int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "dlq <queue>",
		Short: "List dead letters of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			msgs, err := s.ListDeadLetters(ctx, args[0], true, skip, limit)
			if err != nil {
				return err
			}
			return printMessages(msgs)
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "Rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var (
		delay    time.Duration
		key      string
		keyOrder int64
		ordered  bool
		payload  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue>",
		Short: "Enqueue a JSON payload (from --payload or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			raw := []byte(payload)
			if payload == "" {
				var err error
				raw, err = io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read payload from stdin: %w", err)
				}
			}
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("payload must be valid JSON: %w", err)
			}

			eng, s, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := eng.Enqueue(ctx, args[0], value, enqueueOptions(delay, ordered, key, keyOrder))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delivery delay")
	cmd.Flags().StringVar(&payload, "payload", "", "Inline JSON payload")
	cmd.Flags().BoolVar(&ordered, "ordered", false, "Per-key ordered delivery")
	cmd.Flags().StringVar(&key, "key", "", "Ordering key")
	cmd.Flags().Int64Var(&keyOrder, "key-order", 0, "Position within the ordering key")
	return cmd
}

func resurrectCmd() *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "resurrect <message-id>",
		Short: "Return a dead letter to its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, s, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := eng.ResurrectDeadLetter(ctx, args[0], delay)
			if err != nil {
				return err
			}
			fmt.Printf("resurrected %s on queue %s, due %s\n", msg.ID, msg.QueueName, msg.NextDeliveryAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delivery delay after resurrection")
	return cmd
}

func purgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete every non-in-flight record of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !yes {
				return fmt.Errorf("refusing to purge %q without --yes", args[0])
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Purge(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("purged %d messages from %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the shared queue table and its trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Printf("queue table %s is ready\n", s.TableName())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the quasar version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("quasar 0.3.0")
		},
	}
}
