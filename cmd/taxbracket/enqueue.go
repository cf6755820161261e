package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taxbracket/backend/internal/domain"
)

func enqueueCmd(configPath *string) *cobra.Command {
	var (
		singleton  string
		startAfter time.Duration
		retryLimit int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> [payload-json]",
		Short: "Enqueue a job",
		Long: `Validate a payload against the queue schema and enqueue it.

Examples:
  taxbracket enqueue reset-credits
  taxbracket enqueue compute-aggregates '{"userId":"u1","taxYear":2024}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := domain.QueueName(args[0])
			raw := json.RawMessage(`{}`)
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
			}
			p, err := domain.DecodePayload(queue, raw)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var opts []domain.EnqueueOption
			if singleton != "" {
				opts = append(opts, domain.WithSingletonKey(singleton))
			}
			if startAfter > 0 {
				opts = append(opts, domain.WithStartAfter(startAfter))
			}
			if retryLimit >= 0 {
				opts = append(opts, domain.WithRetryLimit(retryLimit))
			}
			id, err := a.queue.Enqueue(cmd.Context(), p, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&singleton, "singleton", "", "singleton key; an existing job with the key is reused")
	cmd.Flags().DurationVar(&startAfter, "start-after", 0, "delay before the job becomes due")
	cmd.Flags().IntVar(&retryLimit, "retry-limit", -1, "retry limit (default from config)")
	return cmd
}
