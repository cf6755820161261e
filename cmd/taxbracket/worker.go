package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			pool, err := a.newPool(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("worker started")
			pool.Run(ctx)
			a.logger.Info("shutdown complete")
			return nil
		},
	}
}
