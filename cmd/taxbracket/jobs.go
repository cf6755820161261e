package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taxbracket/backend/internal/domain"
)

func jobsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry jobs",
	}
	cmd.AddCommand(jobsListCmd(configPath))
	cmd.AddCommand(jobsGetCmd(configPath))
	cmd.AddCommand(jobsRetryCmd(configPath))
	cmd.AddCommand(jobsSchedulesCmd(configPath))
	return cmd
}

func jobsListCmd(configPath *string) *cobra.Command {
	var (
		queue string
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.queue.List(cmd.Context(), domain.JobFilter{
				Queue: domain.QueueName(queue),
				State: domain.JobState(state),
				Limit: limit,
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUEUE\tSTATE\tRETRIES\tCREATED\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Queue, j.State, j.RetryCount, j.RetryLimit,
					j.CreatedAt.Local().Format(time.DateTime), j.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "filter by queue")
	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by state (created, retrying, active, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum results")
	return cmd
}

func jobsGetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.queue.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func jobsRetryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.queue.RetryFailed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func jobsSchedulesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List recurring schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			scheds, err := a.queue.Schedules(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tCRON\tTIMEZONE\tLAST FIRED")
			for _, s := range scheds {
				last := "never"
				if !s.LastFiredAt.IsZero() {
					last = s.LastFiredAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Queue, s.Cron, s.Timezone, last)
			}
			return tw.Flush()
		},
	}
}
