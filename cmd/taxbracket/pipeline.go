package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taxbracket/backend/internal/adapter/filesource"
)

func pipelineCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Drive and inspect the statement pipeline",
	}
	cmd.AddCommand(pipelineUploadCmd(configPath))
	cmd.AddCommand(pipelineStatusCmd(configPath))
	cmd.AddCommand(pipelineStuckCmd(configPath))
	cmd.AddCommand(pipelineRecomputeCmd(configPath))
	return cmd
}

func parseYear(s string) (int, error) {
	year, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid tax year %q", s)
	}
	return year, nil
}

func pipelineUploadCmd(configPath *string) *cobra.Command {
	var mimeType string
	cmd := &cobra.Command{
		Use:   "upload <user-id> <tax-year> <file>",
		Short: "Store a statement and start parsing it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := parseYear(args[1])
			if err != nil {
				return err
			}
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			name := filepath.Base(args[2])
			meta, err := a.files.Save(cmd.Context(), name, filesource.MediaType(name, mimeType), f)
			if err != nil {
				return err
			}
			jobID, err := a.pipeline.Upload(cmd.Context(), args[0], year, meta.FileID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "file %s (%s), job %s\n", meta.FileID, meta.MimeType, jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&mimeType, "type", "", "media type (default from the file extension)")
	return cmd
}

func pipelineStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id> <tax-year>",
		Short: "Show the pipeline status of a tax year",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := parseYear(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.pipeline.Status(cmd.Context(), args[0], year)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func pipelineStuckCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List failed runs and runs in progress for too long",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if olderThan == 0 {
				olderThan = a.cfg.Pipeline.StuckAfter
			}

			runs, err := a.pipeline.ListStuck(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tYEAR\tSTATUS\tUPDATED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.UserID, r.TaxYear, r.Status, r.UpdatedAt.Local().Format(time.DateTime), r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "in-progress age that counts as stuck (default from config)")
	return cmd
}

func pipelineRecomputeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <user-id> <tax-year>",
		Short: "Recompute aggregates and context from stored transactions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := parseYear(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			jobID, err := a.pipeline.Recompute(cmd.Context(), args[0], year)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
}
