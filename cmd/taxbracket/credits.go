package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func creditsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust credit accounts",
	}
	cmd.AddCommand(creditsStatsCmd(configPath))
	cmd.AddCommand(creditsHistoryCmd(configPath))
	cmd.AddCommand(creditsPurchaseCmd(configPath))
	cmd.AddCommand(creditsRefundCmd(configPath))
	cmd.AddCommand(creditsSetLimitCmd(configPath))
	cmd.AddCommand(creditsResetCmd(configPath))
	return cmd
}

func creditsStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Show a user's credit summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.ledger.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func creditsHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			txns, err := a.ledger.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tAMOUNT\tREFERENCE")
			for _, t := range txns {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.CreatedAt.Local().Format(time.DateTime), t.Type, t.Amount, t.Reference)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	return cmd
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}

func creditsPurchaseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purchase <user-id> <cents> <reference>",
		Short: "Credit a payment; a repeated reference is a no-op",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ledger.Purchase(cmd.Context(), args[0], cents, args[2])
			if err != nil {
				return err
			}
			if res.AlreadyApplied {
				fmt.Fprintf(cmd.OutOrStdout(), "reference %s already applied, purchased balance %d\n", args[2], res.PurchasedBalance)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d credits, purchased balance %d\n", res.Amount, res.PurchasedBalance)
			return nil
		},
	}
}

func creditsRefundCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refund <user-id> <credits> <reference>",
		Short: "Remove purchased credits",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ledger.Refund(cmd.Context(), args[0], amount, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d credits, purchased balance %d\n", res.Amount, res.PurchasedBalance)
			return nil
		},
	}
}

func creditsSetLimitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-limit <user-id> <weekly-limit>",
		Short: "Change a user's weekly allowance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.ledger.SetWeeklyLimit(cmd.Context(), args[0], limit)
		},
	}
}

func creditsResetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Run the weekly credit reset now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ledger.ResetAllUsersCredits(cmd.Context())
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "weekly resets are disabled by the billing policy")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d accounts\n", res.Count)
			return nil
		},
	}
}
