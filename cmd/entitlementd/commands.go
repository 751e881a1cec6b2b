package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/unipanel/entitlements/internal/app"
	"github.com/unipanel/entitlements/pkg/catalog"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Flag expired subscriptions and fail stale pending upgrades once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			res, err := a.Sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\nstale pending: %d\n", res.Expired, res.StalePending)
			return nil
		})
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate the package catalog and print its price table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := catalog.Default()
		if err := cat.Validate(); err != nil {
			return err
		}
		return printCatalog(cmd.OutOrStdout(), cat)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <tenant>",
	Short: "Print the current entitlement of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			snap, err := a.Service.CurrentSnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		})
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect and resolve subscriptions flagged for operator review",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			queue, err := a.Reconciler.PendingReview(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CORRELATION ID\tTENANT\tPACKAGE\tAMOUNT\tREASON")
			for _, sub := range queue {
				fmt.Fprintf(w, "%s\t%s\t%s_%d\t%s\t%s\n",
					sub.CorrelationID, sub.TenantID, sub.Tier, sub.DurationMonths, sub.Amount.StringFixed(2), sub.ReviewReason)
			}
			return w.Flush()
		})
	},
}

var reviewResolveNote string

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <correlation-id>",
	Short: "Clear the review flag of a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			sub, err := a.Reconciler.ResolveReview(ctx, args[0], reviewResolveNote)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s)\n", sub.CorrelationID, sub.PaymentStatus)
			return nil
		})
	},
}

func init() {
	reviewResolveCmd.Flags().StringVar(&reviewResolveNote, "note", "", "operator note (required)")
	_ = reviewResolveCmd.MarkFlagRequired("note")
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
}

func printCatalog(out io.Writer, cat *catalog.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tMONTHS\tLIST\tDISCOUNT\tPRICE\tCREDITS")
	for _, p := range cat.Prices() {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d%%\t%s %s\t%d\n",
			p.Key, p.Months, p.ListPrice.StringFixed(2), p.DiscountPercent, p.Price.StringFixed(2), catalog.Currency, p.IncludedCredits)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ADD-ON\tCREDITS\tPRICE\tUNIT\tBADGE")
	for _, a := range cat.AddonPackages() {
		fmt.Fprintf(w, "%s\t%d\t%s %s\t%s\t%s\n",
			a.Key, a.Credits, a.Price.StringFixed(2), catalog.Currency, a.UnitPrice().String(), a.Badge)
	}
	if promos := cat.Promotions(); len(promos) > 0 {
		names := make([]string, 0, len(promos))
		for _, p := range promos {
			names = append(names, p.Name)
		}
		fmt.Fprintf(w, "\npromotions: %s\n", strings.Join(names, ", "))
	}
	return w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
