package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "marketsync/internal/cli"
	"marketsync/internal/config"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL
	token := cfg.AdminToken

	root := &cobra.Command{
		Use:          "mkt",
		Short:        "Marketplace pricing and Discord sync admin",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "market-api base URL")
	root.PersistentFlags().StringVar(&token, "token", token, "admin bearer token (MARKET_ADMIN_TOKEN)")

	newClient := func() *cl.Client {
		return cl.NewClient(strings.TrimSpace(apiBase), token)
	}
	root.AddCommand(
		newQuoteCmd(newClient),
		newRebuildCmd(newClient),
		newReconcileCmd(newClient),
		newHealthCmd(newClient),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newQuoteCmd(newClient func() *cl.Client) *cobra.Command {
	var quantity string
	var calcCtx map[string]string
	cmd := &cobra.Command{
		Use:   "quote METHOD_ID",
		Short: "Price a pricing method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			methodID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || methodID <= 0 {
				return fmt.Errorf("invalid method id %q", args[0])
			}
			qty, err := decimal.NewFromString(quantity)
			if err != nil {
				return fmt.Errorf("invalid quantity %q", quantity)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			result, err := newClient().Quote(ctx, methodID, qty, contextValues(calcCtx))
			if err != nil {
				return err
			}
			renderQuote(result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&quantity, "qty", "q", "1", "quantity in the method's unit")
	cmd.Flags().StringToStringVarP(&calcCtx, "ctx", "c", nil, "calculation context, e.g. -c paymentMethodType=CRYPTO")
	return cmd
}

func newRebuildCmd(newClient func() *cl.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Force a rebuild of every surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			report, err := newClient().Rebuild(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Rebuild scheduled for %d surface(s): %s", len(report.Surfaces), strings.Join(report.Surfaces, ", ")))
			return nil
		},
	}
}

func newReconcileCmd(newClient func() *cl.Client) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reconcile SURFACE",
		Short: "Reconcile one surface now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient().ReconcileSurface(ctx, args[0], force); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Reconcile scheduled for %s.", args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-apply even when the content hash is unchanged")
	return cmd
}

func newHealthCmd(newClient func() *cl.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show sync coordinator health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			report, err := newClient().Health(ctx)
			if err != nil {
				return err
			}
			renderHealth(report)
			return nil
		},
	}
}

// contextValues turns flag strings into the typed values conditions compare
// against.
func contextValues(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v == "true" || v == "false" {
			out[k] = v == "true"
			continue
		}
		if d, err := decimal.NewFromString(v); err == nil {
			out[k] = d.InexactFloat64()
			continue
		}
		out[k] = v
	}
	return out
}
