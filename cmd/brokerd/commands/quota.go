package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/engine"
)

func newQuotaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show and set quota limits",
		Long: `Show and set quota limits.

Scopes are "account:<account>" or "project:<account>/<project>". A limit
applies to the running usage of one dimension in one scope.`,
	}

	cmd.AddCommand(newQuotaShowCommand())
	cmd.AddCommand(newQuotaSetCommand())

	return cmd
}

func newQuotaShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [scope]",
		Short: "Show the quotas of a scope, or of every scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := ""
			if len(args) == 1 {
				scope = args[0]
			}
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				quotas, err := b.ledger.Quotas(ctx, scope)
				if err != nil {
					return err
				}
				return printResult(quotas)
			})
		},
	}

	return cmd
}

func newQuotaSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <scope> <dimension> <limit|unlimited>",
		Short: "Set a quota limit",
		Example: `  # Cap an account at 64 cores
  brokerd quota set account:acme cores 64

  # Remove the limit
  brokerd quota set account:acme cores unlimited`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, dim := args[0], engine.Dimension(args[1])
			if !strings.HasPrefix(scope, "account:") && !strings.HasPrefix(scope, "project:") {
				return fmt.Errorf("invalid scope %q, expected account:<id> or project:<account>/<id>", scope)
			}
			var limit *float64
			if args[2] != "unlimited" {
				v, err := strconv.ParseFloat(args[2], 64)
				if err != nil || v < 0 {
					return fmt.Errorf("invalid limit %q", args[2])
				}
				limit = &v
			}

			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if err := b.ledger.SetLimit(ctx, scope, dim, limit); err != nil {
					return err
				}
				log.Info().Str("scope", scope).Str("dimension", string(dim)).Str("limit", args[2]).Msg("Quota limit set")
				quotas, err := b.ledger.Quotas(ctx, scope)
				if err != nil {
					return err
				}
				return printResult(quotas)
			})
		},
	}

	return cmd
}

func newUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report and record usage",
		Long: `Summarise the usage ledger, record usage samples by hand, or poll every
active resource's backend for usage once.`,
	}

	cmd.AddCommand(newUsageSummaryCommand())
	cmd.AddCommand(newUsageIngestCommand())
	cmd.AddCommand(newUsagePollCommand())

	return cmd
}

func newUsageSummaryCommand() *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "summary <scope>",
		Short: "Summarise a scope's usage for a billing period",
		Example: `  # Current month
  brokerd usage summary account:acme

  # A past period
  brokerd usage summary project:acme/web --period 2026-03`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if period != "" {
				if _, err := time.Parse("2006-01", period); err != nil {
					return fmt.Errorf("invalid period %q, expected YYYY-MM", period)
				}
			}
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				summary, err := b.ledger.Summary(ctx, args[0], period)
				if err != nil {
					return err
				}
				return printResult(summary)
			})
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "billing period as YYYY-MM (default current month)")

	return cmd
}

func newUsageIngestCommand() *cobra.Command {
	var (
		dimension  string
		quantity   float64
		sampleID   string
		cumulative bool
		period     string
	)

	cmd := &cobra.Command{
		Use:   "ingest <resource-id>",
		Short: "Record a usage sample for a resource",
		Long: `Record a usage sample for a resource. Samples with an ID that was
already ingested are ignored, so retrying is safe.`,
		Example: `  # Record 12 CPU hours
  brokerd usage ingest 0f6c... --dimension cpu_hours --quantity 12 --id job-4711`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sampleID == "" {
				sampleID = uuid.NewString()
			}
			sample := engine.UsageSample{
				SampleID:   sampleID,
				Dimension:  engine.Dimension(dimension),
				Quantity:   quantity,
				Cumulative: cumulative,
				Period:     period,
				SampledAt:  time.Now().UTC(),
			}
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				records, err := b.ledger.Ingest(ctx, args[0], sample)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					log.Info().Str("sample_id", sampleID).Msg("Sample already ingested")
				}
				return printResult(records)
			})
		},
	}

	cmd.Flags().StringVar(&dimension, "dimension", "", "metered dimension, e.g. cpu_hours")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "sampled quantity")
	cmd.Flags().StringVar(&sampleID, "id", "", "sample ID for idempotency (generated when empty)")
	cmd.Flags().BoolVar(&cumulative, "cumulative", false, "quantity is a period-to-date total")
	cmd.Flags().StringVar(&period, "period", "", "billing period as YYYY-MM (default from sample time)")
	_ = cmd.MarkFlagRequired("dimension")
	_ = cmd.MarkFlagRequired("quantity")

	return cmd
}

func newUsagePollCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll every active resource's backend for usage once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				n, err := b.meter.RunOnce(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("records", n).Msg("Usage polled")
				return nil
			})
		},
	}

	return cmd
}
