package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/stores"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [resource-id]",
		Short: "Run a reconcile pass",
		Long: `Compare resources with their backends once and repair what drifted.

With a resource ID only that resource is reconciled. Without one every
non-terminal resource is, exactly as one tick of the daemon's reconciler.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker) error {
				if len(args) == 1 {
					decision, err := b.reconciler.Reconcile(ctx, args[0])
					if err != nil {
						return err
					}
					view := map[string]string{
						"resource_id": args[0],
						"action":      string(decision.Action),
						"reason":      decision.Reason,
					}
					if decision.Severity != "" {
						view["severity"] = string(decision.Severity)
					}
					return printResult(view)
				}

				report, err := b.reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				log.Info().
					Int("resources", report.Resources).
					Int("errors", report.Errors).
					Dur("duration", report.Duration).
					Msg("Reconcile pass finished")
				return printResult(report)
			})
		},
	}

	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			version, dirty, err := store.MigrationVersion()
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("database %s is at dirty migration version %d", cfg.Database.Path, version)
			}
			log.Info().Str("database", cfg.Database.Path).Uint("version", version).Msg("Database migrated")
			return printResult(map[string]interface{}{"database": cfg.Database.Path, "version": version})
		},
	}

	return cmd
}
