package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/broker/pkg/config"
	"github.com/openfroyo/broker/pkg/policy"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		Long: `Run the broker daemon.

The daemon executes approved orders on a worker pool, runs the reconciler
and the usage meter on their intervals, streams usage records to the
accounting sinks and serves Prometheus metrics. Edits to the config file
and to policy files are picked up without a restart; settings that size
the process keep their running values until the next restart.`,
		Example: `  # Serve with the default config
  brokerd serve

  # Serve with an explicit config
  brokerd serve --config ./brokerd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, path, nil)
		},
	}

	return cmd
}

// serve runs the daemon until ctx is done. ready, when set, is called once
// every component is running.
func serve(ctx context.Context, cfg *config.Config, path string, ready func(*broker)) error {
	b, err := openBroker(ctx, cfg, bootOptions{pool: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Shutdown was not clean")
		}
	}()
	ctx = b.context(ctx)

	holder := config.NewHolder(cfg)
	holder.Subscribe(func(_, next *config.Config) { b.reload(next) })
	if path != "" {
		watcher := config.NewWatcher(path, holder, b.logger)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	if cfg.Policies.Watch && len(cfg.Policies.Paths) > 0 {
		loader := policy.NewLoader(b.logger)
		if err := loader.Watch(ctx, cfg.Policies.Paths, b.policies.Replace); err != nil {
			return err
		}
		defer func() { _ = loader.Stop() }()
	}

	b.pool.Start(ctx)
	metricsServer := b.tel.Metrics.StartMetricsServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Resume transitions a previous process left in flight before waiting a full interval.
		if _, err := b.reconciler.RunOnce(gctx); err != nil && gctx.Err() == nil {
			b.logger.Error().Err(err).Msg("startup reconcile pass failed")
		}
		b.reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		b.meter.Run(gctx)
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			select {
			case err := <-metricsServer.Errors():
				if err != nil {
					return fmt.Errorf("metrics server failed: %w", err)
				}
			case <-gctx.Done():
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	b.logger.Info().
		Strs("backends", b.registry.Backends()).
		Strs("resource_types", b.registry.ResourceTypes()).
		Int("workers", cfg.Engine.Workers).
		Bool("auto_approve", cfg.Orders.AutoApprove).
		Msg("brokerd serving")
	if ready != nil {
		ready(b)
	}

	err = g.Wait()
	b.logger.Info().Int("queued", b.pool.Depth()).Msg("brokerd stopping")
	return err
}

func newDevCommand() *cobra.Command {
	var (
		dataDir     string
		metricsAddr string
		review      bool
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the daemon against in-memory backends",
		Long: `Run the broker daemon for local development.

Every bundled resource type (vm, namespace, hpc-allocation) is routed to
an in-memory backend named "dev", orders are approved automatically and
the database lives in a scratch directory. Point other brokerd commands
at the same database with BROKER_DATABASE_PATH to place orders.`,
		Example: `  # Start a dev daemon
  brokerd dev

  # Keep the database between runs and review orders by hand
  brokerd dev --data-dir ./.broker --review`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dir, err := os.MkdirTemp("", "brokerd-dev-")
				if err != nil {
					return fmt.Errorf("failed to create data dir: %w", err)
				}
				defer func() { _ = os.RemoveAll(dir) }()
				dataDir = dir
			} else if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}

			cfg, err := devConfig(dataDir, metricsAddr, !review)
			if err != nil {
				return err
			}
			log.Info().
				Str("database", cfg.Database.Path).
				Str("metrics", metricsAddr).
				Msg("Starting dev broker")
			return serve(cmd.Context(), cfg, "", nil)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the database (default a scratch directory)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "127.0.0.1:9090", "metrics listen address")
	cmd.Flags().BoolVar(&review, "review", false, "leave orders pending approval")

	return cmd
}

// devConfig routes the bundled resource types to one fake backend.
func devConfig(dataDir, metricsAddr string, autoApprove bool) (*config.Config, error) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dataDir, "broker.db")
	cfg.Backends.Fake = []string{"dev"}
	cfg.ResourceTypes = map[string]config.ResourceTypeConfig{
		"vm":             {Backend: "dev", Description: "In-memory virtual machine"},
		"namespace":      {Backend: "dev", Description: "In-memory namespace"},
		"hpc-allocation": {Backend: "dev", Description: "In-memory HPC allocation"},
	}
	cfg.Orders.AutoApprove = autoApprove
	cfg.Reconcile.Interval = 10 * time.Second
	cfg.Meter.Interval = 30 * time.Second
	cfg.Telemetry.Metrics.ListenAddress = metricsAddr
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
