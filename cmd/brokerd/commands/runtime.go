package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/broker/pkg/accounting"
	"github.com/openfroyo/broker/pkg/adapters"
	"github.com/openfroyo/broker/pkg/adapters/fake"
	"github.com/openfroyo/broker/pkg/adapters/hcloud"
	"github.com/openfroyo/broker/pkg/adapters/kubernetes"
	"github.com/openfroyo/broker/pkg/adapters/slurm"
	"github.com/openfroyo/broker/pkg/config"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/ledger"
	"github.com/openfroyo/broker/pkg/locks"
	"github.com/openfroyo/broker/pkg/orders"
	"github.com/openfroyo/broker/pkg/policy"
	"github.com/openfroyo/broker/pkg/reconciler"
	"github.com/openfroyo/broker/pkg/stores"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// broker is every component wired from one configuration.
type broker struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store    *stores.SQLiteStore
	leaser   engine.Leaser
	registry *adapters.Registry
	fakes    map[string]*fake.Adapter

	schemas  *config.SchemaRegistry
	rules    *config.AllocationRules
	policies *policy.Engine

	stream     *accounting.Stream
	ledger     *ledger.Ledger
	machine    *engine.StateMachine
	pool       *engine.Pool
	reconciler *reconciler.Reconciler
	meter      *ledger.Meter
	orders     *orders.Processor

	closers []func() error
}

// bootOptions selects the parts only the daemon needs.
type bootOptions struct {
	// pool runs transitions on a worker pool instead of inline.
	pool bool
}

// openBroker builds the store, adapters and engine components from cfg.
// The caller must Close the result.
func openBroker(ctx context.Context, cfg *config.Config, opts bootOptions) (b *broker, err error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	b = &broker{cfg: cfg, tel: tel, logger: logger, fakes: make(map[string]*fake.Adapter)}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	b.store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := b.store.Init(ctx); err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.store.Close)
	if err := b.store.Migrate(ctx); err != nil {
		return nil, err
	}

	switch cfg.Lease.Backend {
	case "redis":
		redisLeaser := locks.NewRedisLeaser(*cfg.Lease.Redis)
		if err := redisLeaser.Ping(ctx); err != nil {
			_ = redisLeaser.Close()
			return nil, fmt.Errorf("failed to reach lease redis: %w", err)
		}
		b.leaser = redisLeaser
		b.closers = append(b.closers, redisLeaser.Close)
	default:
		b.leaser = stores.NewSQLiteLeaser(b.store)
	}

	if err := b.registerBackends(); err != nil {
		return nil, err
	}

	b.schemas = config.NewSchemaRegistry()
	b.rules = config.NewAllocationRules(config.DefaultRuleTimeout)
	if err := b.applyCatalog(cfg); err != nil {
		return nil, err
	}

	b.policies, err = policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := b.policies.LoadPaths(ctx, cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}

	sinks, closeSinks, err := accounting.NewSinks(ctx, cfg.Accounting, logger)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeSinks)
	b.stream = accounting.NewStream(cfg.Accounting, sinks,
		accounting.WithLogger(logger), accounting.WithMetrics(tel.Metrics))
	b.stream.Start()

	b.machine = engine.NewStateMachine(b.store, b.registry, b.leaser, cfg.EngineTunables(),
		engine.WithLogger(logger),
		engine.WithOwner(leaseOwner()))
	b.ledger = ledger.New(b.store, cfg.LedgerTunables(),
		ledger.WithLogger(logger),
		ledger.WithPublisher(b.stream),
		ledger.WithSuspender(b.machine))
	// Reservations pass through the ledger so its admission cache sees them.
	engine.WithUsagePublisher(b.ledger)(b.machine)

	if opts.pool {
		b.pool = engine.NewPool(cfg.Engine.Workers, cfg.Engine.QueueSize, logger)
	}

	reconcilerOpts := []reconciler.Option{reconciler.WithLogger(logger)}
	processorOpts := []orders.Option{
		orders.WithLogger(logger),
		orders.WithSchemas(b.schemas),
		orders.WithAllocationRules(b.rules),
		orders.WithPolicies(b.policies),
	}
	if b.pool != nil {
		reconcilerOpts = append(reconcilerOpts, reconciler.WithPool(b.pool))
		processorOpts = append(processorOpts, orders.WithPool(b.pool))
	}
	b.reconciler = reconciler.New(b.store, b.registry, b.machine, cfg.ReconcilerTunables(), reconcilerOpts...)
	b.meter = ledger.NewMeter(b.store, b.registry, b.ledger, b.pool, cfg.Meter.Interval, cfg.Engine.CallTimeout, logger)
	b.orders = orders.NewProcessor(b.store, b.registry, b.ledger, b.machine,
		orders.Tunables{AutoApprove: cfg.Orders.AutoApprove}, processorOpts...)

	return b, nil
}

// registerBackends creates one adapter per configured backend.
func (b *broker) registerBackends() error {
	b.registry = adapters.NewRegistry()
	backends := b.cfg.Backends

	for _, c := range backends.Hcloud {
		if err := b.registry.Register(hcloud.New(c)); err != nil {
			return err
		}
	}
	for _, c := range backends.Kubernetes {
		a, err := kubernetes.New(c)
		if err != nil {
			return fmt.Errorf("failed to create kubernetes backend %s: %w", c.Name, err)
		}
		if err := b.registry.Register(a); err != nil {
			return err
		}
	}
	for _, c := range backends.Slurm {
		a, err := slurm.New(c)
		if err != nil {
			return fmt.Errorf("failed to create slurm backend %s: %w", c.Name, err)
		}
		b.closers = append(b.closers, a.Close)
		if err := b.registry.Register(a); err != nil {
			return err
		}
	}
	for _, name := range backends.Fake {
		a := fake.New(name)
		b.fakes[name] = a
		if err := b.registry.Register(a); err != nil {
			return err
		}
	}

	b.logger.Debug().Strs("backends", b.registry.Backends()).Msg("backends registered")
	return nil
}

// applyCatalog routes resource types and installs their schemas and
// allocation rules. It runs at startup and on every config reload.
func (b *broker) applyCatalog(cfg *config.Config) error {
	routes := make(map[string]string, len(cfg.ResourceTypes))
	for name, rt := range cfg.ResourceTypes {
		routes[name] = rt.Backend
	}
	if err := b.registry.SetRoutes(routes); err != nil {
		return err
	}
	if err := b.schemas.Configure(cfg.ResourceTypes); err != nil {
		return err
	}
	return b.rules.Configure(cfg.ResourceTypes)
}

// reload hands a new configuration to every reloadable component.
func (b *broker) reload(next *config.Config) {
	b.machine.Reload(next.EngineTunables())
	b.reconciler.Reload(next.ReconcilerTunables())
	b.ledger.Reload(next.LedgerTunables())
	b.orders.Reload(orders.Tunables{AutoApprove: next.Orders.AutoApprove})
	b.meter.SetInterval(next.Meter.Interval)
	if err := b.applyCatalog(next); err != nil {
		b.logger.Error().Err(err).Msg("failed to apply resource types; catalog may be partially updated")
	}
	b.cfg = next
	b.logger.Info().Msg("configuration reloaded")
}

// context attaches telemetry so components can record metrics and events.
func (b *broker) context(ctx context.Context) context.Context {
	return b.tel.WithContext(ctx)
}

// Close drains the accounting stream and releases every resource.
func (b *broker) Close(ctx context.Context) error {
	var errs []error
	if b.pool != nil {
		b.pool.Stop()
	}
	if b.stream != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		errs = append(errs, b.stream.Shutdown(shutdownCtx))
		cancel()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	if b.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		errs = append(errs, b.tel.Shutdown(shutdownCtx))
		cancel()
	}
	return errors.Join(errs...)
}

// withBroker loads the config, opens a broker for one CLI command and
// closes it afterwards.
func withBroker(ctx context.Context, fn func(ctx context.Context, b *broker) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := openBroker(ctx, cfg, bootOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Shutdown was not clean")
		}
	}()
	return fn(b.context(ctx), b)
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "brokerd"
	}
	return fmt.Sprintf("%s-%d", strings.ToLower(host), os.Getpid())
}
