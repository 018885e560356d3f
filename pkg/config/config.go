package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/broker/pkg/accounting"
	"github.com/openfroyo/broker/pkg/adapters/hcloud"
	"github.com/openfroyo/broker/pkg/adapters/kubernetes"
	"github.com/openfroyo/broker/pkg/adapters/slurm"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/ledger"
	"github.com/openfroyo/broker/pkg/locks"
	"github.com/openfroyo/broker/pkg/reconciler"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BROKER_"

// Config is the brokerd configuration file.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Lease     LeaseConfig     `yaml:"lease"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Meter     MeterConfig     `yaml:"meter"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Orders    OrdersConfig    `yaml:"orders"`
	Policies  PoliciesConfig  `yaml:"policies"`

	// ResourceTypes is the marketplace catalog: resource type to backend,
	// with optional attribute schema and allocation rule.
	ResourceTypes map[string]ResourceTypeConfig `yaml:"resource_types" validate:"dive"`

	Backends   BackendsConfig    `yaml:"backends"`
	Accounting accounting.Config `yaml:"accounting"`
	Telemetry  *telemetry.Config `yaml:"telemetry"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig sizes the worker pool and bounds backend calls.
type EngineConfig struct {
	Workers     int           `yaml:"workers" validate:"gte=1"`
	QueueSize   int           `yaml:"queue_size" validate:"gte=1"`
	RetryBudget int           `yaml:"retry_budget" validate:"gte=1"`
	CallRetries int           `yaml:"call_retries" validate:"gte=0"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
}

// LeaseConfig selects the single-writer lease backend.
type LeaseConfig struct {
	Backend string             `yaml:"backend" validate:"oneof=sqlite redis"`
	TTL     time.Duration      `yaml:"ttl" validate:"gt=0"`
	Wait    time.Duration      `yaml:"wait" validate:"gte=0"`
	Redis   *locks.RedisConfig `yaml:"redis" validate:"required_if=Backend redis"`
}

// ReconcileConfig tunes the reconciler.
type ReconcileConfig struct {
	Interval            time.Duration `yaml:"interval" validate:"gt=0"`
	Staleness           time.Duration `yaml:"staleness" validate:"gt=0"`
	ProvisioningTimeout time.Duration `yaml:"provisioning_timeout" validate:"gt=0"`
	StaleAfter          time.Duration `yaml:"stale_after" validate:"gt=0"`
	MaxRedrives         int           `yaml:"max_redrives" validate:"gte=1"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" validate:"gte=0"`
}

// MeterConfig tunes usage polling.
type MeterConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// LedgerConfig tunes the quota ledger.
type LedgerConfig struct {
	BreachPolicy ledger.BreachPolicy `yaml:"breach_policy" validate:"oneof=advisory auto-suspend"`
	CacheTTL     time.Duration       `yaml:"cache_ttl" validate:"gte=0"`
}

// OrdersConfig tunes order admission.
type OrdersConfig struct {
	// AutoApprove hands create orders to the engine without review.
	AutoApprove bool `yaml:"auto_approve"`
}

// PoliciesConfig lists admission policy files and directories.
type PoliciesConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// ResourceTypeConfig is one catalog entry.
type ResourceTypeConfig struct {
	// Backend is the adapter key orders of this type are routed to.
	Backend string `yaml:"backend" validate:"required"`

	Description string `yaml:"description"`

	// Schema is an inline CUE schema for the attributes. It replaces the
	// built-in schema of the same resource type.
	Schema string `yaml:"schema"`

	// SchemaFile is read when Schema is empty.
	SchemaFile string `yaml:"schema_file"`

	// Allocation is a Starlark rule computing the quota reservation from
	// `attributes`. When empty the adapter's own computation applies.
	Allocation string `yaml:"allocation"`
}

// BackendsConfig lists the adapters to register. Each entry's name is its
// backend key.
type BackendsConfig struct {
	Hcloud     []hcloud.Config     `yaml:"hcloud" validate:"dive"`
	Kubernetes []kubernetes.Config `yaml:"kubernetes" validate:"dive"`
	Slurm      []slurm.Config      `yaml:"slurm" validate:"dive"`

	// Fake registers in-memory adapters under the given names, for dev mode.
	Fake []string `yaml:"fake"`
}

// Names returns every configured backend key, applying the per-kind defaults.
func (b BackendsConfig) Names() []string {
	var names []string
	for _, c := range b.Hcloud {
		names = append(names, nameOr(c.Name, "hcloud"))
	}
	for _, c := range b.Kubernetes {
		names = append(names, nameOr(c.Name, "kubernetes"))
	}
	for _, c := range b.Slurm {
		names = append(names, nameOr(c.Name, "slurm"))
	}
	names = append(names, b.Fake...)
	return names
}

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "broker.db"},
		Engine: EngineConfig{
			Workers:     8,
			QueueSize:   256,
			RetryBudget: engine.DefaultTunables().RetryBudget,
			CallRetries: engine.DefaultTunables().CallRetries,
			CallTimeout: engine.DefaultTunables().CallTimeout,
		},
		Lease: LeaseConfig{
			Backend: "sqlite",
			TTL:     engine.DefaultTunables().LeaseTTL,
			Wait:    engine.DefaultTunables().LeaseWait,
		},
		Reconcile: ReconcileConfig{
			Interval:            reconciler.DefaultTunables().Interval,
			Staleness:           reconciler.DefaultTunables().Staleness,
			ProvisioningTimeout: reconciler.DefaultTunables().ProvisioningTimeout,
			StaleAfter:          reconciler.DefaultTunables().StaleAfter,
			MaxRedrives:         reconciler.DefaultTunables().MaxRedrives,
			RetryBackoff:        reconciler.DefaultTunables().RetryBackoff,
		},
		Meter: MeterConfig{Interval: 5 * time.Minute},
		Ledger: LedgerConfig{
			BreachPolicy: ledger.DefaultTunables().BreachPolicy,
			CacheTTL:     ledger.DefaultTunables().CacheTTL,
		},
		Accounting:    accounting.DefaultConfig(),
		ResourceTypes: map[string]ResourceTypeConfig{},
		Telemetry:     telemetry.DefaultConfig(),
	}
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and the database path from the environment.
// Per-backend tokens use the upper-cased backend name, e.g.
// BROKER_HCLOUD_EU_TOKEN for a backend named "hcloud-eu".
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		return lookup(EnvPrefix + key)
	}

	if v, ok := get("DATABASE_PATH"); ok {
		c.Database.Path = v
	}
	for i := range c.Backends.Hcloud {
		if v, ok := get(envName(nameOr(c.Backends.Hcloud[i].Name, "hcloud")) + "_TOKEN"); ok {
			c.Backends.Hcloud[i].Token = v
		}
	}
	for i := range c.Backends.Slurm {
		if v, ok := get(envName(nameOr(c.Backends.Slurm[i].Name, "slurm")) + "_SSH_PASSWORD"); ok {
			c.Backends.Slurm[i].SSH.Password = v
		}
	}
	if c.Lease.Redis != nil {
		if v, ok := get("REDIS_PASSWORD"); ok {
			c.Lease.Redis.Password = v
		}
	}
	if c.Accounting.Redis != nil {
		if v, ok := get("REDIS_PASSWORD"); ok {
			c.Accounting.Redis.Password = v
		}
	}
	if c.Accounting.S3 != nil {
		if v, ok := get("S3_ACCESS_KEY_ID"); ok {
			c.Accounting.S3.AccessKeyID = v
		}
		if v, ok := get("S3_SECRET_ACCESS_KEY"); ok {
			c.Accounting.S3.SecretAccessKey = v
		}
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// Validate checks struct tags and cross references.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool)
	for _, name := range c.Backends.Names() {
		if seen[name] {
			return fmt.Errorf("invalid config: backend %q is configured twice", name)
		}
		seen[name] = true
	}
	for rt, t := range c.ResourceTypes {
		if !seen[t.Backend] {
			return fmt.Errorf("invalid config: resource type %q routes to unknown backend %q", rt, t.Backend)
		}
		if t.Schema != "" && t.SchemaFile != "" {
			return fmt.Errorf("invalid config: resource type %q sets both schema and schema_file", rt)
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}

// EngineTunables returns the state machine tunables.
func (c *Config) EngineTunables() engine.Tunables {
	return engine.Tunables{
		RetryBudget: c.Engine.RetryBudget,
		CallRetries: c.Engine.CallRetries,
		CallTimeout: c.Engine.CallTimeout,
		LeaseTTL:    c.Lease.TTL,
		LeaseWait:   c.Lease.Wait,
	}
}

// ReconcilerTunables returns the reconciler tunables.
func (c *Config) ReconcilerTunables() reconciler.Tunables {
	return reconciler.Tunables{
		Interval:            c.Reconcile.Interval,
		Staleness:           c.Reconcile.Staleness,
		ProvisioningTimeout: c.Reconcile.ProvisioningTimeout,
		StaleAfter:          c.Reconcile.StaleAfter,
		MaxRedrives:         c.Reconcile.MaxRedrives,
		RetryBudget:         c.Engine.RetryBudget,
		RetryBackoff:        c.Reconcile.RetryBackoff,
		CallTimeout:         c.Engine.CallTimeout,
	}
}

// LedgerTunables returns the ledger tunables.
func (c *Config) LedgerTunables() ledger.Tunables {
	return ledger.Tunables{
		BreachPolicy: c.Ledger.BreachPolicy,
		CacheTTL:     c.Ledger.CacheTTL,
	}
}

// RestartRequired lists the sections that changed between old and c but
// are only read at startup.
func (c *Config) RestartRequired(old *Config) []string {
	var changed []string
	check := func(section string, a, b interface{}) {
		if !equalYAML(a, b) {
			changed = append(changed, section)
		}
	}
	check("database", old.Database, c.Database)
	check("engine.workers", old.Engine.Workers, c.Engine.Workers)
	check("engine.queue_size", old.Engine.QueueSize, c.Engine.QueueSize)
	check("engine.call_timeout", old.Engine.CallTimeout, c.Engine.CallTimeout)
	check("lease", old.Lease, c.Lease)
	check("policies", old.Policies, c.Policies)
	check("backends", old.Backends, c.Backends)
	check("accounting", old.Accounting, c.Accounting)
	check("telemetry", old.Telemetry, c.Telemetry)
	return changed
}

// equalYAML compares two values by their YAML encoding, so unexported
// state and pointer identity do not matter.
func equalYAML(a, b interface{}) bool {
	x, err1 := yaml.Marshal(a)
	y, err2 := yaml.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}
