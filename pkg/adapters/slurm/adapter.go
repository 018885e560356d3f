// Package slurm provides the batch-allocation backend. Every resource is a
// Slurm account managed with sacctmgr on a login node reached over SSH. The
// account name is derived from the resource ID, so a lost create is found by
// looking the account up.
package slurm

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
	"github.com/openfroyo/broker/pkg/transports/ssh"
)

// Config configures the adapter.
type Config struct {
	// Name is the backend key; defaults to "slurm".
	Name string `yaml:"name"`

	SSH ssh.Config `yaml:"ssh"`

	// Cluster is the Slurm cluster name accounts are created on.
	Cluster string `yaml:"cluster" validate:"required"`

	// ParentAccount is the account new accounts are nested under.
	ParentAccount string `yaml:"parent_account"`

	// AccountPrefix is prepended to derived account names.
	AccountPrefix string `yaml:"account_prefix"`
}

// Adapter implements engine.Adapter on Slurm accounting.
type Adapter struct {
	name    string
	runner  ssh.Runner
	cluster string
	parent  string
	prefix  string
	now     func() time.Time
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates an adapter that connects over SSH.
func New(cfg Config) (*Adapter, error) {
	cfg.SSH.ApplyDefaults()
	client, err := ssh.NewClient(&cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh client: %w", err)
	}
	return NewWithRunner(cfg, client), nil
}

// NewWithRunner creates an adapter over the given runner (useful for testing).
func NewWithRunner(cfg Config, runner ssh.Runner) *Adapter {
	a := &Adapter{
		name:    cfg.Name,
		runner:  runner,
		cluster: cfg.Cluster,
		parent:  cfg.ParentAccount,
		prefix:  cfg.AccountPrefix,
		now:     time.Now,
	}
	if a.name == "" {
		a.name = "slurm"
	}
	if a.parent == "" {
		a.parent = "root"
	}
	if a.prefix == "" {
		a.prefix = "brk_"
	}
	return a
}

// Type implements engine.Adapter.
func (a *Adapter) Type() string {
	return a.name
}

// Close releases the SSH connection.
func (a *Adapter) Close() error {
	return a.runner.Close()
}

// AccountName derives the Slurm account for a resource.
func (a *Adapter) AccountName(resourceID string) string {
	id := strings.ToLower(strings.ReplaceAll(resourceID, "-", ""))
	id = unsafeChars.ReplaceAllString(id, "")
	if len(id) > 24 {
		id = id[:24]
	}
	return a.prefix + id
}

// Create implements engine.Adapter. An existing account is adopted.
func (a *Adapter) Create(ctx context.Context, spec engine.ResourceSpec) (*engine.BackendHandle, *engine.BackendState, error) {
	limits, err := limitsFor(spec.Attributes)
	if err != nil {
		return nil, nil, err
	}

	account := a.AccountName(spec.ResourceID)
	handle := &engine.BackendHandle{ResourceID: spec.ResourceID, BackendID: account, Tag: spec.Tag}

	st, err := a.describe(ctx, account)
	if err == nil {
		telemetry.FromContext(ctx).WithResourceID(spec.ResourceID).WithBackend(a.name, account).
			Info("Adopting existing Slurm account")
		return handle, st, nil
	}
	if !engine.IsNotFound(err) {
		return nil, nil, err
	}

	maxJobs := "-1"
	if spec.Suspended {
		maxJobs = "0"
	}
	cmd := fmt.Sprintf("sacctmgr -i add account %s cluster=%s parent=%s description=%s organization=%s GrpTRESMins=%s MaxSubmitJobs=%s",
		account, a.cluster, a.parent,
		quote("broker "+string(spec.Tag)), quote(spec.AccountID),
		limits.String(), maxJobs)

	if res, err := a.run(ctx, "create", cmd); err != nil && !alreadyExists(res) {
		return nil, nil, err
	}

	st, err = a.describe(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return handle, st, nil
}

// Describe implements engine.Adapter.
func (a *Adapter) Describe(ctx context.Context, handle engine.BackendHandle) (*engine.BackendState, error) {
	return a.describe(ctx, a.accountFor(handle))
}

// Update implements engine.Adapter. Suspension blocks new submissions with
// MaxSubmitJobs=0; running jobs finish.
func (a *Adapter) Update(ctx context.Context, handle engine.BackendHandle, spec engine.ResourceSpec) (*engine.BackendState, error) {
	limits, err := limitsFor(spec.Attributes)
	if err != nil {
		return nil, err
	}
	account := a.accountFor(handle)

	maxJobs := "-1"
	if spec.Suspended {
		maxJobs = "0"
	}
	cmd := fmt.Sprintf("sacctmgr -i modify account where name=%s cluster=%s set GrpTRESMins=%s MaxSubmitJobs=%s",
		account, a.cluster, limits.String(), maxJobs)
	// "Nothing modified" means unchanged or missing; describe tells which.
	if _, err := a.run(ctx, "update", cmd); err != nil {
		return nil, err
	}
	return a.describe(ctx, account)
}

// Destroy implements engine.Adapter.
func (a *Adapter) Destroy(ctx context.Context, handle engine.BackendHandle) error {
	account := a.accountFor(handle)
	cmd := fmt.Sprintf("sacctmgr -i remove account where name=%s cluster=%s", account, a.cluster)
	if res, err := a.run(ctx, "destroy", cmd); err != nil && !absent(res) {
		return err
	}
	return nil
}

// PollUsage implements engine.Adapter. It reports month-to-date TRES usage as
// cumulative samples; the sample ID repeats while the total is unchanged.
func (a *Adapter) PollUsage(ctx context.Context, handle engine.BackendHandle) ([]engine.UsageSample, error) {
	account := a.accountFor(handle)
	now := a.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := engine.PeriodOf(now)

	cmd := fmt.Sprintf("sreport -nP cluster AccountUtilizationByUser cluster=%s account=%s start=%s end=%s -T cpu,mem,gres/gpu -t minutes format=Account,Login,TRESName,Used",
		a.cluster, account, start.Format("2006-01-02T15:04:05"), now.Format("2006-01-02T15:04:05"))
	res, err := a.run(ctx, "poll", cmd)
	if err != nil {
		return nil, err
	}

	totals := parseUtilization(res.Stdout, account)
	var samples []engine.UsageSample
	for _, dim := range []engine.Dimension{engine.DimensionCPUHours, engine.DimensionGPUHours, engine.DimensionRAMGBHours} {
		q, ok := totals[dim]
		if !ok {
			continue
		}
		q = math.Round(q*10000) / 10000
		samples = append(samples, engine.UsageSample{
			SampleID:   fmt.Sprintf("slurm:%s:%s:%s:%s", account, period, dim, strconv.FormatFloat(q, 'f', -1, 64)),
			Dimension:  dim,
			Quantity:   q,
			Cumulative: true,
			Period:     period,
			SampledAt:  now,
		})
	}
	return samples, nil
}

// Allocation implements engine.Adapter. An allocation holds one slot; its
// hour budgets become GrpTRESMins limits and are charged as they are used.
func (a *Adapter) Allocation(attrs engine.Attributes) (engine.Allocation, error) {
	if _, err := limitsFor(attrs); err != nil {
		return nil, err
	}
	return engine.Allocation{engine.DimensionInstances: 1}, nil
}

// Health implements engine.Adapter.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.run(ctx, "health", "sacctmgr -V")
	return err
}

func (a *Adapter) accountFor(handle engine.BackendHandle) string {
	if handle.BackendID != "" {
		return handle.BackendID
	}
	return a.AccountName(handle.ResourceID)
}

func (a *Adapter) describe(ctx context.Context, account string) (*engine.BackendState, error) {
	cmd := fmt.Sprintf("sacctmgr -nP show association where account=%s cluster=%s format=Account,User,GrpTRESMins,MaxSubmitJobs", account, a.cluster)
	res, err := a.run(ctx, "describe", cmd)
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 4 || fields[0] != account || fields[1] != "" {
			continue
		}
		phase := engine.PhaseReady
		if fields[3] == "0" {
			phase = engine.PhaseSuspended
		}
		return &engine.BackendState{
			BackendID: account,
			Phase:     phase,
			Status:    "MaxSubmitJobs=" + orUnlimited(fields[3]),
			Properties: map[string]string{
				"account":         account,
				"cluster":         a.cluster,
				"grp_tres_mins":   fields[2],
				"max_submit_jobs": orUnlimited(fields[3]),
			},
			ObservedAt: a.now().UTC(),
		}, nil
	}
	return nil, engine.NewNotFoundError("slurm account", account)
}

// run executes cmd and classifies failures. For a non-zero exit the result
// is returned alongside the permanent error so callers can inspect the output.
func (a *Adapter) run(ctx context.Context, op, cmd string) (*ssh.ExecResult, error) {
	res, err := a.runner.Run(ctx, cmd)
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case ssh.IsTemporary(err):
		return nil, engine.NewTransientError("slurm "+op+": login node unreachable", err).WithOperation(op)
	default:
		return res, engine.NewPermanentError("slurm "+op+" failed", err).WithOperation(op)
	}
}

func outputOf(res *ssh.ExecResult) string {
	if res == nil {
		return ""
	}
	return strings.ToLower(res.Stdout + "\n" + res.Stderr)
}

func alreadyExists(res *ssh.ExecResult) bool {
	return strings.Contains(outputOf(res), "already exists")
}

func absent(res *ssh.ExecResult) bool {
	out := outputOf(res)
	return strings.Contains(out, "nothing deleted") || strings.Contains(out, "does not exist")
}

func orUnlimited(v string) string {
	if v == "" {
		return "-1"
	}
	return v
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)

// quote single-quotes v for the remote shell.
func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "") + "'"
}
