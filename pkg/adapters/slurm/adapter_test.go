package slurm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/transports/ssh"
)

type account struct {
	limits  string
	maxJobs string
}

// fakeSlurm answers the sacctmgr and sreport commands the adapter issues.
type fakeSlurm struct {
	mu       sync.Mutex
	accounts map[string]*account
	report   string
	failNext error
	commands []string
}

func newFakeSlurm() *fakeSlurm {
	return &fakeSlurm{accounts: make(map[string]*account)}
}

func exit(code int, stdout, stderr string) (*ssh.ExecResult, error) {
	res := &ssh.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}
	if code == 0 {
		return res, nil
	}
	return res, &ssh.TransportError{Op: "exec", Err: fmt.Errorf("command exited with code %d: %s", code, stderr+stdout), ExitCode: code}
}

func field(cmd, key string) string {
	for _, tok := range strings.Fields(cmd) {
		if strings.HasPrefix(tok, key+"=") {
			return strings.TrimPrefix(tok, key+"=")
		}
	}
	return ""
}

func unlimited(v string) string {
	if v == "-1" {
		return ""
	}
	return v
}

func (f *fakeSlurm) Run(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}

	tokens := strings.Fields(cmd)
	switch {
	case cmd == "sacctmgr -V":
		return exit(0, "slurm 23.11.4", "")

	case strings.HasPrefix(cmd, "sacctmgr -nP show association"):
		name := field(cmd, "account")
		a, ok := f.accounts[name]
		if !ok {
			return exit(0, "", "")
		}
		return exit(0, fmt.Sprintf("%s||%s|%s\n%s|alice|||", name, a.limits, a.maxJobs, name), "")

	case strings.HasPrefix(cmd, "sacctmgr -i add account"):
		name := tokens[4]
		if _, ok := f.accounts[name]; ok {
			return exit(1, "", " Account "+name+" already exists")
		}
		f.accounts[name] = &account{limits: field(cmd, "GrpTRESMins"), maxJobs: unlimited(field(cmd, "MaxSubmitJobs"))}
		return exit(0, " Adding Account(s)\n  "+name, "")

	case strings.HasPrefix(cmd, "sacctmgr -i modify account"):
		a, ok := f.accounts[field(cmd, "name")]
		if !ok {
			return exit(0, " Nothing modified", "")
		}
		a.limits = field(cmd, "GrpTRESMins")
		a.maxJobs = unlimited(field(cmd, "MaxSubmitJobs"))
		return exit(0, " Modified account associations...", "")

	case strings.HasPrefix(cmd, "sacctmgr -i remove account"):
		name := field(cmd, "name")
		if _, ok := f.accounts[name]; !ok {
			return exit(1, " Nothing deleted", "")
		}
		delete(f.accounts, name)
		return exit(0, " Deleting accounts...", "")

	case strings.HasPrefix(cmd, "sreport"):
		return exit(0, f.report, "")
	}
	return exit(127, "", "command not found")
}

func (f *fakeSlurm) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	return errors.New("not supported")
}

func (f *fakeSlurm) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeSlurm) Close() error { return nil }

func newTestAdapter(t *testing.T) (*Adapter, *fakeSlurm) {
	t.Helper()
	fake := newFakeSlurm()
	a := NewWithRunner(Config{Cluster: "hpc1"}, fake)
	a.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	return a, fake
}

func allocSpec(resourceID string, attrs engine.Attributes) engine.ResourceSpec {
	return engine.ResourceSpec{
		ResourceID:   resourceID,
		Tag:          engine.NewAttemptTag(resourceID, 1),
		Name:         "genomics",
		ResourceType: "hpc-allocation",
		AccountID:    "acme",
		Attributes:   attrs,
	}
}

const resourceID = "6f1c2a4e-9b7d-4c1e-8a3f-2d5e6f7a8b9c"

func TestAccountName(t *testing.T) {
	a, _ := newTestAdapter(t)
	assert.Equal(t, "brk_6f1c2a4e9b7d4c1e8a3f2d5e", a.AccountName(resourceID))
	assert.Equal(t, a.AccountName(resourceID), a.AccountName(resourceID))
}

func TestCreateAndDescribe(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()

	h, st, err := a.Create(ctx, allocSpec(resourceID, engine.Attributes{"cpu_hours": 1000, "gpu_hours": 10.5}))
	require.NoError(t, err)
	assert.Equal(t, a.AccountName(resourceID), h.BackendID)
	assert.Equal(t, engine.PhaseReady, st.Phase)
	assert.Equal(t, "cpu=60000,mem=-1,gres/gpu=630", st.Properties["grp_tres_mins"])
	assert.Equal(t, "-1", st.Properties["max_submit_jobs"])

	add := fake.commands[1]
	assert.Contains(t, add, "cluster=hpc1 parent=root")
	assert.Contains(t, add, "description='broker "+resourceID+"#1'")

	// Describing by resource alone resolves the same account.
	st, err = a.Describe(ctx, engine.BackendHandle{ResourceID: resourceID})
	require.NoError(t, err)
	assert.Equal(t, h.BackendID, st.BackendID)
}

func TestCreateAdoptsExistingAccount(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()

	_, _, err := a.Create(ctx, allocSpec(resourceID, nil))
	require.NoError(t, err)

	fake.commands = nil
	h, _, err := a.Create(ctx, allocSpec(resourceID, nil))
	require.NoError(t, err)
	assert.Equal(t, a.AccountName(resourceID), h.BackendID)
	require.Len(t, fake.commands, 1, "adoption must not issue an add")
	assert.Len(t, fake.accounts, 1)
}

func TestCreateAlreadyExistsRace(t *testing.T) {
	a, fake := newTestAdapter(t)
	name := a.AccountName(resourceID)

	// The account appears between the lookup and the add.
	calls := 0
	runner := runnerFunc(func(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
		calls++
		if calls == 1 {
			return exit(0, "", "")
		}
		if calls == 2 {
			fake.accounts[name] = &account{limits: "cpu=-1,mem=-1,gres/gpu=-1"}
		}
		return fake.Run(ctx, cmd)
	})
	a.runner = runner

	_, st, err := a.Create(context.Background(), allocSpec(resourceID, nil))
	require.NoError(t, err)
	assert.Equal(t, name, st.BackendID)
}

func TestCreateSuspended(t *testing.T) {
	a, _ := newTestAdapter(t)
	spec := allocSpec(resourceID, nil)
	spec.Suspended = true

	_, st, err := a.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseSuspended, st.Phase)
}

func TestCreateRejectsBadAttributes(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, _, err := a.Create(context.Background(), allocSpec(resourceID, engine.Attributes{"cpu_hours": -5}))
	assert.True(t, engine.IsInvalidRequest(err))

	_, _, err = a.Create(context.Background(), allocSpec(resourceID, engine.Attributes{"gpu_hours": "lots"}))
	assert.True(t, engine.IsInvalidRequest(err))
	assert.Empty(t, fake.commands)
}

func TestDescribeMissing(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Describe(context.Background(), engine.BackendHandle{ResourceID: resourceID})
	assert.True(t, engine.IsNotFound(err))
}

func TestUpdateSuspendResume(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	h, _, err := a.Create(ctx, allocSpec(resourceID, engine.Attributes{"cpu_hours": 10}))
	require.NoError(t, err)

	spec := allocSpec(resourceID, engine.Attributes{"cpu_hours": 20})
	spec.Suspended = true
	st, err := a.Update(ctx, *h, spec)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseSuspended, st.Phase)
	assert.Equal(t, "cpu=1200,mem=-1,gres/gpu=-1", st.Properties["grp_tres_mins"])

	spec.Suspended = false
	st, err = a.Update(ctx, *h, spec)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseReady, st.Phase)
}

func TestUpdateMissingAccount(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Update(context.Background(), engine.BackendHandle{ResourceID: resourceID}, allocSpec(resourceID, nil))
	assert.True(t, engine.IsNotFound(err))
}

func TestDestroyIsIdempotent(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()

	h, _, err := a.Create(ctx, allocSpec(resourceID, nil))
	require.NoError(t, err)

	require.NoError(t, a.Destroy(ctx, *h))
	assert.Empty(t, fake.accounts)
	require.NoError(t, a.Destroy(ctx, *h))
}

func TestPollUsage(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()
	h, _, err := a.Create(ctx, allocSpec(resourceID, nil))
	require.NoError(t, err)

	name := h.BackendID
	fake.report = strings.Join([]string{
		name + "||cpu|630",
		name + "||mem|1228800",
		name + "||gres/gpu|90",
		name + "|alice|cpu|600",
		"other||cpu|99999",
	}, "\n")

	samples, err := a.PollUsage(ctx, *h)
	require.NoError(t, err)
	require.Len(t, samples, 3)

	byDim := map[engine.Dimension]engine.UsageSample{}
	for _, s := range samples {
		byDim[s.Dimension] = s
		assert.True(t, s.Cumulative)
		assert.Equal(t, "2026-03", s.Period)
	}
	assert.InDelta(t, 10.5, byDim[engine.DimensionCPUHours].Quantity, 1e-9)
	assert.InDelta(t, 20, byDim[engine.DimensionRAMGBHours].Quantity, 1e-9)
	assert.InDelta(t, 1.5, byDim[engine.DimensionGPUHours].Quantity, 1e-9)

	last := fake.commands[len(fake.commands)-1]
	assert.Contains(t, last, "start=2026-03-01T00:00:00")

	// An unchanged total yields the same sample IDs.
	again, err := a.PollUsage(ctx, *h)
	require.NoError(t, err)
	assert.ElementsMatch(t, sampleIDs(samples), sampleIDs(again))
}

func sampleIDs(samples []engine.UsageSample) []string {
	ids := make([]string, 0, len(samples))
	for _, s := range samples {
		ids = append(ids, s.SampleID)
	}
	return ids
}

func TestErrorClassification(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()

	fake.failNext = &ssh.TransportError{Op: "connect", Err: errors.New("dial tcp: i/o timeout"), IsTemporary: true}
	assert.True(t, engine.IsTransient(a.Health(ctx)))

	fake.failNext = &ssh.TransportError{Op: "connect", Err: errors.New("unable to authenticate"), IsAuthError: true}
	assert.True(t, engine.IsPermanent(a.Health(ctx)))

	require.NoError(t, a.Health(ctx))

	fake.accounts["brk_x"] = &account{}
	_, err := a.Describe(ctx, engine.BackendHandle{BackendID: "brk_x"})
	require.NoError(t, err)
}

func TestAllocation(t *testing.T) {
	a, _ := newTestAdapter(t)
	alloc, err := a.Allocation(engine.Attributes{"cpu_hours": 500})
	require.NoError(t, err)
	assert.Equal(t, engine.Allocation{engine.DimensionInstances: 1}, alloc)

	_, err = a.Allocation(engine.Attributes{"ram_gb_hours": -1})
	assert.True(t, engine.IsInvalidRequest(err))
}

type runnerFunc func(ctx context.Context, cmd string) (*ssh.ExecResult, error)

func (f runnerFunc) Run(ctx context.Context, cmd string) (*ssh.ExecResult, error) { return f(ctx, cmd) }

func (f runnerFunc) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	return errors.New("not supported")
}

func (f runnerFunc) HealthCheck(ctx context.Context) error { return nil }

func (f runnerFunc) Close() error { return nil }
