package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/broker/pkg/adapters"
	"github.com/openfroyo/broker/pkg/adapters/fake"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/stores"
)

type recordingPublisher struct {
	mu      sync.Mutex
	records []*engine.UsageRecord
}

func (p *recordingPublisher) PublishUsage(records []*engine.UsageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
}

func (p *recordingPublisher) kinds() []engine.UsageKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []engine.UsageKind
	for _, r := range p.records {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

type harness struct {
	store   *stores.SQLiteStore
	leaser  *stores.SQLiteLeaser
	backend *fake.Adapter
	machine *engine.StateMachine
	usage   *recordingPublisher
}

func newHarness(t *testing.T, tunables engine.Tunables) *harness {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "broker.db")})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	backend := fake.New("fake")
	registry := adapters.NewRegistry()
	require.NoError(t, registry.Register(backend))

	if tunables.CallTimeout == 0 {
		tunables.CallTimeout = 5 * time.Second
	}
	leaser := stores.NewSQLiteLeaser(store)
	usage := &recordingPublisher{}
	machine := engine.NewStateMachine(store, registry, leaser, tunables,
		engine.WithBackoff(engine.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}),
		engine.WithOwner("test"),
		engine.WithUsagePublisher(usage),
	)

	return &harness{store: store, leaser: leaser, backend: backend, machine: machine, usage: usage}
}

// submit admits a create order for a resource with the given cores.
func (h *harness) submit(t *testing.T, id string, cores float64, status engine.OrderStatus) *engine.Resource {
	t.Helper()

	attrs := engine.Attributes{"cores": cores}
	order := &engine.Order{
		ID:           "ord-" + id,
		Type:         engine.OrderTypeCreate,
		ResourceType: "vm",
		ResourceID:   "res-" + id,
		AccountID:    "acme",
		ProjectID:    "web",
		Attributes:   attrs,
		Status:       status,
		CreatedBy:    "alice",
	}
	resource := &engine.Resource{
		ID:           "res-" + id,
		OrderID:      order.ID,
		AccountID:    "acme",
		ProjectID:    "web",
		ResourceType: "vm",
		BackendType:  "fake",
		Name:         "vm-" + id,
		Attributes:   attrs,
		Allocation:   engine.Allocation{engine.DimensionCores: cores},
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), order, resource, "alice"))
	return resource
}

// followUp records an update or terminate order against an existing resource.
func (h *harness) followUp(t *testing.T, id, resourceID string, typ engine.OrderType) string {
	t.Helper()
	order := &engine.Order{
		ID:           id,
		Type:         typ,
		ResourceType: "vm",
		ResourceID:   resourceID,
		AccountID:    "acme",
		ProjectID:    "web",
		Status:       engine.OrderStatusPendingApproval,
		CreatedBy:    "alice",
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), order, nil, "alice"))
	return id
}

func (h *harness) resource(t *testing.T, id string) *engine.Resource {
	t.Helper()
	res, err := h.store.GetResource(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (h *harness) order(t *testing.T, id string) *engine.Order {
	t.Helper()
	order, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (h *harness) last(t *testing.T, id string) *engine.TransitionEntry {
	t.Helper()
	entry, err := h.store.LastTransition(context.Background(), id)
	require.NoError(t, err)
	return entry
}

func (h *harness) usageOf(t *testing.T, scope string) float64 {
	t.Helper()
	q, err := h.store.GetQuota(context.Background(), scope, engine.DimensionCores)
	require.NoError(t, err)
	return q.Usage
}

// requireValidPath checks that the resource's log is a walk through the
// lifecycle table ending in its current state.
func (h *harness) requireValidPath(t *testing.T, id string, want ...engine.ResourceState) {
	t.Helper()
	entries, err := h.store.ListTransitions(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, engine.ValidatePath(entries))

	var states []engine.ResourceState
	for _, e := range entries {
		states = append(states, e.To)
	}
	if len(want) > 0 {
		assert.Equal(t, want, states)
	}
	assert.Equal(t, entries[len(entries)-1].To, h.resource(t, id).State)
}

func TestProvisionSynchronousBackend(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)

	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.NotEmpty(t, res.BackendID)
	assert.Equal(t, 1, res.Attempt)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, engine.PhaseReady, res.Snapshot.Phase)

	assert.Equal(t, engine.OrderStatusDone, h.order(t, "ord-1").Status)
	assert.Equal(t, 2.0, h.usageOf(t, "account:acme"))
	assert.Equal(t, 2.0, h.usageOf(t, "project:acme/web"))
	assert.Equal(t, []engine.UsageKind{engine.UsageKindReservation}, h.usage.kinds())

	h.requireValidPath(t, "res-1", engine.StateCreating, engine.StateProvisioning, engine.StateActive)
	entries, err := h.store.ListTransitions(ctx, "res-1")
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, engine.OutcomeSucceeded, e.Outcome, "seq %d", e.Seq)
	}
	assert.Equal(t, engine.NewAttemptTag("res-1", 1), entries[1].Tag)
}

func TestProvisionRequiresExecutingOrder(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.submit(t, "1", 2, engine.OrderStatusPendingApproval)

	err := h.machine.Provision(context.Background(), "res-1", "worker")
	assert.True(t, engine.IsConflict(err))
	assert.Equal(t, engine.StateCreating, h.resource(t, "res-1").State)
	assert.Equal(t, 0, h.backend.Calls(fake.OpCreate))
}

func TestProvisionTwiceIsStale(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.submit(t, "1", 2, engine.OrderStatusExecuting)

	require.NoError(t, h.machine.Provision(context.Background(), "res-1", "worker"))
	err := h.machine.Provision(context.Background(), "res-1", "worker")
	assert.True(t, engine.IsStaleTransition(err))
	assert.Equal(t, 1, h.backend.Count())
}

func TestProvisionAsynchronousBackend(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.backend.SetCreatePhase(engine.PhasePending)
	h.submit(t, "1", 2, engine.OrderStatusExecuting)

	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateProvisioning, res.State)
	assert.Equal(t, engine.OutcomeSubmitted, h.last(t, "res-1").Outcome)
	assert.Equal(t, 0.0, h.usageOf(t, "account:acme"))

	h.backend.SetPhase(res.BackendID, engine.PhaseReady, "")
	observed, err := h.backend.Describe(ctx, res.Handle())
	require.NoError(t, err)
	require.NoError(t, h.machine.Activate(ctx, "res-1", observed, "reconciler"))

	assert.Equal(t, engine.StateActive, h.resource(t, "res-1").State)
	assert.Equal(t, engine.OrderStatusDone, h.order(t, "ord-1").Status)
	assert.Equal(t, 2.0, h.usageOf(t, "account:acme"))
	h.requireValidPath(t, "res-1", engine.StateCreating, engine.StateProvisioning, engine.StateActive)
}

func TestTransientErrorsRetriedWithSameTag(t *testing.T) {
	h := newHarness(t, engine.Tunables{CallRetries: 3})
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	h.backend.FailNext(fake.OpCreate,
		engine.NewTransientError("503 service unavailable", nil),
		engine.NewThrottledError("rate_limit_exceeded", nil))

	require.NoError(t, h.machine.Provision(context.Background(), "res-1", "worker"))
	assert.Equal(t, 3, h.backend.Calls(fake.OpCreate))
	assert.Equal(t, 1, h.backend.Count())

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, 1, res.Attempt)
}

func TestUnknownOutcomeThenRedriveAdoptsObject(t *testing.T) {
	h := newHarness(t, engine.Tunables{CallTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	h.backend.HangNext(fake.OpCreate, true)

	// The backend committed but the response was lost.
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateProvisioning, res.State)
	assert.Empty(t, res.BackendID)
	last := h.last(t, "res-1")
	assert.Equal(t, engine.OutcomeUnknown, last.Outcome)
	assert.Equal(t, 1, h.backend.Count())

	require.NoError(t, h.machine.Redrive(ctx, "res-1", last.Seq, "reconciler"))

	res = h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, h.backend.ObjectsFor("res-1"), []string{res.BackendID})
	assert.Equal(t, 1, h.backend.Count())
	assert.Equal(t, 1, res.Attempt)
	h.requireValidPath(t, "res-1", engine.StateCreating, engine.StateProvisioning, engine.StateActive)
}

func TestRedriveRejectsOutdatedSeq(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.backend.SetCreatePhase(engine.PhasePending)
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(context.Background(), "res-1", "worker"))

	last := h.last(t, "res-1")
	err := h.machine.Redrive(context.Background(), "res-1", last.Seq-1, "reconciler")
	assert.True(t, engine.IsStaleTransition(err))
	assert.Equal(t, 1, h.backend.Calls(fake.OpCreate))
}

func TestPermanentErrorWithoutBackendObjectIsTerminal(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	h.backend.FailNext(fake.OpCreate, engine.NewPermanentError("invalid_input: server type cx99 not found", nil))

	require.NoError(t, h.machine.Provision(context.Background(), "res-1", "worker"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateErredTerminal, res.State)
	assert.Equal(t, "invalid_input: server type cx99 not found", res.ErrorMessage)

	order := h.order(t, "ord-1")
	assert.Equal(t, engine.OrderStatusErred, order.Status)
	assert.Equal(t, "invalid_input: server type cx99 not found", order.ErrorMessage)
	assert.Equal(t, 0.0, h.usageOf(t, "account:acme"))

	h.requireValidPath(t, "res-1",
		engine.StateCreating, engine.StateProvisioning, engine.StateErred, engine.StateErredTerminal)
	entries, err := h.store.ListTransitions(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeFailed, entries[1].Outcome)
}

func TestRetryBudget(t *testing.T) {
	h := newHarness(t, engine.Tunables{RetryBudget: 2, CallRetries: 0})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)

	unavailable := engine.NewTransientError("connection reset by peer", nil)
	h.backend.FailNext(fake.OpCreate, unavailable, unavailable)

	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateErred, res.State)
	assert.Equal(t, engine.ErrorClassTransient, res.ErrorClass)
	assert.Equal(t, engine.OrderStatusExecuting, h.order(t, "ord-1").Status)

	require.NoError(t, h.machine.Retry(ctx, "res-1", "reconciler"))
	res = h.resource(t, "res-1")
	assert.Equal(t, engine.StateErred, res.State)
	assert.Equal(t, 2, res.Attempt)

	err := h.machine.Retry(ctx, "res-1", "reconciler")
	require.Error(t, err)
	e, ok := engine.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, engine.ErrCodeRetryExhausted, e.Code)

	assert.Equal(t, engine.StateErredTerminal, h.resource(t, "res-1").State)
	order := h.order(t, "ord-1")
	assert.Equal(t, engine.OrderStatusErred, order.Status)
	assert.Contains(t, order.ErrorMessage, "connection reset by peer")
	assert.Equal(t, 0, h.backend.Count())
	h.requireValidPath(t, "res-1")
}

func TestRetrySucceedsWithNewTag(t *testing.T) {
	h := newHarness(t, engine.Tunables{CallRetries: 0})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	h.backend.FailNext(fake.OpCreate, engine.NewTransientError("timeout talking to api", nil))

	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	require.NoError(t, h.machine.Retry(ctx, "res-1", "reconciler"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, 2, res.Attempt)
	assert.Empty(t, res.ErrorMessage)
	assert.Equal(t, engine.NewAttemptTag("res-1", 2), h.last(t, "res-1").Tag)
	assert.Equal(t, engine.OrderStatusDone, h.order(t, "ord-1").Status)
}

func TestActivationDeniedByQuota(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	limit := 4.0
	require.NoError(t, h.store.SetQuotaLimit(ctx, "account:acme", engine.DimensionCores, &limit))

	h.submit(t, "1", 3, engine.OrderStatusExecuting)
	h.submit(t, "2", 3, engine.OrderStatusExecuting)

	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	require.NoError(t, h.machine.Provision(ctx, "res-2", "worker"))

	assert.Equal(t, engine.StateActive, h.resource(t, "res-1").State)
	assert.Equal(t, engine.StateTerminated, h.resource(t, "res-2").State)

	order := h.order(t, "ord-2")
	assert.Equal(t, engine.OrderStatusErred, order.Status)
	assert.Contains(t, order.ErrorMessage, "quota exceeded")

	// The backend object of the denied resource was destroyed.
	assert.Empty(t, h.backend.ObjectsFor("res-2"))
	assert.Equal(t, 3.0, h.usageOf(t, "account:acme"))
	h.requireValidPath(t, "res-2",
		engine.StateCreating, engine.StateProvisioning, engine.StateTerminating, engine.StateTerminated)
}

func TestUpdateReReservesAllocation(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	orderID := h.followUp(t, "upd-1", "res-1", engine.OrderTypeUpdate)
	err := h.machine.Update(ctx, "res-1", engine.UpdateIntent{
		Attributes: engine.Attributes{"cores": 4},
		Allocation: engine.Allocation{engine.DimensionCores: 4},
		OrderID:    orderID,
		Actor:      "alice",
	})
	require.NoError(t, err)

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, 4.0, res.Allocation[engine.DimensionCores])
	assert.Empty(t, res.PendingOrderID)
	assert.Equal(t, engine.OrderStatusDone, h.order(t, orderID).Status)
	assert.Equal(t, 4.0, h.usageOf(t, "account:acme"))
	assert.Equal(t, []engine.UsageKind{
		engine.UsageKindReservation, engine.UsageKindReversal, engine.UsageKindReservation,
	}, h.usage.kinds())

	h.requireValidPath(t, "res-1",
		engine.StateCreating, engine.StateProvisioning, engine.StateActive, engine.StateUpdating, engine.StateActive)
}

func TestUpdateDeniedByQuota(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()

	limit := 10.0
	require.NoError(t, h.store.SetQuotaLimit(ctx, "project:acme/web", engine.DimensionCores, &limit))
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	h.submit(t, "2", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	require.NoError(t, h.machine.Provision(ctx, "res-2", "worker"))
	require.Equal(t, 4.0, h.usageOf(t, "project:acme/web"))

	orderID := h.followUp(t, "upd-1", "res-1", engine.OrderTypeUpdate)
	err := h.machine.Update(ctx, "res-1", engine.UpdateIntent{
		Attributes: engine.Attributes{"cores": 12},
		Allocation: engine.Allocation{engine.DimensionCores: 12},
		OrderID:    orderID,
		Actor:      "alice",
	})
	require.True(t, engine.IsQuotaExceeded(err), "got %v", err)

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, 2.0, res.Allocation[engine.DimensionCores])
	assert.Empty(t, res.PendingOrderID)
	assert.Equal(t, engine.OrderStatusErred, h.order(t, orderID).Status)
	assert.Equal(t, 4.0, h.usageOf(t, "project:acme/web"))
	assert.Equal(t, 0, h.backend.Calls(fake.OpUpdate), "the backend is not resized")
}

func TestUpdateDeniedAtCompletionKeepsReservation(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	h.backend.SetUpdatePhase(engine.PhasePending)
	orderID := h.followUp(t, "upd-1", "res-1", engine.OrderTypeUpdate)
	require.NoError(t, h.machine.Update(ctx, "res-1", engine.UpdateIntent{
		Attributes: engine.Attributes{"cores": 6},
		Allocation: engine.Allocation{engine.DimensionCores: 6},
		OrderID:    orderID,
		Actor:      "alice",
	}))
	require.Equal(t, engine.StateUpdating, h.resource(t, "res-1").State)

	// The limit drops while the backend converges.
	limit := 4.0
	require.NoError(t, h.store.SetQuotaLimit(ctx, "account:acme", engine.DimensionCores, &limit))
	require.NoError(t, h.machine.CompleteUpdate(ctx, "res-1", nil, "worker"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, 2.0, res.Allocation[engine.DimensionCores])
	assert.Empty(t, res.PendingOrderID)
	order := h.order(t, orderID)
	assert.Equal(t, engine.OrderStatusErred, order.Status)
	assert.Contains(t, order.ErrorMessage, "quota")
	assert.Equal(t, 2.0, h.usageOf(t, "account:acme"))
	assert.Equal(t, []engine.UsageKind{engine.UsageKindReservation}, h.usage.kinds())

	h.requireValidPath(t, "res-1",
		engine.StateCreating, engine.StateProvisioning, engine.StateActive, engine.StateUpdating, engine.StateActive)
}

func TestUpdateFailureErrsOrder(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	orderID := h.followUp(t, "upd-1", "res-1", engine.OrderTypeUpdate)
	h.backend.FailNext(fake.OpUpdate, engine.NewPermanentError("server_type cx99 unavailable", nil))
	require.NoError(t, h.machine.Update(ctx, "res-1", engine.UpdateIntent{
		Attributes: engine.Attributes{"cores": 64},
		OrderID:    orderID,
	}))

	res := h.resource(t, "res-1")
	// The backend object still exists, so the resource is not finalised.
	assert.Equal(t, engine.StateErred, res.State)
	order := h.order(t, orderID)
	assert.Equal(t, engine.OrderStatusErred, order.Status)
	assert.Equal(t, "server_type cx99 unavailable", order.ErrorMessage)
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	require.NoError(t, h.machine.Suspend(ctx, "res-1", "ledger"))
	res := h.resource(t, "res-1")
	assert.True(t, res.Suspended)
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, engine.PhaseSuspended, res.Snapshot.Phase)

	require.NoError(t, h.machine.Resume(ctx, "res-1", "operator"))
	res = h.resource(t, "res-1")
	assert.False(t, res.Suspended)
	assert.Equal(t, engine.PhaseReady, res.Snapshot.Phase)
	assert.Equal(t, 2.0, h.usageOf(t, "account:acme"))
}

func TestTerminateReleasesReservation(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	orderID := h.followUp(t, "term-1", "res-1", engine.OrderTypeTerminate)
	require.NoError(t, h.machine.Terminate(ctx, "res-1", orderID, "alice"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateTerminated, res.State)
	assert.True(t, res.Deleted)
	assert.False(t, res.NeverProvisioned)
	assert.Equal(t, 0, h.backend.Count())
	assert.Equal(t, engine.OrderStatusDone, h.order(t, orderID).Status)
	assert.Equal(t, engine.OrderStatusDone, h.order(t, "ord-1").Status)
	assert.Equal(t, 0.0, h.usageOf(t, "account:acme"))
	assert.Equal(t, 0.0, h.usageOf(t, "project:acme/web"))

	// Terminating again is a no-op.
	require.NoError(t, h.machine.Terminate(ctx, "res-1", "", "alice"))
	h.requireValidPath(t, "res-1",
		engine.StateCreating, engine.StateProvisioning, engine.StateActive,
		engine.StateTerminating, engine.StateTerminated)
}

func TestTerminateAsynchronousDelete(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	h.backend.SetDeferDeletes(true)
	require.NoError(t, h.machine.Terminate(ctx, "res-1", "", "alice"))
	assert.Equal(t, engine.StateTerminating, h.resource(t, "res-1").State)
	assert.Equal(t, engine.OutcomeSubmitted, h.last(t, "res-1").Outcome)
	assert.Equal(t, 2.0, h.usageOf(t, "account:acme"))

	h.backend.FinishDeletes()
	require.NoError(t, h.machine.CompleteTermination(ctx, "res-1", "reconciler"))
	assert.Equal(t, engine.StateTerminated, h.resource(t, "res-1").State)
	assert.Equal(t, 0.0, h.usageOf(t, "account:acme"))
	h.requireValidPath(t, "res-1")
}

func TestTerminateBeforeCommitmentIsRefused(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.submit(t, "1", 2, engine.OrderStatusPendingApproval)

	err := h.machine.Terminate(context.Background(), "res-1", "", "alice")
	require.Error(t, err)
	e, ok := engine.AsEngineError(err)
	require.True(t, ok)
	assert.Equal(t, engine.ErrCodeInvalidTransition, e.Code)
}

func TestCancelUncommitted(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.submit(t, "1", 2, engine.OrderStatusPendingApproval)

	require.NoError(t, h.machine.CancelUncommitted(context.Background(), "res-1",
		engine.OrderStatusCanceled, "no longer needed", "alice"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateTerminated, res.State)
	assert.True(t, res.NeverProvisioned)
	order := h.order(t, "ord-1")
	assert.Equal(t, engine.OrderStatusCanceled, order.Status)
	assert.Equal(t, 0, h.backend.Calls(fake.OpCreate))
	h.requireValidPath(t, "res-1", engine.StateCreating, engine.StateTerminated)
}

func TestRejectRecordsReviewer(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	h.submit(t, "1", 2, engine.OrderStatusPendingApproval)

	require.NoError(t, h.machine.CancelUncommitted(context.Background(), "res-1",
		engine.OrderStatusRejected, "over budget", "carol"))

	order := h.order(t, "ord-1")
	assert.Equal(t, engine.OrderStatusRejected, order.Status)
	assert.Equal(t, "carol", order.ReviewedBy)
	assert.Equal(t, "over budget", order.ErrorMessage)
}

func TestCancelCommittedTerminates(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.backend.SetCreatePhase(engine.PhasePending)
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	require.Equal(t, engine.StateProvisioning, h.resource(t, "res-1").State)

	require.NoError(t, h.machine.CancelCommitted(ctx, "res-1", "canceled by alice", "alice"))

	assert.Equal(t, engine.StateTerminated, h.resource(t, "res-1").State)
	order := h.order(t, "ord-1")
	assert.Equal(t, engine.OrderStatusCanceled, order.Status, "the cancel must win over the erred close")
	assert.Equal(t, "canceled by alice", order.ErrorMessage)
	h.requireValidPath(t, "res-1", engine.StateCreating, engine.StateProvisioning,
		engine.StateTerminating, engine.StateTerminated)
}

func TestCancelCommittedWhileTerminating(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.backend.SetCreatePhase(engine.PhasePending)
	h.backend.SetDeferDeletes(true)
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	require.NoError(t, h.machine.Terminate(ctx, "res-1", "", "operator"))
	require.Equal(t, engine.StateTerminating, h.resource(t, "res-1").State)

	require.NoError(t, h.machine.CancelCommitted(ctx, "res-1", "canceled by alice", "alice"))
	assert.Equal(t, engine.OrderStatusCanceled, h.order(t, "ord-1").Status)
	assert.Equal(t, engine.StateTerminating, h.resource(t, "res-1").State)
}

func TestFailOnDriftKeepsResourceRecoverable(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	drift := engine.NewDriftError("res-1", engine.DriftHigh, "backend object vanished")
	require.NoError(t, h.machine.Fail(ctx, "res-1", drift, "reconciler"))

	res := h.resource(t, "res-1")
	assert.Equal(t, engine.StateErred, res.State)
	assert.Equal(t, "backend object vanished", res.ErrorMessage)

	// Failing an erred resource again changes nothing.
	require.NoError(t, h.machine.Fail(ctx, "res-1", drift, "reconciler"))

	require.NoError(t, h.machine.Abandon(ctx, "res-1", "", "operator"))
	assert.Equal(t, engine.StateErredTerminal, h.resource(t, "res-1").State)
	h.requireValidPath(t, "res-1",
		engine.StateCreating, engine.StateProvisioning, engine.StateActive, engine.StateErred, engine.StateErredTerminal)
}

func TestRetryRefusedWhenBound(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	require.NoError(t, h.machine.Fail(ctx, "res-1", engine.NewDriftError("res-1", engine.DriftHigh, "failed"), "reconciler"))

	err := h.machine.Retry(ctx, "res-1", "operator")
	assert.True(t, engine.IsInvalidRequest(err))
	assert.Equal(t, engine.StateErred, h.resource(t, "res-1").State)
}

func TestLeaseHeldByAnotherWriter(t *testing.T) {
	h := newHarness(t, engine.Tunables{LeaseWait: 0})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)

	ok, err := h.leaser.Acquire(ctx, "resource:res-1", "other/1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.machine.Provision(ctx, "res-1", "worker")
	assert.True(t, engine.IsStaleTransition(err))
	assert.Equal(t, engine.StateCreating, h.resource(t, "res-1").State)

	require.NoError(t, h.leaser.Release(ctx, "resource:res-1", "other/1"))
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))
	assert.Equal(t, engine.StateActive, h.resource(t, "res-1").State)
}

func TestLeaseReleasedAfterTransition(t *testing.T) {
	h := newHarness(t, engine.Tunables{})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)
	require.NoError(t, h.machine.Provision(ctx, "res-1", "worker"))

	ok, err := h.leaser.Acquire(ctx, "resource:res-1", "other/1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReloadTunables(t *testing.T) {
	h := newHarness(t, engine.Tunables{RetryBudget: 2})
	assert.Equal(t, 2, h.machine.Tunables().RetryBudget)

	h.machine.Reload(engine.Tunables{RetryBudget: 5, CallRetries: -1})
	got := h.machine.Tunables()
	assert.Equal(t, 5, got.RetryBudget)
	assert.Equal(t, 0, got.CallRetries)
	assert.Equal(t, engine.DefaultTunables().CallTimeout, got.CallTimeout)
}

func TestConcurrentTransitionsKeepPathValid(t *testing.T) {
	h := newHarness(t, engine.Tunables{LeaseWait: 2 * time.Second})
	ctx := context.Background()
	h.submit(t, "1", 2, engine.OrderStatusExecuting)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.machine.Provision(ctx, "res-1", "worker")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, engine.IsStaleTransition(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.backend.Count())
	h.requireValidPath(t, "res-1", engine.StateCreating, engine.StateProvisioning, engine.StateActive)
}
