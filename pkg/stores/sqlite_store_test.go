package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/broker/pkg/engine"
)

// setupTestStore creates a migrated store in a temporary file
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "broker.db"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createTestOrder(t *testing.T, store *SQLiteStore, id string, alloc engine.Allocation) (*engine.Order, *engine.Resource) {
	t.Helper()

	order := &engine.Order{
		ID:           "ord-" + id,
		Type:         engine.OrderTypeCreate,
		ResourceType: "vm",
		ResourceID:   "res-" + id,
		AccountID:    "acme",
		ProjectID:    "web",
		Attributes:   engine.Attributes{"server_type": "cx22"},
		Status:       engine.OrderStatusExecuting,
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
		Attributes:   order.Attributes,
		Allocation:   alloc,
	}
	require.NoError(t, store.CreateOrder(context.Background(), order, resource, "alice"))
	return order, resource
}

func entry(resourceID string, from, to engine.ResourceState, op engine.Operation) *engine.TransitionEntry {
	return &engine.TransitionEntry{
		ResourceID: resourceID,
		From:       from,
		To:         to,
		Operation:  op,
		Tag:        engine.NewAttemptTag(resourceID, 0),
		Actor:      "test",
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "lifecycle.db")})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"orders", "resources", "transition_log", "usage_records", "quotas", "leases"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}

	version, dirty, err := store.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, store.Migrate(ctx))
}

func TestCreateOrderWritesGenesis(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	order, _ := createTestOrder(t, store, "1", nil)

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.OrderStatusExecuting, got.Status)
	assert.Equal(t, "cx22", got.Attributes.String("server_type"))

	res, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCreating, res.State)
	assert.Empty(t, res.BackendID)

	entries, err := store.ListTransitions(ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, engine.StateNone, entries[0].From)
	assert.Equal(t, engine.StateCreating, entries[0].To)
	assert.Equal(t, engine.OutcomeSucceeded, entries[0].Outcome)
	assert.NotNil(t, entries[0].ResolvedAt)
}

func TestCreateOrderForMissingResource(t *testing.T) {
	store := setupTestStore(t)

	order := &engine.Order{
		ID:           "ord-upd",
		Type:         engine.OrderTypeUpdate,
		ResourceType: "vm",
		ResourceID:   "missing",
		AccountID:    "acme",
		Status:       engine.OrderStatusPendingApproval,
	}
	err := store.CreateOrder(context.Background(), order, nil, "alice")
	assert.True(t, engine.IsNotFound(err))

	_, err = store.GetOrder(context.Background(), "ord-upd")
	assert.True(t, engine.IsNotFound(err), "failed order insert must roll back")
}

func TestListOrders(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestOrder(t, store, "1", nil)
	createTestOrder(t, store, "2", nil)
	require.NoError(t, store.UpdateOrderStatus(ctx, "ord-2", nil, engine.OrderStatusDone, "", ""))

	all, err := store.ListOrders(ctx, engine.OrderFilter{AccountID: "acme"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := store.ListOrders(ctx, engine.OrderFilter{Statuses: []engine.OrderStatus{engine.OrderStatusDone}})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "ord-2", done[0].ID)
	assert.NotNil(t, done[0].CompletedAt)
}

func TestUpdateOrderStatusTerminalIsImmutable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	require.NoError(t, store.UpdateOrderStatus(ctx, "ord-1", []engine.OrderStatus{engine.OrderStatusExecuting},
		engine.OrderStatusErred, "boom", ""))

	err := store.UpdateOrderStatus(ctx, "ord-1", nil, engine.OrderStatusDone, "", "")
	assert.True(t, engine.IsStaleTransition(err))

	err = store.UpdateOrderStatus(ctx, "ord-1", []engine.OrderStatus{engine.OrderStatusErred}, engine.OrderStatusDone, "", "")
	assert.True(t, engine.IsStaleTransition(err), "terminal statuses in from are ignored")

	got, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, engine.OrderStatusErred, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestUpdateOrderStatusChecksFrom(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	err := store.UpdateOrderStatus(ctx, "ord-1", []engine.OrderStatus{engine.OrderStatusPendingApproval},
		engine.OrderStatusExecuting, "", "bob")
	assert.True(t, engine.IsStaleTransition(err))

	err = store.UpdateOrderStatus(ctx, "nope", nil, engine.OrderStatusDone, "", "")
	assert.True(t, engine.IsNotFound(err))
}

func TestAppendTransitionCompareAndSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	result, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Entry.Seq)
	assert.Equal(t, engine.OutcomePending, result.Entry.Outcome)

	// A second writer that still believes the resource is creating loses.
	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
	})
	assert.True(t, engine.IsStaleTransition(err))

	entries, err := store.ListTransitions(ctx, "res-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.NoError(t, engine.ValidatePath(entries))

	res, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateProvisioning, res.State)
}

func TestAppendTransitionRejectsIllegalEdge(t *testing.T) {
	store := setupTestStore(t)
	createTestOrder(t, store, "1", nil)

	_, err := store.AppendTransition(context.Background(), engine.TransitionWrite{
		Entry: entry("res-1", engine.StateCreating, engine.StateActive, engine.OperationNone),
	})
	assert.True(t, engine.IsStaleTransition(err))
}

func TestAppendTransitionExpectSeq(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	_, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:     entry("res-1", engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
		ExpectSeq: 5,
	})
	assert.True(t, engine.IsStaleTransition(err))

	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:     entry("res-1", engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
		ExpectSeq: 1,
	})
	assert.NoError(t, err)
}

func TestAppendTransitionUpdatesOrders(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	_, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateCreating, engine.StateTerminated, engine.OperationNone),
		Orders: []engine.OrderChange{
			{OrderID: "ord-1", Status: engine.OrderStatusCanceled, Message: "canceled by user"},
		},
		NeverProvisioned: true,
	})
	require.NoError(t, err)

	order, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, engine.OrderStatusCanceled, order.Status)

	res, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, res.NeverProvisioned)
	assert.True(t, res.Deleted)

	listed, err := store.ListResources(ctx, engine.ResourceFilter{AccountID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = store.ListResources(ctx, engine.ResourceFilter{AccountID: "acme", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestResolveTransitionMovesForwardOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	_, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
	})
	require.NoError(t, err)

	require.NoError(t, store.ResolveTransition(ctx, "res-1", 2, engine.OutcomeUnknown, "deadline exceeded"))

	inflight, err := store.ListInFlight(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, engine.OutcomeUnknown, inflight[0].Outcome)

	require.NoError(t, store.ResolveTransition(ctx, "res-1", 2, engine.OutcomeSucceeded, ""))

	err = store.ResolveTransition(ctx, "res-1", 2, engine.OutcomeFailed, "")
	assert.True(t, engine.IsStaleTransition(err))

	last, err := store.LastTransition(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeSucceeded, last.Outcome)

	inflight, err = store.ListInFlight(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, inflight)

	err = store.ResolveTransition(ctx, "res-1", 9, engine.OutcomeSucceeded, "")
	assert.True(t, engine.IsNotFound(err))
}

func TestTransitionLogIsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	createTestOrder(t, store, "1", nil)

	_, err := store.db.Exec(`DELETE FROM transition_log WHERE resource_id = 'res-1'`)
	assert.Error(t, err)
}

func TestBindBackendIDOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	require.NoError(t, store.BindBackendID(ctx, "res-1", "srv-42"))
	require.NoError(t, store.BindBackendID(ctx, "res-1", "srv-42"))

	err := store.BindBackendID(ctx, "res-1", "srv-43")
	assert.True(t, engine.IsPermanent(err))

	res, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-42", res.BackendID)
}

func TestRecordObservationAndRedrives(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordObservation(ctx, "res-1", &engine.BackendState{
		BackendID: "srv-1",
		Phase:     engine.PhaseReady,
		Status:    "running",
	}, at))

	res, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, engine.PhaseReady, res.Snapshot.Phase)
	require.NotNil(t, res.LastReconciledAt)
	assert.True(t, res.LastReconciledAt.Equal(at))

	n, err := store.IncrementRedrives(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.IncrementRedrives(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Any transition resets the counter.
	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
	})
	require.NoError(t, err)
	res, err = store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Redrives)
}

func TestListResourcesByScopeAndEndDate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	end := time.Now().Add(-time.Hour)
	order := &engine.Order{
		ID: "ord-2", Type: engine.OrderTypeCreate, ResourceType: "vm", ResourceID: "res-2",
		AccountID: "other", Status: engine.OrderStatusExecuting,
	}
	require.NoError(t, store.CreateOrder(ctx, order, &engine.Resource{
		ID: "res-2", OrderID: "ord-2", AccountID: "other", ResourceType: "vm",
		BackendType: "fake", Name: "vm-2", EndDate: &end,
	}, "bob"))

	byProject, err := store.ListResources(ctx, engine.ResourceFilter{Scope: "project:acme/web"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, "res-1", byProject[0].ID)

	now := time.Now()
	expired, err := store.ListResources(ctx, engine.ResourceFilter{EndBefore: &now})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "res-2", expired[0].ID)

	_, err = store.ListResources(ctx, engine.ResourceFilter{Scope: "galaxy:1"})
	assert.True(t, engine.IsInvalidRequest(err))
}

func provisionTo(t *testing.T, store *SQLiteStore, resourceID string) {
	t.Helper()
	_, err := store.AppendTransition(context.Background(), engine.TransitionWrite{
		Entry: entry(resourceID, engine.StateCreating, engine.StateProvisioning, engine.OperationCreate),
	})
	require.NoError(t, err)
}

func TestReservationEnforcesQuota(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	limit := 4.0
	require.NoError(t, store.SetQuotaLimit(ctx, "account:acme", engine.DimensionCores, &limit))

	createTestOrder(t, store, "1", engine.Allocation{engine.DimensionCores: 2})
	createTestOrder(t, store, "2", engine.Allocation{engine.DimensionCores: 3})
	provisionTo(t, store, "res-1")
	provisionTo(t, store, "res-2")

	result, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:   entry("res-1", engine.StateProvisioning, engine.StateActive, engine.OperationNone),
		Reserve: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, engine.UsageKindReservation, result.Records[0].Kind)

	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:   entry("res-2", engine.StateProvisioning, engine.StateActive, engine.OperationNone),
		Reserve: true,
	})
	require.True(t, engine.IsQuotaExceeded(err))

	// Nothing of the rejected write is visible.
	res, err := store.GetResource(ctx, "res-2")
	require.NoError(t, err)
	assert.Equal(t, engine.StateProvisioning, res.State)

	q, err := store.GetQuota(ctx, "account:acme", engine.DimensionCores)
	require.NoError(t, err)
	assert.Equal(t, 2.0, q.Usage)

	project, err := store.GetQuota(ctx, "project:acme/web", engine.DimensionCores)
	require.NoError(t, err)
	assert.Nil(t, project.Limit)
	assert.Equal(t, 2.0, project.Usage)
}

func TestResizeEnforcesQuota(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	limit := 10.0
	require.NoError(t, store.SetQuotaLimit(ctx, "project:acme/web", engine.DimensionCores, &limit))

	for _, id := range []string{"1", "2"} {
		createTestOrder(t, store, id, engine.Allocation{engine.DimensionCores: 2})
		provisionTo(t, store, "res-"+id)
		_, err := store.AppendTransition(ctx, engine.TransitionWrite{
			Entry:   entry("res-"+id, engine.StateProvisioning, engine.StateActive, engine.OperationNone),
			Reserve: true,
		})
		require.NoError(t, err)
	}

	usage := func() float64 {
		t.Helper()
		q, err := store.GetQuota(ctx, "project:acme/web", engine.DimensionCores)
		require.NoError(t, err)
		return q.Usage
	}
	require.Equal(t, 4.0, usage())

	// 4 - 2 + 12 = 14 > 10, checked before the backend is asked.
	_, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:           entry("res-1", engine.StateActive, engine.StateUpdating, engine.OperationUpdate),
		Allocation:      engine.Allocation{engine.DimensionCores: 12},
		CheckAllocation: true,
	})
	require.True(t, engine.IsQuotaExceeded(err))

	res, err := store.GetResource(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, res.State)
	assert.Equal(t, 2.0, res.Allocation[engine.DimensionCores])

	// The same check applies when the resize lands.
	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateActive, engine.StateUpdating, engine.OperationUpdate),
	})
	require.NoError(t, err)
	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:      entry("res-1", engine.StateUpdating, engine.StateActive, engine.OperationNone),
		Allocation: engine.Allocation{engine.DimensionCores: 12},
		Release:    true,
		Reserve:    true,
	})
	require.True(t, engine.IsQuotaExceeded(err))
	assert.Equal(t, 4.0, usage())

	records, err := store.ListUsageRecords(ctx, engine.UsageFilter{ResourceID: "res-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1, "a denied resize writes no usage records")

	// 4 - 2 + 8 = 10 fits exactly.
	result, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:      entry("res-1", engine.StateUpdating, engine.StateActive, engine.OperationNone),
		Allocation: engine.Allocation{engine.DimensionCores: 8},
		Release:    true,
		Reserve:    true,
	})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
	assert.Equal(t, 10.0, usage())
}

func TestShrinkIsAdmittedOverQuota(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestOrder(t, store, "1", engine.Allocation{engine.DimensionCores: 6})
	provisionTo(t, store, "res-1")
	_, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:   entry("res-1", engine.StateProvisioning, engine.StateActive, engine.OperationNone),
		Reserve: true,
	})
	require.NoError(t, err)

	// A limit lowered below current usage must not block shrinking.
	limit := 2.0
	require.NoError(t, store.SetQuotaLimit(ctx, "account:acme", engine.DimensionCores, &limit))

	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:           entry("res-1", engine.StateActive, engine.StateUpdating, engine.OperationUpdate),
		Allocation:      engine.Allocation{engine.DimensionCores: 4},
		CheckAllocation: true,
	})
	require.NoError(t, err)
	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:   entry("res-1", engine.StateUpdating, engine.StateActive, engine.OperationNone),
		Release: true,
		Reserve: true,
	})
	require.NoError(t, err)

	q, err := store.GetQuota(ctx, "account:acme", engine.DimensionCores)
	require.NoError(t, err)
	assert.Equal(t, 4.0, q.Usage)
}

func TestReleaseReversesReservations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestOrder(t, store, "1", engine.Allocation{engine.DimensionCores: 2, engine.DimensionRAMGB: 4})
	provisionTo(t, store, "res-1")
	_, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:   entry("res-1", engine.StateProvisioning, engine.StateActive, engine.OperationNone),
		Reserve: true,
	})
	require.NoError(t, err)

	_, err = store.AppendTransition(ctx, engine.TransitionWrite{
		Entry: entry("res-1", engine.StateActive, engine.StateTerminating, engine.OperationDestroy),
	})
	require.NoError(t, err)
	result, err := store.AppendTransition(ctx, engine.TransitionWrite{
		Entry:   entry("res-1", engine.StateTerminating, engine.StateTerminated, engine.OperationNone),
		Release: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	for _, rec := range result.Records {
		assert.Equal(t, engine.UsageKindReversal, rec.Kind)
		assert.NotEmpty(t, rec.ReversesID)
		assert.Less(t, rec.Quantity, 0.0)
	}

	quotas, err := store.ListQuotas(ctx, "account:acme")
	require.NoError(t, err)
	require.Len(t, quotas, 2)
	for _, q := range quotas {
		assert.Equal(t, 0.0, q.Usage, "dimension %s", q.Dimension)
	}

	records, err := store.ListUsageRecords(ctx, engine.UsageFilter{ResourceID: "res-1"})
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestApplyUsageIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	sample := func() *engine.UsageRecord {
		return &engine.UsageRecord{
			ResourceID: "res-1",
			AccountID:  "acme",
			ProjectID:  "web",
			Dimension:  engine.DimensionCPUHours,
			Quantity:   1.5,
			Kind:       engine.UsageKindSample,
			SampleKey:  "sample:res-1:a",
		}
	}

	appended, quotas, err := store.ApplyUsage(ctx, []*engine.UsageRecord{sample()})
	require.NoError(t, err)
	assert.Len(t, appended, 1)
	assert.Len(t, quotas, 2)

	appended, _, err = store.ApplyUsage(ctx, []*engine.UsageRecord{sample()})
	require.NoError(t, err)
	assert.Empty(t, appended)

	q, err := store.GetQuota(ctx, "account:acme", engine.DimensionCPUHours)
	require.NoError(t, err)
	assert.Equal(t, 1.5, q.Usage)
}

func TestApplyUsageCumulativeDelta(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	period := engine.PeriodOf(time.Now())
	cumulative := func(key string, total float64) *engine.UsageRecord {
		return &engine.UsageRecord{
			ResourceID: "res-1",
			AccountID:  "acme",
			Dimension:  engine.DimensionCPUHours,
			Period:     period,
			Quantity:   total,
			Kind:       engine.UsageKindSample,
			SampleKey:  key,
			Cumulative: true,
		}
	}

	_, _, err := store.ApplyUsage(ctx, []*engine.UsageRecord{cumulative("s1", 10)})
	require.NoError(t, err)
	appended, _, err := store.ApplyUsage(ctx, []*engine.UsageRecord{cumulative("s2", 14)})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, 4.0, appended[0].Quantity)

	// A total that did not grow adds nothing.
	appended, _, err = store.ApplyUsage(ctx, []*engine.UsageRecord{cumulative("s3", 14)})
	require.NoError(t, err)
	assert.Empty(t, appended)

	q, err := store.GetQuota(ctx, "account:acme", engine.DimensionCPUHours)
	require.NoError(t, err)
	assert.Equal(t, 14.0, q.Usage)
}

func TestApplyUsageMixedSampleStreams(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	period := engine.PeriodOf(time.Now())
	sample := func(key string, quantity float64, cumulative bool) *engine.UsageRecord {
		return &engine.UsageRecord{
			ResourceID: "res-1",
			AccountID:  "acme",
			Dimension:  engine.DimensionCPUHours,
			Period:     period,
			Quantity:   quantity,
			Kind:       engine.UsageKindSample,
			SampleKey:  key,
			Cumulative: cumulative,
		}
	}

	_, _, err := store.ApplyUsage(ctx, []*engine.UsageRecord{sample("inc-1", 5, false)})
	require.NoError(t, err)

	// The incremental sample is not part of the cumulative total.
	appended, _, err := store.ApplyUsage(ctx, []*engine.UsageRecord{sample("cum-1", 10, true)})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, 10.0, appended[0].Quantity)
	assert.True(t, appended[0].Cumulative)

	_, _, err = store.ApplyUsage(ctx, []*engine.UsageRecord{sample("inc-2", 3, false)})
	require.NoError(t, err)

	appended, _, err = store.ApplyUsage(ctx, []*engine.UsageRecord{sample("cum-2", 12, true)})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, 2.0, appended[0].Quantity)

	q, err := store.GetQuota(ctx, "account:acme", engine.DimensionCPUHours)
	require.NoError(t, err)
	assert.Equal(t, 20.0, q.Usage)

	records, err := store.ListUsageRecords(ctx, engine.UsageFilter{ResourceID: "res-1"})
	require.NoError(t, err)
	flagged := 0
	for _, rec := range records {
		if rec.Cumulative {
			flagged++
		}
	}
	assert.Len(t, records, 4)
	assert.Equal(t, 2, flagged)
}

func TestApplyUsageValidates(t *testing.T) {
	store := setupTestStore(t)
	_, _, err := store.ApplyUsage(context.Background(), []*engine.UsageRecord{{Dimension: engine.DimensionCores}})
	assert.True(t, engine.IsInvalidRequest(err))
}

func TestUsageRecordsAreAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrder(t, store, "1", nil)

	_, _, err := store.ApplyUsage(ctx, []*engine.UsageRecord{{
		ResourceID: "res-1", AccountID: "acme", Dimension: engine.DimensionCPUHours,
		Quantity: 1, Kind: engine.UsageKindSample,
	}})
	require.NoError(t, err)

	_, err = store.db.Exec(`UPDATE usage_records SET quantity = 0`)
	assert.Error(t, err)
	_, err = store.db.Exec(`DELETE FROM usage_records`)
	assert.Error(t, err)
}

func TestSetQuotaLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	limit := 10.0
	require.NoError(t, store.SetQuotaLimit(ctx, "account:acme", engine.DimensionInstances, &limit))
	q, err := store.GetQuota(ctx, "account:acme", engine.DimensionInstances)
	require.NoError(t, err)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 10.0, *q.Limit)

	require.NoError(t, store.SetQuotaLimit(ctx, "account:acme", engine.DimensionInstances, nil))
	q, err = store.GetQuota(ctx, "account:acme", engine.DimensionInstances)
	require.NoError(t, err)
	assert.Nil(t, q.Limit)

	negative := -1.0
	err = store.SetQuotaLimit(ctx, "account:acme", engine.DimensionInstances, &negative)
	assert.True(t, engine.IsInvalidRequest(err))

	err = store.SetQuotaLimit(ctx, "nonsense", engine.DimensionInstances, &limit)
	assert.True(t, engine.IsInvalidRequest(err))
}

func TestSQLiteLeaser(t *testing.T) {
	store := setupTestStore(t)
	leaser := NewSQLiteLeaser(store)
	ctx := context.Background()

	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	ok, err := leaser.Acquire(ctx, "resource/res-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = leaser.Acquire(ctx, "resource/res-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = leaser.Renew(ctx, "resource/res-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = leaser.Renew(ctx, "resource/res-1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry another owner may take it.
	now = now.Add(2 * time.Minute)
	ok, err = leaser.Acquire(ctx, "resource/res-1", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, leaser.Release(ctx, "resource/res-1", "a"))
	ok, err = leaser.Acquire(ctx, "resource/res-1", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is a no-op")

	require.NoError(t, leaser.Release(ctx, "resource/res-1", "b"))
	ok, err = leaser.Acquire(ctx, "resource/res-1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
