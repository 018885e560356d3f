package engine

import (
	"context"
	"time"
)

// Adapter is the uniform capability set every backend exposes to the engine.
type Adapter interface {
	// Type returns the backend key this adapter is registered under.
	Type() string

	// Create provisions a backend object for spec. Adapters without native
	// idempotency must look the object up by spec.Tag first and adopt it.
	// A returned handle always carries the backend ID.
	Create(ctx context.Context, spec ResourceSpec) (*BackendHandle, *BackendState, error)

	// Describe returns the current backend state. Absent objects yield an
	// error satisfying IsNotFound; unreachable backends yield a transient error.
	Describe(ctx context.Context, handle BackendHandle) (*BackendState, error)

	// Update converges the backend object to spec, including suspension.
	Update(ctx context.Context, handle BackendHandle, spec ResourceSpec) (*BackendState, error)

	// Destroy deletes the backend object. Destroying an absent object succeeds.
	Destroy(ctx context.Context, handle BackendHandle) error

	// PollUsage returns consumption observed since the last poll.
	PollUsage(ctx context.Context, handle BackendHandle) ([]UsageSample, error)

	// Allocation computes the quota reservation for the given attributes.
	Allocation(attrs Attributes) (Allocation, error)

	// Health checks that the backend is reachable.
	Health(ctx context.Context) error
}

// AdapterResolver looks up adapters by backend key.
type AdapterResolver interface {
	Get(backendType string) (Adapter, error)
}

// Leaser grants single-writer leases on resources.
type Leaser interface {
	// Acquire takes the lease if it is free or expired. It returns false
	// without error when another holder owns it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Renew extends a lease still held by owner.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release frees a lease held by owner.
	Release(ctx context.Context, key, owner string) error
}

// OrderChange updates an order in the same transaction as a transition.
type OrderChange struct {
	OrderID string
	Status  OrderStatus
	Message string

	// Reviewer is recorded as reviewed_by when set.
	Reviewer string
}

// TransitionWrite is everything a transition persists atomically: the log
// entry, the resource state change, optional resource field changes, quota
// movements, and order status.
type TransitionWrite struct {
	// Entry is appended to the log. Seq and CreatedAt are assigned by the store.
	Entry *TransitionEntry

	// ExpectSeq, when non-zero, must equal the resource's last log sequence.
	ExpectSeq int64

	Attempt           *int
	ErrorMessage      *string
	ErrorClass        *ErrorClass
	Suspended         *bool
	Attributes        Attributes
	Allocation        Allocation
	NeverProvisioned  bool
	ClearPendingOrder bool

	// Reserve inserts reservation records for the resource's allocation. The
	// whole write is rejected with a quota error if the allocation grows past
	// what is outstanding and any scope would overflow.
	Reserve bool

	// CheckAllocation applies the same quota check to the written Allocation
	// without reserving anything yet.
	CheckAllocation bool

	// Release reverses every outstanding reservation of the resource.
	Release bool

	// Orders are status changes applied alongside. Terminal orders are left untouched.
	Orders []OrderChange
}

// TransitionResult reports what a committed transition wrote.
type TransitionResult struct {
	Entry   *TransitionEntry
	Records []*UsageRecord
}

// Store persists orders, resources, the transition log, and the ledger.
type Store interface {
	// Orders
	CreateOrder(ctx context.Context, order *Order, resource *Resource, actor string) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from []OrderStatus, to OrderStatus, message, reviewer string) error
	SetPendingOrder(ctx context.Context, resourceID, orderID string) error

	// Resources
	GetResource(ctx context.Context, id string) (*Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]*Resource, error)
	BindBackendID(ctx context.Context, resourceID, backendID string) error
	RecordObservation(ctx context.Context, resourceID string, state *BackendState, at time.Time) error
	IncrementRedrives(ctx context.Context, resourceID string) (int, error)

	// Transition log
	AppendTransition(ctx context.Context, w TransitionWrite) (*TransitionResult, error)
	ResolveTransition(ctx context.Context, resourceID string, seq int64, outcome Outcome, message string) error
	ListTransitions(ctx context.Context, resourceID string) ([]*TransitionEntry, error)
	LastTransition(ctx context.Context, resourceID string) (*TransitionEntry, error)
	ListInFlight(ctx context.Context, olderThan time.Time) ([]*TransitionEntry, error)

	// Ledger
	ApplyUsage(ctx context.Context, records []*UsageRecord) ([]*UsageRecord, []*Quota, error)
	ListUsageRecords(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error)
	GetQuota(ctx context.Context, scope string, dim Dimension) (*Quota, error)
	ListQuotas(ctx context.Context, scope string) ([]*Quota, error)
	SetQuotaLimit(ctx context.Context, scope string, dim Dimension, limit *float64) error

	HealthCheck(ctx context.Context) error
}

// UsagePublisher receives every usage record the engine or ledger commits.
type UsagePublisher interface {
	PublishUsage(records []*UsageRecord)
}
