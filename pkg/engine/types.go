package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Attributes are the user-supplied, resource-type specific parameters of an order.
type Attributes map[string]interface{}

// String returns the attribute as a string, or "" when absent or not a string.
func (a Attributes) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the attribute as a float64. JSON and YAML decoding produce
// several numeric types; all of them are accepted.
func (a Attributes) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Dimension names a metered or reserved quantity.
type Dimension string

// Well-known dimensions shared by the bundled adapters.
const (
	DimensionInstances  Dimension = "instances"
	DimensionCores      Dimension = "cores"
	DimensionRAMGB      Dimension = "ram_gb"
	DimensionStorageGB  Dimension = "storage_gb"
	DimensionCPUHours   Dimension = "cpu_hours"
	DimensionGPUHours   Dimension = "gpu_hours"
	DimensionRAMGBHours Dimension = "ram_gb_hours"
	DimensionPods       Dimension = "pods"
)

// Allocation is the quantity a resource reserves per dimension while active.
type Allocation map[Dimension]float64

// Dimensions returns the allocation's dimensions in a stable order.
func (a Allocation) Dimensions() []Dimension {
	dims := make([]Dimension, 0, len(a))
	for d := range a {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

// Sub returns a - b for every dimension present in either side.
func (a Allocation) Sub(b Allocation) Allocation {
	out := make(Allocation, len(a))
	for d, q := range a {
		out[d] = q
	}
	for d, q := range b {
		out[d] -= q
	}
	return out
}

// Positive drops dimensions that do not increase.
func (a Allocation) Positive() Allocation {
	out := make(Allocation)
	for d, q := range a {
		if q > 0 {
			out[d] = q
		}
	}
	return out
}

// Order is a user request to create, change, or terminate a resource.
type Order struct {
	// ID is the unique identifier for this order.
	ID string `json:"id"`

	// Type is what the order asks for.
	Type OrderType `json:"type"`

	// ResourceType is the marketplace offering, e.g. "vm" or "hpc-allocation".
	ResourceType string `json:"resource_type"`

	// ResourceID is the resource the order creates or acts on.
	ResourceID string `json:"resource_id"`

	// AccountID owns the order and is charged for the resource.
	AccountID string `json:"account_id"`

	// ProjectID optionally narrows the quota scope below the account.
	ProjectID string `json:"project_id,omitempty"`

	// Attributes are the requested parameters.
	Attributes Attributes `json:"attributes,omitempty"`

	// Status is where the order is in its lifecycle.
	Status OrderStatus `json:"status"`

	// ErrorMessage carries the backend-traceable cause when the order erred.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedBy identifies the requester.
	CreatedBy string `json:"created_by,omitempty"`

	// ReviewedBy identifies who approved or rejected the order.
	ReviewedBy string `json:"reviewed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Resource is the concrete backend object an order produced.
type Resource struct {
	// ID is the unique identifier for this resource.
	ID string `json:"id"`

	// OrderID is the create order that produced this resource.
	OrderID string `json:"order_id"`

	AccountID string `json:"account_id"`
	ProjectID string `json:"project_id,omitempty"`

	// ResourceType is the marketplace offering.
	ResourceType string `json:"resource_type"`

	// BackendType is the adapter key, resolved once at submission.
	BackendType string `json:"backend_type"`

	// BackendID is the backend's identifier; empty until a create succeeds and never reassigned.
	BackendID string `json:"backend_id,omitempty"`

	// Name is the human-readable name used on the backend.
	Name string `json:"name"`

	// State is the current lifecycle state.
	State ResourceState `json:"state"`

	// Attempt counts provisioning attempts; it feeds the attempt tag.
	Attempt int `json:"attempt"`

	// Attributes are the desired parameters.
	Attributes Attributes `json:"attributes,omitempty"`

	// Allocation is what the resource reserves against quota while active.
	Allocation Allocation `json:"allocation,omitempty"`

	// Snapshot is the last state observed on the backend.
	Snapshot *BackendState `json:"snapshot,omitempty"`

	// LastReconciledAt is when the Reconciler last compared this resource with its backend.
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`

	// Suspended marks a resource stopped by the breach policy or an operator.
	Suspended bool `json:"suspended"`

	// NeverProvisioned marks a resource terminated before any backend commitment.
	NeverProvisioned bool `json:"never_provisioned"`

	// ErrorMessage and ErrorClass describe the last failure.
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorClass   ErrorClass `json:"error_class,omitempty"`

	// EndDate terminates the resource automatically once passed.
	EndDate *time.Time `json:"end_date,omitempty"`

	// PendingOrderID is the update or terminate order currently driving the resource.
	PendingOrderID string `json:"pending_order_id,omitempty"`

	// Redrives counts Reconciler re-attempts of the current in-flight entry.
	Redrives int `json:"redrives"`

	// Deleted is the soft-delete flag set once the resource is terminated.
	Deleted bool `json:"deleted"`

	StateChangedAt time.Time `json:"state_changed_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Handle returns the backend handle for the current attempt.
func (r *Resource) Handle() BackendHandle {
	return BackendHandle{
		ResourceID: r.ID,
		BackendID:  r.BackendID,
		Tag:        NewAttemptTag(r.ID, r.Attempt),
	}
}

// Scopes returns the quota scopes this resource is charged against.
func (r *Resource) Scopes() []string {
	return ScopesFor(r.AccountID, r.ProjectID)
}

// ScopesFor returns the account scope and, when set, the project scope.
func ScopesFor(accountID, projectID string) []string {
	scopes := []string{"account:" + accountID}
	if projectID != "" {
		scopes = append(scopes, "project:"+accountID+"/"+projectID)
	}
	return scopes
}

// AttemptTag identifies one provisioning attempt. Adapters use it to recognise
// a backend object created by an earlier call whose response was lost.
type AttemptTag string

// NewAttemptTag builds the tag for attempt n of a resource.
func NewAttemptTag(resourceID string, attempt int) AttemptTag {
	return AttemptTag(fmt.Sprintf("%s#%d", resourceID, attempt))
}

// Parse splits the tag back into resource ID and attempt.
func (t AttemptTag) Parse() (string, int, error) {
	i := strings.LastIndexByte(string(t), '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed attempt tag: %q", string(t))
	}
	n, err := strconv.Atoi(string(t)[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed attempt tag: %q", string(t))
	}
	return string(t)[:i], n, nil
}

// BackendHandle locates a backend object. BackendID may be empty when the
// create call's response was lost; adapters then look the object up by tag.
type BackendHandle struct {
	ResourceID string     `json:"resource_id"`
	BackendID  string     `json:"backend_id,omitempty"`
	Tag        AttemptTag `json:"tag"`
}

// BackendState is the adapter-neutral description of a backend object.
type BackendState struct {
	// BackendID is the backend identifier as reported by describe.
	BackendID string `json:"backend_id"`

	// Phase is the normalised lifecycle phase.
	Phase BackendPhase `json:"phase"`

	// Status is the raw backend status string.
	Status string `json:"status,omitempty"`

	// Message carries backend detail, e.g. why the object failed.
	Message string `json:"message,omitempty"`

	// Properties are backend-specific facts (addresses, server type, limits).
	Properties map[string]string `json:"properties,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// ResourceSpec is what an adapter needs to create or update a backend object.
type ResourceSpec struct {
	ResourceID   string     `json:"resource_id"`
	Tag          AttemptTag `json:"tag"`
	Name         string     `json:"name"`
	ResourceType string     `json:"resource_type"`
	AccountID    string     `json:"account_id"`
	ProjectID    string     `json:"project_id,omitempty"`
	Attributes   Attributes `json:"attributes"`
	Suspended    bool       `json:"suspended"`
}

// SpecFor builds the adapter spec for the resource's current attempt.
func SpecFor(r *Resource) ResourceSpec {
	return ResourceSpec{
		ResourceID:   r.ID,
		Tag:          NewAttemptTag(r.ID, r.Attempt),
		Name:         r.Name,
		ResourceType: r.ResourceType,
		AccountID:    r.AccountID,
		ProjectID:    r.ProjectID,
		Attributes:   r.Attributes,
		Suspended:    r.Suspended,
	}
}

// UsageSample is one metered observation reported by an adapter.
type UsageSample struct {
	// SampleID makes ingestion idempotent; repeated IDs are ignored.
	SampleID string `json:"sample_id"`

	Dimension Dimension `json:"dimension"`
	Quantity  float64   `json:"quantity"`

	// Cumulative samples carry a period-to-date total rather than a delta.
	Cumulative bool `json:"cumulative"`

	// Period is the billing period (YYYY-MM); derived from SampledAt when empty.
	Period string `json:"period,omitempty"`

	SampledAt time.Time `json:"sampled_at"`
}

// UsageRecord is an append-only ledger line.
type UsageRecord struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	AccountID  string    `json:"account_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Dimension  Dimension `json:"dimension"`
	Period     string    `json:"period"`
	Quantity   float64   `json:"quantity"`
	Kind       UsageKind `json:"kind"`

	// ReversesID points at the reservation a reversal cancels.
	ReversesID string `json:"reverses_id,omitempty"`

	// SampleKey is the idempotency key; unique across the ledger.
	SampleKey string `json:"sample_key"`

	// Cumulative marks a delta derived from a period-to-date total.
	Cumulative bool `json:"cumulative,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// Scopes returns the quota scopes the record is attributed to.
func (u *UsageRecord) Scopes() []string {
	return ScopesFor(u.AccountID, u.ProjectID)
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Quota is the limit and running usage of one dimension in one scope.
type Quota struct {
	Scope     string    `json:"scope"`
	Dimension Dimension `json:"dimension"`

	// Limit is nil when the dimension is unlimited.
	Limit *float64 `json:"limit,omitempty"`

	Usage     float64   `json:"usage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exceeded reports whether usage is above the limit.
func (q *Quota) Exceeded() bool {
	return q.Limit != nil && q.Usage > *q.Limit
}

// Allows reports whether adding delta stays within the limit.
func (q *Quota) Allows(delta float64) bool {
	return q.Limit == nil || q.Usage+delta <= *q.Limit
}

// TransitionEntry is one line of a resource's write-ahead transition log.
type TransitionEntry struct {
	ResourceID string        `json:"resource_id"`
	Seq        int64         `json:"seq"`
	From       ResourceState `json:"from"`
	To         ResourceState `json:"to"`
	Operation  Operation     `json:"operation"`
	Attempt    int           `json:"attempt"`
	Tag        AttemptTag    `json:"tag"`
	Actor      string        `json:"actor"`
	Outcome    Outcome       `json:"outcome"`
	Message    string        `json:"message,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	AccountID  string
	ResourceID string
	Statuses   []OrderStatus
	Limit      int
}

// ResourceFilter narrows ListResources.
type ResourceFilter struct {
	AccountID   string
	ProjectID   string
	BackendType string
	States      []ResourceState

	// Scope matches resources charged to the given quota scope.
	Scope string

	// EndBefore matches resources whose end date is before the time.
	EndBefore *time.Time

	IncludeDeleted bool
	Limit          int
}

// UsageFilter narrows ListUsageRecords.
type UsageFilter struct {
	ResourceID string
	Scope      string
	Period     string

	// Through keeps records of this period and every earlier one.
	Through string

	Kinds []UsageKind
	Limit int
}
