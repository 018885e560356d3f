package engine

import (
	"encoding/json"
	"fmt"
)

// OrderType identifies what an order asks the engine to do.
type OrderType string

const (
	// OrderTypeCreate provisions a new resource.
	OrderTypeCreate OrderType = "create"

	// OrderTypeUpdate changes the attributes of an active resource.
	OrderTypeUpdate OrderType = "update"

	// OrderTypeTerminate tears down an existing resource.
	OrderTypeTerminate OrderType = "terminate"
)

// Validate checks if the order type is valid.
func (t OrderType) Validate() error {
	switch t {
	case OrderTypeCreate, OrderTypeUpdate, OrderTypeTerminate:
		return nil
	default:
		return fmt.Errorf("invalid order type: %s", t)
	}
}

// OrderStatus represents where an order is in its lifecycle.
type OrderStatus string

const (
	// OrderStatusPendingApproval indicates the order was admitted and awaits approval or pickup.
	OrderStatusPendingApproval OrderStatus = "pending-approval"

	// OrderStatusExecuting indicates the engine is driving the resource.
	OrderStatusExecuting OrderStatus = "executing"

	// OrderStatusDone indicates the requested change is in effect.
	OrderStatusDone OrderStatus = "done"

	// OrderStatusErred indicates the order failed; the message carries the cause.
	OrderStatusErred OrderStatus = "erred"

	// OrderStatusCanceled indicates the order was withdrawn by its owner.
	OrderStatusCanceled OrderStatus = "canceled"

	// OrderStatusRejected indicates a reviewer declined the order.
	OrderStatusRejected OrderStatus = "rejected"
)

// IsTerminal returns true if the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDone || s == OrderStatusErred ||
		s == OrderStatusCanceled || s == OrderStatusRejected
}

// Validate checks if the order status is valid.
func (s OrderStatus) Validate() error {
	switch s {
	case OrderStatusPendingApproval, OrderStatusExecuting, OrderStatusDone,
		OrderStatusErred, OrderStatusCanceled, OrderStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid order status: %s", s)
	}
}

// ResourceState is a node of the resource lifecycle.
type ResourceState string

const (
	// StateNone is the implicit origin of the genesis transition.
	StateNone ResourceState = ""

	// StateCreating indicates the order was admitted; no backend call has been made.
	StateCreating ResourceState = "creating"

	// StateProvisioning indicates the backend create call is in flight or awaited.
	StateProvisioning ResourceState = "provisioning"

	// StateActive indicates the resource is usable and its allocation is reserved.
	StateActive ResourceState = "active"

	// StateUpdating indicates a backend update call is in flight or awaited.
	StateUpdating ResourceState = "updating"

	// StateTerminating indicates the backend destroy call is in flight or awaited.
	StateTerminating ResourceState = "terminating"

	// StateTerminated indicates the resource is gone and its reservation released.
	StateTerminated ResourceState = "terminated"

	// StateErred indicates a failure that may still be retried or cleaned up.
	StateErred ResourceState = "erred"

	// StateErredTerminal indicates a failure with no further transitions.
	StateErredTerminal ResourceState = "erred-terminal"
)

// IsTerminal returns true for states with no outgoing edges.
func (s ResourceState) IsTerminal() bool {
	return s == StateTerminated || s == StateErredTerminal
}

// IsTransitional returns true for states that wait on a backend operation.
func (s ResourceState) IsTransitional() bool {
	return s == StateProvisioning || s == StateUpdating || s == StateTerminating
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	switch s {
	case StateCreating, StateProvisioning, StateActive, StateUpdating,
		StateTerminating, StateTerminated, StateErred, StateErredTerminal:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %q", string(s))
	}
}

func displayState(s ResourceState) string {
	if s == StateNone {
		return "(genesis)"
	}
	return string(s)
}

// Operation is the backend side effect attached to a transition.
type Operation string

const (
	// OperationNone marks a pure bookkeeping transition.
	OperationNone Operation = "none"

	// OperationCreate calls Adapter.Create.
	OperationCreate Operation = "create"

	// OperationUpdate calls Adapter.Update.
	OperationUpdate Operation = "update"

	// OperationDestroy calls Adapter.Destroy.
	OperationDestroy Operation = "destroy"
)

// Outcome is the resolution of a transition log entry.
type Outcome string

const (
	// OutcomePending means the intent is durable but the side effect is unconfirmed.
	OutcomePending Outcome = "pending"

	// OutcomeSubmitted means the backend accepted the operation and completion is awaited.
	OutcomeSubmitted Outcome = "submitted"

	// OutcomeUnknown means the call deadline expired before the backend answered.
	OutcomeUnknown Outcome = "unknown"

	// OutcomeSucceeded means the transition and its side effect completed.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the side effect failed; the message carries the cause.
	OutcomeFailed Outcome = "failed"
)

// IsFinal returns true once an outcome can no longer change.
func (o Outcome) IsFinal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// IsInFlight returns true for outcomes the Reconciler must eventually resolve.
func (o Outcome) IsInFlight() bool {
	return o == OutcomePending || o == OutcomeSubmitted || o == OutcomeUnknown
}

// CanResolveTo reports whether an entry with outcome o may move to next.
func (o Outcome) CanResolveTo(next Outcome) bool {
	switch o {
	case OutcomePending:
		return next != OutcomePending
	case OutcomeUnknown:
		return next == OutcomeSubmitted || next.IsFinal()
	case OutcomeSubmitted:
		return next.IsFinal()
	default:
		return false
	}
}

// PriorOutcomes lists the outcomes an entry may hold before resolving to o.
func (o Outcome) PriorOutcomes() []Outcome {
	var prior []Outcome
	for _, p := range []Outcome{OutcomePending, OutcomeUnknown, OutcomeSubmitted} {
		if p.CanResolveTo(o) {
			prior = append(prior, p)
		}
	}
	return prior
}

// BackendPhase is the adapter-neutral view of a backend object.
type BackendPhase string

const (
	// PhasePending means the backend is still working on the object.
	PhasePending BackendPhase = "pending"

	// PhaseReady means the object is usable.
	PhaseReady BackendPhase = "ready"

	// PhaseSuspended means the object exists but is administratively stopped.
	PhaseSuspended BackendPhase = "suspended"

	// PhaseTerminating means the backend is deleting the object.
	PhaseTerminating BackendPhase = "terminating"

	// PhaseFailed means the backend gave up on the object.
	PhaseFailed BackendPhase = "failed"
)

// DriftSeverity grades a divergence between records and backend reality.
type DriftSeverity string

const (
	// DriftLow covers timing lag that is corrected automatically.
	DriftLow DriftSeverity = "low"

	// DriftHigh covers divergence that moves the resource to erred and alerts an operator.
	DriftHigh DriftSeverity = "high"
)

// UsageKind classifies usage records.
type UsageKind string

const (
	// UsageKindSample is metered consumption reported by a backend.
	UsageKindSample UsageKind = "sample"

	// UsageKindReservation is an allocation reserved at activation.
	UsageKindReservation UsageKind = "reservation"

	// UsageKindReversal cancels a reservation on termination or resize.
	UsageKindReversal UsageKind = "reversal"
)

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := OrderStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
// The empty string is accepted because it is the origin of the genesis entry.
func (s *ResourceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := ResourceState(str)
	if state != StateNone {
		if err := state.Validate(); err != nil {
			return err
		}
	}
	*s = state
	return nil
}
