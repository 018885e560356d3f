package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/telemetry"
)

// Tunables are the reloadable knobs of the State Machine Engine.
type Tunables struct {
	// RetryBudget is the maximum number of provisioning attempts per resource.
	RetryBudget int

	// CallRetries is how often a backend call that failed without effect is retried in-process.
	CallRetries int

	// CallTimeout bounds every backend call. Expiry makes the outcome unknown.
	CallTimeout time.Duration

	// LeaseTTL is how long a resource lease lives without renewal.
	LeaseTTL time.Duration

	// LeaseWait is how long to wait for a held lease before giving up.
	LeaseWait time.Duration
}

// DefaultTunables returns the engine defaults.
func DefaultTunables() Tunables {
	return Tunables{
		RetryBudget: 3,
		CallRetries: 3,
		CallTimeout: time.Minute,
		LeaseTTL:    2 * time.Minute,
		LeaseWait:   5 * time.Second,
	}
}

func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.RetryBudget <= 0 {
		t.RetryBudget = d.RetryBudget
	}
	if t.CallRetries < 0 {
		t.CallRetries = 0
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = d.CallTimeout
	}
	if t.LeaseTTL <= 0 {
		t.LeaseTTL = d.LeaseTTL
	}
	if t.LeaseWait < 0 {
		t.LeaseWait = 0
	}
	return t
}

// UpdateIntent describes a change to an active resource.
type UpdateIntent struct {
	// Attributes replaces the desired attributes when non-nil.
	Attributes Attributes

	// Allocation replaces the reserved allocation when non-nil.
	Allocation Allocation

	// Suspended changes the suspension flag when non-nil.
	Suspended *bool

	// OrderID is the update order driving the change, if any.
	OrderID string

	Actor string
}

// StateMachine drives resources through the lifecycle table. Every
// transition runs under the resource's lease, is persisted before its
// backend side effect, and is resolved once the outcome is known.
type StateMachine struct {
	store    Store
	adapters AdapterResolver
	leaser   Leaser
	usage    UsagePublisher
	logger   zerolog.Logger
	backoff  Backoff
	owner    string
	now      func() time.Time
	tunables atomic.Pointer[Tunables]
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *StateMachine) { m.logger = logger }
}

// WithUsagePublisher forwards committed reservations and reversals.
func WithUsagePublisher(p UsagePublisher) Option {
	return func(m *StateMachine) { m.usage = p }
}

// WithBackoff overrides the in-process retry backoff.
func WithBackoff(b Backoff) Option {
	return func(m *StateMachine) { m.backoff = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *StateMachine) { m.now = now }
}

// WithOwner sets the lease owner prefix; defaults to the hostname.
func WithOwner(owner string) Option {
	return func(m *StateMachine) { m.owner = owner }
}

// NewStateMachine creates a State Machine Engine.
func NewStateMachine(store Store, adapters AdapterResolver, leaser Leaser, t Tunables, opts ...Option) *StateMachine {
	host, _ := os.Hostname()
	m := &StateMachine{
		store:    store,
		adapters: adapters,
		leaser:   leaser,
		logger:   zerolog.Nop(),
		backoff:  DefaultBackoff,
		owner:    host,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "state_machine").Logger()
	m.Reload(t)
	return m
}

// Reload swaps the tunables. In-flight transitions keep the values they started with.
func (m *StateMachine) Reload(t Tunables) {
	t = t.withDefaults()
	m.tunables.Store(&t)
}

// Tunables returns the current tunables.
func (m *StateMachine) Tunables() Tunables {
	return *m.tunables.Load()
}

// Provision moves a resource from creating to provisioning and calls the backend.
func (m *StateMachine) Provision(ctx context.Context, resourceID, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateCreating)
		if err != nil {
			return err
		}

		order, err := m.store.GetOrder(ctx, res.OrderID)
		if err != nil {
			return err
		}
		if order.Status != OrderStatusExecuting {
			return NewConflictError(fmt.Sprintf("order %s is %s, not executing", order.ID, order.Status), nil).
				WithResource(res.ID)
		}

		adapter, err := m.adapters.Get(res.BackendType)
		if err != nil {
			return m.failLocked(ctx, res, NewPermanentError("no adapter for backend", err), actor)
		}

		attempt := res.Attempt + 1
		res.Attempt = attempt
		entry := m.newEntry(res, StateProvisioning, OperationCreate, actor)
		written, err := m.write(ctx, TransitionWrite{Entry: entry, Attempt: &attempt})
		if err != nil {
			return err
		}
		res.State = StateProvisioning

		return m.runCreate(ctx, adapter, res, written.Entry, actor)
	})
}

// Retry re-provisions an erred resource with a fresh attempt tag, or finalises
// it as erred-terminal once the retry budget is spent.
func (m *StateMachine) Retry(ctx context.Context, resourceID, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateErred)
		if err != nil {
			return err
		}
		if res.BackendID != "" {
			return NewPermanentError(
				fmt.Sprintf("resource is bound to backend object %s; terminate it instead of retrying", res.BackendID), nil).
				WithCode(ErrCodeInvalidRequest).WithResource(res.ID)
		}

		adapter, err := m.adapters.Get(res.BackendType)
		if err != nil {
			return err
		}
		if err := m.releaseStrays(ctx, adapter, res); err != nil {
			return err
		}

		budget := m.Tunables().RetryBudget
		if res.Attempt >= budget {
			msg := fmt.Sprintf("retry budget of %d attempts exhausted: %s", budget, res.ErrorMessage)
			if err := m.finalizeLocked(ctx, res, msg, actor); err != nil {
				return err
			}
			return NewPermanentError(msg, nil).WithCode(ErrCodeRetryExhausted).WithResource(res.ID)
		}

		attempt := res.Attempt + 1
		res.Attempt = attempt
		cleared := ""
		entry := m.newEntry(res, StateProvisioning, OperationCreate, actor)
		written, err := m.write(ctx, TransitionWrite{
			Entry:        entry,
			Attempt:      &attempt,
			ErrorMessage: &cleared,
			Orders:       []OrderChange{{OrderID: res.OrderID, Status: OrderStatusExecuting}},
		})
		if err != nil {
			return err
		}
		res.State = StateProvisioning

		return m.runCreate(ctx, adapter, res, written.Entry, actor)
	})
}

// Activate completes provisioning after the backend reported the object ready.
func (m *StateMachine) Activate(ctx context.Context, resourceID string, observed *BackendState, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateProvisioning)
		if err != nil {
			return err
		}
		if observed != nil && res.BackendID == "" && observed.BackendID != "" {
			if err := m.store.BindBackendID(ctx, res.ID, observed.BackendID); err != nil {
				return err
			}
			res.BackendID = observed.BackendID
		}
		if err := m.resolveLast(ctx, res.ID, OutcomeSucceeded, "backend reported ready"); err != nil {
			return err
		}
		return m.activateLocked(ctx, res, observed, actor)
	})
}

// Update moves an active resource to updating and converges the backend.
func (m *StateMachine) Update(ctx context.Context, resourceID string, intent UpdateIntent) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateActive)
		if err != nil {
			return err
		}
		adapter, err := m.adapters.Get(res.BackendType)
		if err != nil {
			return err
		}

		w := TransitionWrite{
			Attributes:      intent.Attributes,
			Allocation:      intent.Allocation,
			Suspended:       intent.Suspended,
			CheckAllocation: intent.Allocation != nil,
		}
		if intent.Attributes != nil {
			res.Attributes = intent.Attributes
		}
		if intent.Allocation != nil {
			res.Allocation = intent.Allocation
		}
		if intent.Suspended != nil {
			res.Suspended = *intent.Suspended
		}
		if intent.OrderID != "" {
			w.Orders = []OrderChange{{OrderID: intent.OrderID, Status: OrderStatusExecuting}}
			res.PendingOrderID = intent.OrderID
		}

		w.Entry = m.newEntry(res, StateUpdating, OperationUpdate, intent.Actor)
		written, err := m.write(ctx, w)
		if IsQuotaExceeded(err) {
			m.denyUpdate(ctx, res, intent.OrderID, err)
			return err
		}
		if err != nil {
			return err
		}
		res.State = StateUpdating

		return m.runUpdate(ctx, adapter, res, written.Entry, intent.Actor)
	})
}

// Suspend stops an active resource through the update path.
func (m *StateMachine) Suspend(ctx context.Context, resourceID, actor string) error {
	suspended := true
	return m.Update(ctx, resourceID, UpdateIntent{Suspended: &suspended, Actor: actor})
}

// Resume restarts a suspended resource through the update path.
func (m *StateMachine) Resume(ctx context.Context, resourceID, actor string) error {
	suspended := false
	return m.Update(ctx, resourceID, UpdateIntent{Suspended: &suspended, Actor: actor})
}

// CompleteUpdate finishes an update the backend has converged on.
func (m *StateMachine) CompleteUpdate(ctx context.Context, resourceID string, observed *BackendState, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateUpdating)
		if err != nil {
			return err
		}
		if err := m.resolveLast(ctx, res.ID, OutcomeSucceeded, "backend converged"); err != nil {
			return err
		}
		return m.completeUpdateLocked(ctx, res, observed, actor)
	})
}

// Terminate tears a resource down. Already terminating resources are left to
// their in-flight destroy.
func (m *StateMachine) Terminate(ctx context.Context, resourceID, orderID, actor string) error {
	return m.terminate(ctx, resourceID, orderID, nil, actor)
}

// CancelCommitted withdraws the create order of a resource that already has a
// backend commitment. The order is closed as canceled in the same write that
// starts the teardown.
func (m *StateMachine) CancelCommitted(ctx context.Context, resourceID, reason, actor string) error {
	res, err := m.store.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	cancel := &OrderChange{OrderID: res.OrderID, Status: OrderStatusCanceled, Message: reason}
	return m.terminate(ctx, resourceID, "", cancel, actor)
}

func (m *StateMachine) terminate(ctx context.Context, resourceID, orderID string, cancel *OrderChange, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.store.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		switch res.State {
		case StateTerminating:
			if cancel != nil {
				return m.store.UpdateOrderStatus(ctx, cancel.OrderID, nil, cancel.Status, cancel.Message, actor)
			}
			return nil
		case StateTerminated:
			return nil
		case StateCreating:
			return NewConflictError("resource has no backend commitment; cancel the order instead", nil).
				WithCode(ErrCodeInvalidTransition).WithResource(res.ID)
		}
		if err := ValidateTransition(res.ID, res.State, StateTerminating); err != nil {
			return err
		}

		adapter, err := m.adapters.Get(res.BackendType)
		if err != nil {
			return err
		}

		w := TransitionWrite{Entry: m.newEntry(res, StateTerminating, OperationDestroy, actor)}
		if orderID != "" {
			w.Orders = []OrderChange{{OrderID: orderID, Status: OrderStatusExecuting}}
			res.PendingOrderID = orderID
		}
		if cancel != nil {
			w.Orders = append(w.Orders, *cancel)
			w.Entry.Message = cancel.Message
		}
		written, err := m.write(ctx, w)
		if err != nil {
			return err
		}
		res.State = StateTerminating

		return m.runDestroy(ctx, adapter, res, written.Entry, actor)
	})
}

// CompleteTermination records that the backend object is gone.
func (m *StateMachine) CompleteTermination(ctx context.Context, resourceID, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateTerminating)
		if err != nil {
			return err
		}
		if err := m.resolveLast(ctx, res.ID, OutcomeSucceeded, "backend object absent"); err != nil {
			return err
		}
		return m.completeTerminationLocked(ctx, res, actor)
	})
}

// CancelUncommitted terminates a resource that never reached a backend and
// closes its order with the given status (canceled or rejected).
func (m *StateMachine) CancelUncommitted(ctx context.Context, resourceID string, status OrderStatus, reason, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateCreating)
		if err != nil {
			return err
		}
		entry := m.newEntry(res, StateTerminated, OperationNone, actor)
		entry.Message = reason
		change := OrderChange{OrderID: res.OrderID, Status: status, Message: reason}
		if status == OrderStatusRejected {
			change.Reviewer = actor
		}
		_, err = m.write(ctx, TransitionWrite{
			Entry:            entry,
			NeverProvisioned: true,
			Orders:           []OrderChange{change},
		})
		return err
	})
}

// Fail moves a resource to erred with cause. Permanent failures of resources
// that never obtained a backend object are finalised as erred-terminal.
func (m *StateMachine) Fail(ctx context.Context, resourceID string, cause error, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.store.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		if res.State == StateErred || res.State.IsTerminal() {
			return nil
		}
		if res.State.IsTransitional() {
			msg := failureMessage(cause)
			if err := m.resolveLast(ctx, res.ID, OutcomeFailed, msg); err != nil {
				return err
			}
		}
		return m.failLocked(ctx, res, cause, actor)
	})
}

// Abandon gives up on an erred resource. Its order is closed as erred.
func (m *StateMachine) Abandon(ctx context.Context, resourceID, reason, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateErred)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = res.ErrorMessage
		}
		return m.finalizeLocked(ctx, res, reason, actor)
	})
}

// Finalize gives up on an erred resource whose retries are spent. Unlike
// Abandon it first destroys whatever earlier attempts of an unbound resource
// left on the backend.
func (m *StateMachine) Finalize(ctx context.Context, resourceID, reason, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.expect(ctx, resourceID, StateErred)
		if err != nil {
			return err
		}
		adapter, err := m.adapters.Get(res.BackendType)
		if err != nil {
			return err
		}
		if err := m.releaseStrays(ctx, adapter, res); err != nil {
			return err
		}
		if reason == "" {
			reason = res.ErrorMessage
		}
		return m.finalizeLocked(ctx, res, reason, actor)
	})
}

// Redrive re-attempts the backend call of an in-flight entry with the same
// attempt tag. Only the Reconciler calls it, once the entry is stale and its
// lease has expired. expectSeq guards against acting on an outdated read.
func (m *StateMachine) Redrive(ctx context.Context, resourceID string, expectSeq int64, actor string) error {
	return m.withLease(ctx, resourceID, func(ctx context.Context) error {
		res, err := m.store.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		last, err := m.store.LastTransition(ctx, resourceID)
		if err != nil {
			return err
		}
		if last.Seq != expectSeq || !last.Outcome.IsInFlight() || last.To != res.State {
			return (&EngineError{
				Class:   ErrorClassConflict,
				Code:    ErrCodeStaleTransition,
				Message: fmt.Sprintf("entry %d is no longer the in-flight entry", expectSeq),
			}).WithResource(resourceID)
		}

		adapter, err := m.adapters.Get(res.BackendType)
		if err != nil {
			return err
		}
		if _, err := m.store.IncrementRedrives(ctx, res.ID); err != nil {
			return err
		}

		m.logger.Info().Str("resource_id", res.ID).Int64("seq", last.Seq).Str("tag", string(last.Tag)).
			Str("operation", string(last.Operation)).Msg("re-driving in-flight transition")

		switch last.Operation {
		case OperationCreate:
			return m.runCreate(ctx, adapter, res, last, actor)
		case OperationUpdate:
			return m.runUpdate(ctx, adapter, res, last, actor)
		case OperationDestroy:
			return m.runDestroy(ctx, adapter, res, last, actor)
		default:
			return m.resolve(ctx, last, OutcomeSucceeded, "")
		}
	})
}

// runCreate calls Create and resolves the entry. It returns nil when the
// outcome is unknown or awaited; the Reconciler picks those up.
func (m *StateMachine) runCreate(ctx context.Context, adapter Adapter, res *Resource, entry *TransitionEntry, actor string) error {
	spec := SpecFor(res)
	var handle *BackendHandle
	var observed *BackendState
	err := m.callBackend(ctx, res, OperationCreate, func(cctx context.Context) error {
		var err error
		handle, observed, err = adapter.Create(cctx, spec)
		return err
	})

	switch {
	case err == nil:
		if handle != nil && handle.BackendID != "" {
			if err := m.bind(ctx, res, handle.BackendID); err != nil {
				return err
			}
		}
		if observed != nil {
			if err := m.store.RecordObservation(ctx, res.ID, observed, m.now()); err != nil {
				return err
			}
		}
		if observed != nil && observed.Phase == PhaseReady {
			if err := m.resolve(ctx, entry, OutcomeSucceeded, ""); err != nil {
				return err
			}
			return m.activateLocked(ctx, res, observed, actor)
		}
		return m.resolve(ctx, entry, OutcomeSubmitted, "awaiting backend readiness")

	case IsUnknownOutcome(err):
		m.logger.Warn().Err(err).Str("resource_id", res.ID).Str("tag", string(entry.Tag)).
			Msg("create outcome unknown, deferring to reconciler")
		return m.resolve(ctx, entry, OutcomeUnknown, err.Error())

	default:
		if rerr := m.resolve(ctx, entry, OutcomeFailed, failureMessage(err)); rerr != nil {
			return rerr
		}
		return m.failLocked(ctx, res, err, actor)
	}
}

func (m *StateMachine) runUpdate(ctx context.Context, adapter Adapter, res *Resource, entry *TransitionEntry, actor string) error {
	spec := SpecFor(res)
	var observed *BackendState
	err := m.callBackend(ctx, res, OperationUpdate, func(cctx context.Context) error {
		var err error
		observed, err = adapter.Update(cctx, res.Handle(), spec)
		return err
	})

	switch {
	case err == nil:
		if observed != nil && observed.Phase != PhasePending {
			if err := m.resolve(ctx, entry, OutcomeSucceeded, ""); err != nil {
				return err
			}
			return m.completeUpdateLocked(ctx, res, observed, actor)
		}
		return m.resolve(ctx, entry, OutcomeSubmitted, "awaiting backend convergence")

	case IsUnknownOutcome(err):
		return m.resolve(ctx, entry, OutcomeUnknown, err.Error())

	default:
		if rerr := m.resolve(ctx, entry, OutcomeFailed, failureMessage(err)); rerr != nil {
			return rerr
		}
		return m.failLocked(ctx, res, err, actor)
	}
}

func (m *StateMachine) runDestroy(ctx context.Context, adapter Adapter, res *Resource, entry *TransitionEntry, actor string) error {
	handle := res.Handle()
	err := m.callBackend(ctx, res, OperationDestroy, func(cctx context.Context) error {
		return adapter.Destroy(cctx, handle)
	})

	switch {
	case err == nil:
		dctx, cancel := context.WithTimeout(ctx, m.Tunables().CallTimeout)
		_, derr := adapter.Describe(dctx, handle)
		cancel()
		if derr != nil && IsNotFound(derr) {
			if err := m.resolve(ctx, entry, OutcomeSucceeded, ""); err != nil {
				return err
			}
			return m.completeTerminationLocked(ctx, res, actor)
		}
		return m.resolve(ctx, entry, OutcomeSubmitted, "awaiting backend deletion")

	case IsUnknownOutcome(err):
		return m.resolve(ctx, entry, OutcomeUnknown, err.Error())

	default:
		if rerr := m.resolve(ctx, entry, OutcomeFailed, failureMessage(err)); rerr != nil {
			return rerr
		}
		return m.failLocked(ctx, res, err, actor)
	}
}

// releaseStrays destroys objects created under earlier attempt tags of a
// resource that never bound one, e.g. a create that timed out while the
// backend was still building. A fresh tag is only minted once every earlier
// tag resolves to nothing.
func (m *StateMachine) releaseStrays(ctx context.Context, adapter Adapter, res *Resource) error {
	if res.BackendID != "" {
		return nil
	}
	for attempt := 1; attempt <= res.Attempt; attempt++ {
		handle := BackendHandle{ResourceID: res.ID, Tag: NewAttemptTag(res.ID, attempt)}
		state, err := m.describe(ctx, adapter, res, handle)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}

		handle.BackendID = state.BackendID
		m.logger.Warn().Str("resource_id", res.ID).Str("backend_id", state.BackendID).Int("attempt", attempt).
			Str("phase", string(state.Phase)).Msg("destroying object left by an earlier attempt")
		if err := m.callBackend(ctx, res, OperationDestroy, func(cctx context.Context) error {
			return adapter.Destroy(cctx, handle)
		}); err != nil {
			return err
		}

		if _, err := m.describe(ctx, adapter, res, handle); !IsNotFound(err) {
			if err != nil {
				return err
			}
			return NewTransientError(
				fmt.Sprintf("object %s of attempt %d is still being deleted", state.BackendID, attempt), nil).
				WithResource(res.ID)
		}
	}
	return nil
}

func (m *StateMachine) describe(ctx context.Context, adapter Adapter, res *Resource, handle BackendHandle) (*BackendState, error) {
	var state *BackendState
	err := telemetry.RecordBackendCall(ctx, res.BackendType, "describe", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, m.Tunables().CallTimeout)
		defer cancel()
		var err error
		state, err = adapter.Describe(cctx, handle)
		return err
	})
	return state, err
}

// activateLocked reserves the allocation and moves provisioning -> active.
// When the reservation no longer fits the quota, the fresh backend object is
// destroyed and the order erred.
func (m *StateMachine) activateLocked(ctx context.Context, res *Resource, observed *BackendState, actor string) error {
	entry := m.newEntry(res, StateActive, OperationNone, actor)
	_, err := m.write(ctx, TransitionWrite{
		Entry:   entry,
		Reserve: true,
		Orders:  []OrderChange{{OrderID: res.OrderID, Status: OrderStatusDone}},
	})
	if err == nil {
		res.State = StateActive
		m.logger.Info().Str("resource_id", res.ID).Str("backend_id", res.BackendID).Msg("resource active")
		return nil
	}
	if !IsQuotaExceeded(err) {
		return err
	}

	msg := failureMessage(err)
	m.logger.Warn().Str("resource_id", res.ID).Str("reason", msg).Msg("activation denied by quota, releasing backend object")
	telemetry.RaiseAlert(ctx, telemetry.Alert{
		Kind: telemetry.AlertQuotaDenied, ResourceID: res.ID, OrderID: res.OrderID,
		Severity: string(DriftLow), Message: msg,
	})

	adapter, aerr := m.adapters.Get(res.BackendType)
	if aerr != nil {
		return aerr
	}
	te := m.newEntry(res, StateTerminating, OperationDestroy, actor)
	te.Message = msg
	written, werr := m.write(ctx, TransitionWrite{
		Entry:        te,
		ErrorMessage: &msg,
		Orders:       []OrderChange{{OrderID: res.OrderID, Status: OrderStatusErred, Message: msg}},
	})
	if werr != nil {
		return werr
	}
	res.State = StateTerminating
	return m.runDestroy(ctx, adapter, res, written.Entry, actor)
}

// completeUpdateLocked moves updating -> active and swaps the reservation
// for the new allocation. If the grown allocation no longer fits, the
// resource returns to active on its old reservation and the update order errs.
func (m *StateMachine) completeUpdateLocked(ctx context.Context, res *Resource, observed *BackendState, actor string) error {
	if observed != nil {
		if err := m.store.RecordObservation(ctx, res.ID, observed, m.now()); err != nil {
			return err
		}
	}
	w := TransitionWrite{
		Entry:             m.newEntry(res, StateActive, OperationNone, actor),
		Release:           true,
		Reserve:           true,
		ClearPendingOrder: true,
	}
	if res.PendingOrderID != "" {
		w.Orders = []OrderChange{{OrderID: res.PendingOrderID, Status: OrderStatusDone}}
	}
	_, err := m.write(ctx, w)
	if IsQuotaExceeded(err) {
		return m.keepReservationLocked(ctx, res, err, actor)
	}
	if err != nil {
		return err
	}
	res.State = StateActive
	res.PendingOrderID = ""
	return nil
}

// keepReservationLocked finishes a denied update with the allocation that is
// still reserved.
func (m *StateMachine) keepReservationLocked(ctx context.Context, res *Resource, denied error, actor string) error {
	held, err := m.reservedAllocation(ctx, res.ID)
	if err != nil {
		return err
	}
	msg := failureMessage(denied)
	m.logger.Warn().Str("resource_id", res.ID).Str("reason", msg).
		Msg("update denied by quota, keeping the previous reservation")
	telemetry.RaiseAlert(ctx, telemetry.Alert{
		Kind: telemetry.AlertQuotaDenied, ResourceID: res.ID, OrderID: res.PendingOrderID,
		Severity: string(DriftLow), Message: msg,
	})

	entry := m.newEntry(res, StateActive, OperationNone, actor)
	entry.Message = msg
	w := TransitionWrite{Entry: entry, Allocation: held, ClearPendingOrder: true}
	if res.PendingOrderID != "" {
		w.Orders = []OrderChange{{OrderID: res.PendingOrderID, Status: OrderStatusErred, Message: msg}}
	}
	if _, err := m.write(ctx, w); err != nil {
		return err
	}
	res.State = StateActive
	res.Allocation = held
	res.PendingOrderID = ""
	return nil
}

// denyUpdate closes the update order of an update the quota refused before
// anything was written.
func (m *StateMachine) denyUpdate(ctx context.Context, res *Resource, orderID string, denied error) {
	msg := failureMessage(denied)
	m.logger.Warn().Str("resource_id", res.ID).Str("reason", msg).Msg("update denied by quota")
	if orderID == "" {
		return
	}
	if err := m.store.UpdateOrderStatus(ctx, orderID, nil, OrderStatusErred, msg, ""); err != nil && !IsStaleTransition(err) {
		m.logger.Error().Err(err).Str("order_id", orderID).Msg("failed to close denied update order")
	}
}

// reservedAllocation sums the resource's reservations that were never reversed.
func (m *StateMachine) reservedAllocation(ctx context.Context, resourceID string) (Allocation, error) {
	records, err := m.store.ListUsageRecords(ctx, UsageFilter{
		ResourceID: resourceID,
		Kinds:      []UsageKind{UsageKindReservation, UsageKindReversal},
	})
	if err != nil {
		return nil, err
	}
	reversed := make(map[string]bool)
	for _, r := range records {
		if r.Kind == UsageKindReversal {
			reversed[r.ReversesID] = true
		}
	}
	held := Allocation{}
	for _, r := range records {
		if r.Kind == UsageKindReservation && !reversed[r.ID] {
			held[r.Dimension] += r.Quantity
		}
	}
	return held, nil
}

func (m *StateMachine) completeTerminationLocked(ctx context.Context, res *Resource, actor string) error {
	w := TransitionWrite{
		Entry:             m.newEntry(res, StateTerminated, OperationNone, actor),
		Release:           true,
		ClearPendingOrder: true,
	}
	if res.PendingOrderID != "" {
		w.Orders = append(w.Orders, OrderChange{OrderID: res.PendingOrderID, Status: OrderStatusDone})
	}
	// A create order still open at this point never completed.
	msg := res.ErrorMessage
	if msg == "" {
		msg = "resource terminated before provisioning completed"
	}
	w.Orders = append(w.Orders, OrderChange{OrderID: res.OrderID, Status: OrderStatusErred, Message: msg})

	if _, err := m.write(ctx, w); err != nil {
		return err
	}
	res.State = StateTerminated
	m.logger.Info().Str("resource_id", res.ID).Msg("resource terminated")
	return nil
}

// failLocked records cause and moves the resource to erred.
func (m *StateMachine) failLocked(ctx context.Context, res *Resource, cause error, actor string) error {
	msg := failureMessage(cause)
	class := ClassOf(cause)

	entry := m.newEntry(res, StateErred, OperationNone, actor)
	entry.Message = msg
	w := TransitionWrite{Entry: entry, ErrorMessage: &msg, ErrorClass: &class}
	if res.PendingOrderID != "" {
		w.Orders = []OrderChange{{OrderID: res.PendingOrderID, Status: OrderStatusErred, Message: msg}}
		w.ClearPendingOrder = true
	}
	if _, err := m.write(ctx, w); err != nil {
		return err
	}
	prev := res.State
	res.State = StateErred
	res.ErrorMessage = msg
	res.ErrorClass = class
	res.PendingOrderID = ""

	m.logger.Warn().Str("resource_id", res.ID).Str("from", string(prev)).Str("class", string(class)).
		Str("reason", msg).Msg("resource erred")

	if class == ErrorClassPermanent && res.BackendID == "" && !IsDrift(cause) {
		return m.finalizeLocked(ctx, res, msg, actor)
	}
	return nil
}

// finalizeLocked moves erred -> erred-terminal and closes the create order.
func (m *StateMachine) finalizeLocked(ctx context.Context, res *Resource, msg, actor string) error {
	entry := m.newEntry(res, StateErredTerminal, OperationNone, actor)
	entry.Message = msg
	if _, err := m.write(ctx, TransitionWrite{
		Entry:        entry,
		ErrorMessage: &msg,
		Orders:       []OrderChange{{OrderID: res.OrderID, Status: OrderStatusErred, Message: msg}},
	}); err != nil {
		return err
	}
	res.State = StateErredTerminal
	telemetry.RaiseAlert(ctx, telemetry.Alert{
		Kind: telemetry.AlertErredTerminal, ResourceID: res.ID, OrderID: res.OrderID,
		Severity: string(DriftHigh), Message: msg,
	})
	return nil
}

// callBackend runs fn with a per-call deadline, retrying failures that are
// known not to have taken effect. A deadline expiry returns an unknown-outcome
// error immediately.
func (m *StateMachine) callBackend(ctx context.Context, res *Resource, op Operation, fn func(context.Context) error) error {
	t := m.Tunables()
	var lastErr error
	for attempt := 0; attempt <= t.CallRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, t.CallTimeout)
		err := telemetry.RecordBackendCall(cctx, res.BackendType, string(op), fn)
		expired := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil || expired || IsUnknownOutcome(err) {
			return NewUnknownOutcomeError(string(op), err).WithResource(res.ID)
		}
		if !IsTransient(err) && !IsThrottled(err) {
			if _, ok := AsEngineError(err); ok {
				return err
			}
			return NewPermanentError("backend call failed", err).WithResource(res.ID).WithOperation(string(op))
		}

		lastErr = err
		if attempt == t.CallRetries {
			break
		}
		m.logger.Warn().Err(err).Str("resource_id", res.ID).Str("operation", string(op)).
			Int("attempt", attempt+1).Int("max_attempts", t.CallRetries+1).Msg("backend call failed, retrying")
		if werr := m.backoff.Wait(ctx, attempt, err); werr != nil {
			return NewUnknownOutcomeError(string(op), werr).WithResource(res.ID)
		}
	}

	exhausted := NewTransientError(
		fmt.Sprintf("backend call failed after %d attempts", t.CallRetries+1), lastErr).
		WithResource(res.ID).WithOperation(string(op))
	if IsThrottled(lastErr) {
		exhausted.Class = ErrorClassThrottled
	}
	return exhausted.WithCode(ErrCodeRetryExhausted)
}

// withLease runs fn while holding the resource's single-writer lease,
// renewing it in the background.
func (m *StateMachine) withLease(ctx context.Context, resourceID string, fn func(context.Context) error) error {
	t := m.Tunables()
	key := "resource:" + resourceID
	token := m.owner + "/" + uuid.New().String()
	deadline := m.now().Add(t.LeaseWait)

	for attempt := 0; ; attempt++ {
		ok, err := m.leaser.Acquire(ctx, key, token, t.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire lease for %s: %w", resourceID, err)
		}
		if ok {
			break
		}
		telemetry.MetricsFromContext(ctx).RecordLeaseContention()
		if !m.now().Before(deadline) {
			return NewConflictError("resource lease is held by another writer", nil).
				WithCode(ErrCodeLeaseHeld).WithResource(resourceID)
		}
		wait := Backoff{Base: 25 * time.Millisecond, Max: 500 * time.Millisecond}
		if err := wait.Wait(ctx, attempt, nil); err != nil {
			return err
		}
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(t.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.leaser.Renew(leaseCtx, key, token, t.LeaseTTL)
				if err != nil || !ok {
					m.logger.Warn().Err(err).Str("resource_id", resourceID).Msg("failed to renew lease")
				}
			}
		}
	}()

	err := fn(leaseCtx)

	cancel()
	<-renewed
	if rerr := m.leaser.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
		m.logger.Warn().Err(rerr).Str("resource_id", resourceID).Msg("failed to release lease")
	}
	return err
}

// expect loads a resource and checks its state.
func (m *StateMachine) expect(ctx context.Context, resourceID string, state ResourceState) (*Resource, error) {
	res, err := m.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if res.State != state {
		return nil, NewStaleTransitionError(resourceID, state, res.State)
	}
	return res, nil
}

func (m *StateMachine) newEntry(res *Resource, to ResourceState, op Operation, actor string) *TransitionEntry {
	outcome := OutcomeSucceeded
	if op != OperationNone {
		outcome = OutcomePending
	}
	if actor == "" {
		actor = "engine"
	}
	return &TransitionEntry{
		ResourceID: res.ID,
		From:       res.State,
		To:         to,
		Operation:  op,
		Attempt:    res.Attempt,
		Tag:        NewAttemptTag(res.ID, res.Attempt),
		Actor:      actor,
		Outcome:    outcome,
	}
}

// write persists a transition and publishes what it committed.
func (m *StateMachine) write(ctx context.Context, w TransitionWrite) (*TransitionResult, error) {
	if err := ValidateTransition(w.Entry.ResourceID, w.Entry.From, w.Entry.To); err != nil {
		return nil, err
	}
	result, err := m.store.AppendTransition(ctx, w)
	if err != nil {
		return nil, err
	}
	telemetry.RecordTransition(ctx, w.Entry.ResourceID, string(w.Entry.From), string(w.Entry.To), string(result.Entry.Outcome))
	if m.usage != nil && len(result.Records) > 0 {
		m.usage.PublishUsage(result.Records)
	}
	m.logger.Debug().Str("resource_id", w.Entry.ResourceID).Int64("seq", result.Entry.Seq).
		Str("from", string(w.Entry.From)).Str("to", string(w.Entry.To)).
		Str("outcome", string(result.Entry.Outcome)).Msg("transition recorded")
	return result, nil
}

func (m *StateMachine) resolve(ctx context.Context, entry *TransitionEntry, outcome Outcome, message string) error {
	if entry.Outcome == outcome || !entry.Outcome.CanResolveTo(outcome) {
		return nil
	}
	if err := m.store.ResolveTransition(ctx, entry.ResourceID, entry.Seq, outcome, message); err != nil {
		return err
	}
	entry.Outcome = outcome
	entry.Message = message
	return nil
}

// resolveLast resolves the resource's last entry if it is still in flight.
func (m *StateMachine) resolveLast(ctx context.Context, resourceID string, outcome Outcome, message string) error {
	last, err := m.store.LastTransition(ctx, resourceID)
	if err != nil {
		return err
	}
	if !last.Outcome.IsInFlight() {
		return nil
	}
	return m.resolve(ctx, last, outcome, message)
}

func (m *StateMachine) bind(ctx context.Context, res *Resource, backendID string) error {
	if res.BackendID == backendID {
		return nil
	}
	if res.BackendID != "" {
		return NewPermanentError(
			fmt.Sprintf("backend returned %s but resource is bound to %s", backendID, res.BackendID), nil).
			WithCode(ErrCodeConflict).WithResource(res.ID)
	}
	if err := m.store.BindBackendID(ctx, res.ID, backendID); err != nil {
		return err
	}
	res.BackendID = backendID
	return nil
}

// failureMessage preserves the backend's own wording for the order and log.
func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := AsEngineError(err); ok {
		if e.Code == ErrCodeQuotaExceeded || e.Code == ErrCodeDriftDetected {
			return e.Message
		}
		var inner *EngineError
		if errors.As(e.Err, &inner) {
			return failureMessage(inner)
		}
		return e.BackendMessage()
	}
	return err.Error()
}
