// Package orders admits user orders and hands them to the State Machine
// Engine. Admission is synchronous and writes nothing until every check has
// passed; execution is asynchronous through the worker pool.
package orders

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/policy"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// AutoApprover is the reviewer recorded on automatically approved orders.
const AutoApprover = "broker:auto-approve"

// healthTimeout bounds the backend health probe during admission.
const healthTimeout = 10 * time.Second

// Router resolves the backend serving a resource type.
// *adapters.Registry implements it.
type Router interface {
	Resolve(resourceType string) (string, engine.Adapter, error)
	Get(backendType string) (engine.Adapter, error)
}

// SchemaValidator checks attributes against the resource type's schema.
type SchemaValidator interface {
	Validate(resourceType string, attrs engine.Attributes) error
}

// AllocationRules computes allocations from configured rules. ok is false
// when the resource type has no rule and the adapter default applies.
type AllocationRules interface {
	Evaluate(ctx context.Context, resourceType string, attrs engine.Attributes) (engine.Allocation, bool, error)
}

// PolicyEvaluator runs the admission policies.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (*policy.Result, error)
}

// Admitter checks quota headroom. *ledger.Ledger implements it.
type Admitter interface {
	Admit(ctx context.Context, scopes []string, delta engine.Allocation) error
}

// Machine is the part of the State Machine Engine the processor drives.
type Machine interface {
	Provision(ctx context.Context, resourceID, actor string) error
	Update(ctx context.Context, resourceID string, intent engine.UpdateIntent) error
	Terminate(ctx context.Context, resourceID, orderID, actor string) error
	CancelUncommitted(ctx context.Context, resourceID string, status engine.OrderStatus, reason, actor string) error
	CancelCommitted(ctx context.Context, resourceID, reason, actor string) error
}

// Dispatcher queues work without blocking. *engine.Pool implements it.
type Dispatcher interface {
	TrySubmit(t engine.Task) bool
}

// Tunables are the reloadable knobs of the processor.
type Tunables struct {
	// AutoApprove hands admitted orders to the engine without review.
	AutoApprove bool
}

// SubmitRequest asks for a new resource.
type SubmitRequest struct {
	AccountID    string            `json:"account_id" validate:"required,max=63"`
	ProjectID    string            `json:"project_id,omitempty" validate:"omitempty,max=63"`
	ResourceType string            `json:"resource_type" validate:"required"`
	Name         string            `json:"name,omitempty" validate:"omitempty,max=63"`
	Attributes   engine.Attributes `json:"attributes"`
	EndDate      *time.Time        `json:"end_date,omitempty"`
	CreatedBy    string            `json:"created_by" validate:"required"`
}

// UpdateRequest changes the attributes of an active resource. Attributes are
// merged over the current ones; a nil value removes a key.
type UpdateRequest struct {
	ResourceID string            `json:"resource_id" validate:"required"`
	Attributes engine.Attributes `json:"attributes" validate:"required"`
	CreatedBy  string            `json:"created_by" validate:"required"`
}

// TerminateRequest asks for a resource to be torn down.
type TerminateRequest struct {
	ResourceID string `json:"resource_id" validate:"required"`
	CreatedBy  string `json:"created_by" validate:"required"`
}

// SubmitResult identifies an admitted order.
type SubmitResult struct {
	OrderID    string             `json:"order_id"`
	ResourceID string             `json:"resource_id"`
	Status     engine.OrderStatus `json:"status"`

	// Warnings are non-blocking policy findings.
	Warnings []string `json:"warnings,omitempty"`
}

// Processor is the Order Processor.
type Processor struct {
	store    engine.Store
	router   Router
	schemas  SchemaValidator
	rules    AllocationRules
	policies PolicyEvaluator
	quota    Admitter
	machine  Machine
	pool     Dispatcher
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
	tunables atomic.Pointer[Tunables]
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithPool hands execution to a worker pool. Without one, approved orders
// run in the caller's goroutine.
func WithPool(pool Dispatcher) Option {
	return func(p *Processor) { p.pool = pool }
}

// WithSchemas sets the attribute schema registry.
func WithSchemas(s SchemaValidator) Option {
	return func(p *Processor) { p.schemas = s }
}

// WithAllocationRules sets the configured allocation rules.
func WithAllocationRules(r AllocationRules) Option {
	return func(p *Processor) { p.rules = r }
}

// WithPolicies sets the admission policy engine.
func WithPolicies(e PolicyEvaluator) Option {
	return func(p *Processor) { p.policies = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates an Order Processor.
func NewProcessor(store engine.Store, router Router, quota Admitter, machine Machine, t Tunables, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		router:   router,
		quota:    quota,
		machine:  machine,
		validate: validator.New(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "orders").Logger()
	p.Reload(t)
	return p
}

// Reload swaps the tunables.
func (p *Processor) Reload(t Tunables) {
	p.tunables.Store(&t)
}

// Tunables returns the current tunables.
func (p *Processor) Tunables() Tunables {
	return *p.tunables.Load()
}

// Submit admits a create order. Nothing is persisted unless every admission
// check passes.
func (p *Processor) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	op := telemetry.StartOperation(ctx, "orders.submit",
		attribute.String("resource_type", req.ResourceType),
		attribute.String("account_id", req.AccountID),
	)
	result, err := p.submit(op.Ctx, req)
	op.End(err)
	p.recordAdmission(ctx, engine.OrderTypeCreate, err)
	return result, err
}

func (p *Processor) submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, engine.NewInvalidRequestError("invalid order", err)
	}
	attrs := req.Attributes.Clone()

	backend, adapter, err := p.router.Resolve(req.ResourceType)
	if err != nil {
		if engine.IsInvalidRequest(err) {
			return nil, err
		}
		return nil, engine.NewInvalidRequestError(fmt.Sprintf("unknown resource type %q", req.ResourceType), err)
	}

	if err := p.checkSchema(req.ResourceType, attrs); err != nil {
		return nil, err
	}

	alloc, err := p.allocation(ctx, req.ResourceType, adapter, attrs)
	if err != nil {
		return nil, err
	}

	in := policy.OrderInput{
		Type:         engine.OrderTypeCreate,
		ResourceType: req.ResourceType,
		Backend:      backend,
		AccountID:    req.AccountID,
		ProjectID:    req.ProjectID,
		Attributes:   attrs,
		Allocation:   policy.AllocationInput(alloc),
		CreatedBy:    req.CreatedBy,
	}
	if req.EndDate != nil {
		in.EndDate = req.EndDate.UTC().Format(time.RFC3339)
	}
	warnings, err := p.checkPolicies(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := p.checkHealth(ctx, backend, adapter); err != nil {
		return nil, err
	}
	if err := p.quota.Admit(ctx, engine.ScopesFor(req.AccountID, req.ProjectID), alloc); err != nil {
		return nil, err
	}

	order := &engine.Order{
		ID:           uuid.NewString(),
		Type:         engine.OrderTypeCreate,
		ResourceType: req.ResourceType,
		ResourceID:   uuid.NewString(),
		AccountID:    req.AccountID,
		ProjectID:    req.ProjectID,
		Attributes:   attrs,
		Status:       engine.OrderStatusPendingApproval,
		CreatedBy:    req.CreatedBy,
	}
	name := req.Name
	if name == "" {
		name = req.ResourceType + "-" + order.ResourceID[:8]
	}
	resource := &engine.Resource{
		ID:           order.ResourceID,
		OrderID:      order.ID,
		AccountID:    req.AccountID,
		ProjectID:    req.ProjectID,
		ResourceType: req.ResourceType,
		BackendType:  backend,
		Name:         name,
		Attributes:   attrs,
		Allocation:   alloc,
		EndDate:      req.EndDate,
	}
	if err := p.store.CreateOrder(ctx, order, resource, req.CreatedBy); err != nil {
		return nil, err
	}

	p.logger.Info().Str("order_id", order.ID).Str("resource_id", resource.ID).
		Str("resource_type", req.ResourceType).Str("backend", backend).Str("account_id", req.AccountID).
		Msg("order admitted")

	return p.finishAdmission(ctx, order, warnings)
}

// SubmitUpdate admits an update order against an active resource. Only the
// positive allocation delta is checked against quota.
func (p *Processor) SubmitUpdate(ctx context.Context, req UpdateRequest) (*SubmitResult, error) {
	result, err := p.submitUpdate(ctx, req)
	p.recordAdmission(ctx, engine.OrderTypeUpdate, err)
	return result, err
}

func (p *Processor) submitUpdate(ctx context.Context, req UpdateRequest) (*SubmitResult, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, engine.NewInvalidRequestError("invalid update order", err)
	}
	res, err := p.openResource(ctx, req.ResourceID, engine.StateActive)
	if err != nil {
		return nil, err
	}
	adapter, err := p.router.Get(res.BackendType)
	if err != nil {
		return nil, engine.NewBackendUnavailableError(res.BackendType, err)
	}

	attrs := mergeAttributes(res.Attributes, req.Attributes)
	if err := p.checkSchema(res.ResourceType, attrs); err != nil {
		return nil, err
	}
	alloc, err := p.allocation(ctx, res.ResourceType, adapter, attrs)
	if err != nil {
		return nil, err
	}

	warnings, err := p.checkPolicies(ctx, policy.OrderInput{
		Type:         engine.OrderTypeUpdate,
		ResourceType: res.ResourceType,
		Backend:      res.BackendType,
		ResourceID:   res.ID,
		AccountID:    res.AccountID,
		ProjectID:    res.ProjectID,
		Attributes:   attrs,
		Allocation:   policy.AllocationInput(alloc),
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	if delta := alloc.Sub(res.Allocation).Positive(); len(delta) > 0 {
		if err := p.quota.Admit(ctx, res.Scopes(), delta); err != nil {
			return nil, err
		}
	}

	order := &engine.Order{
		ID:           uuid.NewString(),
		Type:         engine.OrderTypeUpdate,
		ResourceType: res.ResourceType,
		ResourceID:   res.ID,
		AccountID:    res.AccountID,
		ProjectID:    res.ProjectID,
		Attributes:   attrs,
		Status:       engine.OrderStatusPendingApproval,
		CreatedBy:    req.CreatedBy,
	}
	if err := p.store.CreateOrder(ctx, order, nil, req.CreatedBy); err != nil {
		return nil, err
	}
	p.logger.Info().Str("order_id", order.ID).Str("resource_id", res.ID).Msg("update order admitted")

	return p.finishAdmission(ctx, order, warnings)
}

// SubmitTermination admits a terminate order against an active or erred resource.
func (p *Processor) SubmitTermination(ctx context.Context, req TerminateRequest) (*SubmitResult, error) {
	result, err := p.submitTermination(ctx, req)
	p.recordAdmission(ctx, engine.OrderTypeTerminate, err)
	return result, err
}

func (p *Processor) submitTermination(ctx context.Context, req TerminateRequest) (*SubmitResult, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, engine.NewInvalidRequestError("invalid terminate order", err)
	}
	res, err := p.openResource(ctx, req.ResourceID, engine.StateActive, engine.StateErred)
	if err != nil {
		return nil, err
	}

	warnings, err := p.checkPolicies(ctx, policy.OrderInput{
		Type:         engine.OrderTypeTerminate,
		ResourceType: res.ResourceType,
		Backend:      res.BackendType,
		ResourceID:   res.ID,
		AccountID:    res.AccountID,
		ProjectID:    res.ProjectID,
		Attributes:   res.Attributes,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	order := &engine.Order{
		ID:           uuid.NewString(),
		Type:         engine.OrderTypeTerminate,
		ResourceType: res.ResourceType,
		ResourceID:   res.ID,
		AccountID:    res.AccountID,
		ProjectID:    res.ProjectID,
		Status:       engine.OrderStatusPendingApproval,
		CreatedBy:    req.CreatedBy,
	}
	if err := p.store.CreateOrder(ctx, order, nil, req.CreatedBy); err != nil {
		return nil, err
	}
	p.logger.Info().Str("order_id", order.ID).Str("resource_id", res.ID).Msg("terminate order admitted")

	return p.finishAdmission(ctx, order, warnings)
}

// Approve moves a pending order to executing and hands it to the engine.
func (p *Processor) Approve(ctx context.Context, orderID, reviewer string) error {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != engine.OrderStatusPendingApproval {
		return engine.NewInvalidRequestError(fmt.Sprintf("order %s is %s, not pending approval", order.ID, order.Status), nil)
	}
	return p.approve(ctx, order, reviewer)
}

func (p *Processor) approve(ctx context.Context, order *engine.Order, reviewer string) error {
	if err := p.store.UpdateOrderStatus(ctx, order.ID,
		[]engine.OrderStatus{engine.OrderStatusPendingApproval}, engine.OrderStatusExecuting, "", reviewer,
	); err != nil {
		return err
	}
	order.Status = engine.OrderStatusExecuting
	order.ReviewedBy = reviewer
	p.logger.Info().Str("order_id", order.ID).Str("reviewer", reviewer).Msg("order approved")
	return p.dispatch(ctx, order)
}

// Reject declines a pending order. A create order's resource, which never
// reached a backend, is terminated with it.
func (p *Processor) Reject(ctx context.Context, orderID, reviewer, reason string) error {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != engine.OrderStatusPendingApproval {
		return engine.NewInvalidRequestError(fmt.Sprintf("order %s is %s, not pending approval", order.ID, order.Status), nil)
	}
	if reason == "" {
		reason = "rejected by " + reviewer
	}

	if order.Type == engine.OrderTypeCreate {
		err = p.machine.CancelUncommitted(ctx, order.ResourceID, engine.OrderStatusRejected, reason, reviewer)
	} else {
		err = p.store.UpdateOrderStatus(ctx, order.ID,
			[]engine.OrderStatus{engine.OrderStatusPendingApproval}, engine.OrderStatusRejected, reason, reviewer)
	}
	if err != nil {
		return err
	}
	p.closed(ctx, order, engine.OrderStatusRejected, reason)
	return nil
}

// Cancel withdraws an order. Before any backend commitment the resource is
// terminated as never provisioned; afterwards cancellation tears the backend
// object down. Update and terminate orders can only be withdrawn while they
// await approval.
func (p *Processor) Cancel(ctx context.Context, orderID, actor string) error {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return engine.NewInvalidRequestError(fmt.Sprintf("order %s is already %s", order.ID, order.Status), nil)
	}
	reason := "canceled by " + actor

	if order.Type != engine.OrderTypeCreate {
		if order.Status != engine.OrderStatusPendingApproval {
			return engine.NewInvalidRequestError(
				fmt.Sprintf("%s order %s is already executing", order.Type, order.ID), nil)
		}
		if err := p.store.UpdateOrderStatus(ctx, order.ID,
			[]engine.OrderStatus{engine.OrderStatusPendingApproval}, engine.OrderStatusCanceled, reason, "",
		); err != nil {
			return err
		}
		p.closed(ctx, order, engine.OrderStatusCanceled, reason)
		return nil
	}

	res, err := p.store.GetResource(ctx, order.ResourceID)
	if err != nil {
		return err
	}
	if res.State == engine.StateCreating {
		err = p.machine.CancelUncommitted(ctx, res.ID, engine.OrderStatusCanceled, reason, actor)
		if !engine.IsStaleTransition(err) {
			if err == nil {
				p.closed(ctx, order, engine.OrderStatusCanceled, reason)
			}
			return err
		}
		// Provisioning started concurrently; the resource is committed now.
		p.logger.Debug().Str("order_id", order.ID).Str("resource_id", res.ID).
			Msg("resource left creating during cancellation")
	}

	p.logger.Info().Str("order_id", order.ID).Str("resource_id", res.ID).Str("state", string(res.State)).
		Msg("order committed to backend, canceling through termination")
	if err := p.machine.CancelCommitted(ctx, res.ID, reason, actor); err != nil {
		return err
	}
	p.closed(ctx, order, engine.OrderStatusCanceled, reason)
	return nil
}

// Get returns an order.
func (p *Processor) Get(ctx context.Context, orderID string) (*engine.Order, error) {
	return p.store.GetOrder(ctx, orderID)
}

// List returns orders matching filter, newest first.
func (p *Processor) List(ctx context.Context, filter engine.OrderFilter) ([]*engine.Order, error) {
	return p.store.ListOrders(ctx, filter)
}

// finishAdmission approves the order when auto-approval is on.
func (p *Processor) finishAdmission(ctx context.Context, order *engine.Order, warnings []string) (*SubmitResult, error) {
	result := &SubmitResult{OrderID: order.ID, ResourceID: order.ResourceID, Status: order.Status, Warnings: warnings}
	if !p.Tunables().AutoApprove {
		return result, nil
	}
	err := p.approve(ctx, order, AutoApprover)
	if engine.IsStaleTransition(err) {
		// Someone approved or canceled it in between.
		err = nil
	}
	if current, gerr := p.store.GetOrder(ctx, order.ID); gerr == nil {
		result.Status = current.Status
	}
	return result, err
}

// dispatch hands an executing order to the engine. A full queue defers
// create orders to the Reconciler; update and terminate orders run inline.
func (p *Processor) dispatch(ctx context.Context, order *engine.Order) error {
	task := p.task(order)
	if p.pool != nil && p.pool.TrySubmit(task) {
		return nil
	}
	if p.pool != nil && order.Type == engine.OrderTypeCreate {
		return nil
	}
	if err := task.Run(ctx); err != nil {
		return fmt.Errorf("order %s approved but execution failed: %w", order.ID, err)
	}
	return nil
}

func (p *Processor) task(order *engine.Order) engine.Task {
	actor := order.ReviewedBy
	if actor == "" {
		actor = order.CreatedBy
	}
	switch order.Type {
	case engine.OrderTypeUpdate:
		return engine.Task{ResourceID: order.ResourceID, Kind: "update", Run: func(ctx context.Context) error {
			return p.settle(ctx, order.ID, func(res *engine.Resource) error {
				adapter, err := p.router.Get(res.BackendType)
				if err != nil {
					return err
				}
				alloc, err := p.allocation(ctx, res.ResourceType, adapter, order.Attributes)
				if err != nil {
					return err
				}
				return p.machine.Update(ctx, res.ID, engine.UpdateIntent{
					Attributes: order.Attributes,
					Allocation: alloc,
					OrderID:    order.ID,
					Actor:      actor,
				})
			})
		}}
	case engine.OrderTypeTerminate:
		return engine.Task{ResourceID: order.ResourceID, Kind: "terminate", Run: func(ctx context.Context) error {
			return p.settle(ctx, order.ID, func(res *engine.Resource) error {
				return p.machine.Terminate(ctx, res.ID, order.ID, actor)
			})
		}}
	default:
		return engine.Task{ResourceID: order.ResourceID, Kind: "provision", Run: func(ctx context.Context) error {
			return p.machine.Provision(ctx, order.ResourceID, actor)
		}}
	}
}

// settle runs an update or terminate order. When fn fails before the engine
// took the order on, the order is closed as erred so it does not stay
// executing with nothing driving it.
func (p *Processor) settle(ctx context.Context, orderID string, fn func(res *engine.Resource) error) error {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != engine.OrderStatusExecuting {
		return nil
	}
	res, err := p.store.GetResource(ctx, order.ResourceID)
	if err != nil {
		return err
	}

	runErr := fn(res)
	if runErr == nil {
		return nil
	}

	res, err = p.store.GetResource(ctx, order.ResourceID)
	if err != nil {
		return runErr
	}
	if res.PendingOrderID == order.ID {
		return runErr
	}
	err = p.store.UpdateOrderStatus(ctx, order.ID,
		[]engine.OrderStatus{engine.OrderStatusExecuting}, engine.OrderStatusErred, runErr.Error(), "")
	switch {
	case err == nil:
		p.closed(ctx, order, engine.OrderStatusErred, runErr.Error())
	case engine.IsStaleTransition(err):
		// The engine already closed the order, e.g. on a quota denial.
		if current, gerr := p.store.GetOrder(ctx, order.ID); gerr == nil && current.Status.IsTerminal() {
			p.closed(ctx, order, current.Status, current.ErrorMessage)
		}
	default:
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to close order")
	}
	return runErr
}

// openResource loads a resource that must be in one of states and have no
// open update or terminate order.
func (p *Processor) openResource(ctx context.Context, resourceID string, states ...engine.ResourceState) (*engine.Resource, error) {
	res, err := p.store.GetResource(ctx, resourceID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewInvalidRequestError(fmt.Sprintf("resource %s does not exist", resourceID), err)
		}
		return nil, err
	}

	allowed := false
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
		if res.State == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, engine.NewInvalidRequestError(
			fmt.Sprintf("resource %s is %s; expected %s", res.ID, res.State, strings.Join(names, " or ")), nil).
			WithResource(res.ID)
	}

	open, err := p.store.ListOrders(ctx, engine.OrderFilter{
		ResourceID: res.ID,
		Statuses:   []engine.OrderStatus{engine.OrderStatusPendingApproval, engine.OrderStatusExecuting},
	})
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, engine.NewInvalidRequestError(
			fmt.Sprintf("resource %s already has open %s order %s", res.ID, open[0].Type, open[0].ID), nil).
			WithResource(res.ID)
	}
	return res, nil
}

func (p *Processor) checkSchema(resourceType string, attrs engine.Attributes) error {
	if p.schemas == nil {
		return nil
	}
	if err := p.schemas.Validate(resourceType, attrs); err != nil {
		return engine.NewInvalidRequestError(err.Error(), err)
	}
	return nil
}

// allocation evaluates the configured rule for the resource type, falling
// back to the adapter's default.
func (p *Processor) allocation(ctx context.Context, resourceType string, adapter engine.Adapter, attrs engine.Attributes) (engine.Allocation, error) {
	if p.rules != nil {
		alloc, ok, err := p.rules.Evaluate(ctx, resourceType, attrs)
		if err != nil {
			return nil, engine.NewInvalidRequestError("allocation rule failed", err)
		}
		if ok {
			return alloc, nil
		}
	}
	alloc, err := adapter.Allocation(attrs)
	if err != nil {
		return nil, engine.NewInvalidRequestError("failed to compute allocation", err)
	}
	return alloc, nil
}

func (p *Processor) checkPolicies(ctx context.Context, in policy.OrderInput) ([]string, error) {
	if p.policies == nil {
		return nil, nil
	}
	result, err := p.policies.Evaluate(ctx, policy.NewInput(in, p.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate admission policies: %w", err)
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, w.Policy+": "+w.Message)
	}
	if result.Allowed {
		return warnings, nil
	}

	msgs := result.Messages()
	return nil, engine.NewInvalidRequestError("order denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", msgs)
}

func (p *Processor) checkHealth(ctx context.Context, backend string, adapter engine.Adapter) error {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	err := telemetry.RecordBackendCall(hctx, backend, "health", adapter.Health)
	if err != nil {
		return engine.NewBackendUnavailableError(backend, err)
	}
	return nil
}

func (p *Processor) recordAdmission(ctx context.Context, orderType engine.OrderType, err error) {
	metrics := telemetry.MetricsFromContext(ctx)
	if err == nil {
		metrics.RecordOrderSubmitted(string(orderType))
		return
	}
	if engine.IsAdmissionError(err) {
		metrics.RecordOrderCompleted(string(orderType), "denied")
		p.logger.Info().Str("order_type", string(orderType)).Str("code", codeOf(err)).Err(err).Msg("order denied")
	}
}

// closed reports an order the processor itself closed.
func (p *Processor) closed(ctx context.Context, order *engine.Order, status engine.OrderStatus, message string) {
	telemetry.MetricsFromContext(ctx).RecordOrderCompleted(string(order.Type), string(status))
	if events := telemetry.EventsFromContext(ctx); events != nil {
		_ = events.PublishOrderCompleted(order.ID, order.ResourceID, string(status), message)
	}
	p.logger.Info().Str("order_id", order.ID).Str("resource_id", order.ResourceID).
		Str("status", string(status)).Str("reason", message).Msg("order closed")
}

func codeOf(err error) string {
	if ee, ok := engine.AsEngineError(err); ok {
		return ee.Code
	}
	return ""
}

// mergeAttributes overlays changes on base. Nil values delete keys.
func mergeAttributes(base, changes engine.Attributes) engine.Attributes {
	out := base.Clone()
	for k, v := range changes {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
