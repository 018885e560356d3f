// Package reconciler compares persisted resources with their backends and
// drives them forward.
//
// Every pass describes each non-terminal resource, feeds the result into the
// pure Decide table, and applies the decision through the State Machine. It
// is the only component that resolves unknown outcomes, re-drives stale
// in-flight entries, and retries erred resources.
package reconciler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// Actors recorded on the transitions the Reconciler makes.
const (
	Actor        = "reconciler"
	ActorEndDate = "reconciler:end-date"
)

// Tunables are the reloadable knobs of the Reconciler.
type Tunables struct {
	// Interval is the time between passes.
	Interval time.Duration

	// Staleness is how old an in-flight entry, or an approved but untouched
	// resource, must be before it is driven again.
	Staleness time.Duration

	// ProvisioningTimeout fails resources whose backend object never becomes ready.
	ProvisioningTimeout time.Duration

	// StaleAfter raises an operator event for resources stuck in creating or erred.
	StaleAfter time.Duration

	// MaxRedrives bounds re-drives of one in-flight entry.
	MaxRedrives int

	// RetryBudget is the engine's retry budget, used to finalize erred resources.
	RetryBudget int

	// RetryBackoff is the delay before the first automatic retry; it doubles per attempt.
	RetryBackoff time.Duration

	// CallTimeout bounds every describe call.
	CallTimeout time.Duration
}

// DefaultTunables returns the Reconciler defaults.
func DefaultTunables() Tunables {
	return Tunables{
		Interval:            2 * time.Minute,
		Staleness:           5 * time.Minute,
		ProvisioningTimeout: time.Hour,
		StaleAfter:          24 * time.Hour,
		MaxRedrives:         5,
		RetryBudget:         3,
		RetryBackoff:        time.Minute,
		CallTimeout:         time.Minute,
	}
}

func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.Interval <= 0 {
		t.Interval = d.Interval
	}
	if t.Staleness <= 0 {
		t.Staleness = d.Staleness
	}
	if t.ProvisioningTimeout <= 0 {
		t.ProvisioningTimeout = d.ProvisioningTimeout
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = d.StaleAfter
	}
	if t.MaxRedrives <= 0 {
		t.MaxRedrives = d.MaxRedrives
	}
	if t.RetryBudget <= 0 {
		t.RetryBudget = d.RetryBudget
	}
	if t.RetryBackoff < 0 {
		t.RetryBackoff = 0
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = d.CallTimeout
	}
	return t
}

func (t Tunables) redriveDelay(redrives int) time.Duration {
	return capped(t.Staleness, redrives, 6*time.Hour)
}

func (t Tunables) retryDelay(attempt int) time.Duration {
	if attempt > 0 {
		attempt--
	}
	return capped(t.RetryBackoff, attempt, 6*time.Hour)
}

func capped(base time.Duration, n int, max time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(n)))
	if d > max || d < 0 {
		return max
	}
	return d
}

// Machine is the part of the State Machine the Reconciler drives.
type Machine interface {
	Provision(ctx context.Context, resourceID, actor string) error
	Activate(ctx context.Context, resourceID string, observed *engine.BackendState, actor string) error
	CompleteUpdate(ctx context.Context, resourceID string, observed *engine.BackendState, actor string) error
	CompleteTermination(ctx context.Context, resourceID, actor string) error
	Terminate(ctx context.Context, resourceID, orderID, actor string) error
	Retry(ctx context.Context, resourceID, actor string) error
	Fail(ctx context.Context, resourceID string, cause error, actor string) error
	Finalize(ctx context.Context, resourceID, reason, actor string) error
	Redrive(ctx context.Context, resourceID string, expectSeq int64, actor string) error
}

var _ Machine = (*engine.StateMachine)(nil)

// PassReport summarises one reconcile pass.
type PassReport struct {
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Resources int               `json:"resources"`
	Decisions map[Action]int    `json:"decisions"`
	Errors    int               `json:"errors"`
	Alerts    int               `json:"alerts"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// Reconciler runs reconcile passes.
type Reconciler struct {
	store    engine.Store
	adapters engine.AdapterResolver
	machine  Machine
	pool     *engine.Pool
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	tunables   Tunables
	lastAlerts map[string]time.Time
	reload     chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPool fans describe-and-apply work out to the shared worker pool.
func WithPool(pool *engine.Pool) Option {
	return func(r *Reconciler) { r.pool = pool }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler.
func New(store engine.Store, adapters engine.AdapterResolver, machine Machine, t Tunables, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      store,
		adapters:   adapters,
		machine:    machine,
		logger:     zerolog.Nop(),
		now:        time.Now,
		lastAlerts: make(map[string]time.Time),
		reload:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "reconciler").Logger()
	r.Reload(t)
	return r
}

// Reload swaps the tunables; a running loop picks up a new interval on its next tick.
func (r *Reconciler) Reload(t Tunables) {
	r.mu.Lock()
	r.tunables = t.withDefaults()
	r.mu.Unlock()
	select {
	case r.reload <- struct{}{}:
	default:
	}
}

// Tunables returns the current tunables.
func (r *Reconciler) Tunables() Tunables {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunables
}

// Run reconciles on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Tunables().Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.Tunables().Interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-r.reload:
			ticker.Reset(r.Tunables().Interval)
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error().Err(err).Msg("reconcile pass failed")
				}
				continue
			}
			r.logger.Info().Int("resources", report.Resources).Int("errors", report.Errors).
				Dur("duration", report.Duration).Interface("decisions", report.Decisions).Msg("reconcile pass finished")
		}
	}
}

// RunOnce reconciles every non-terminal resource once.
func (r *Reconciler) RunOnce(ctx context.Context) (*PassReport, error) {
	t := r.Tunables()
	started := r.now()
	resources, err := r.store.ListResources(ctx, engine.ResourceFilter{
		States: []engine.ResourceState{
			engine.StateCreating, engine.StateProvisioning, engine.StateActive,
			engine.StateUpdating, engine.StateTerminating, engine.StateErred,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	report := &PassReport{
		StartedAt: started,
		Resources: len(resources),
		Decisions: make(map[Action]int),
		Failures:  make(map[string]string),
	}
	var mu sync.Mutex
	record := func(id string, d Decision, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Decisions[d.Action]++
		if err != nil {
			report.Errors++
			report.Failures[id] = err.Error()
		}
	}

	var wg sync.WaitGroup
	for _, res := range resources {
		id := res.ID
		task := func(ctx context.Context) error {
			d, err := r.reconcile(ctx, id, t)
			record(id, d, err)
			return err
		}
		if r.pool == nil {
			_ = task(ctx)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stale transitions are re-run by the pool; the last result is recorded.
			_ = r.pool.Do(ctx, engine.Task{ResourceID: id, Kind: "reconcile", Run: task})
		}()
	}
	wg.Wait()

	report.Alerts = r.alertStale(ctx, resources, t)
	report.Duration = r.now().Sub(started)
	return report, ctx.Err()
}

// Reconcile runs one resource through observe, decide and apply.
func (r *Reconciler) Reconcile(ctx context.Context, resourceID string) (Decision, error) {
	return r.reconcile(ctx, resourceID, r.Tunables())
}

func (r *Reconciler) reconcile(ctx context.Context, resourceID string, t Tunables) (Decision, error) {
	obs, err := r.observe(ctx, resourceID, t)
	if err != nil {
		return Decision{Action: ActionNone}, err
	}
	d := Decide(obs, t)
	telemetry.MetricsFromContext(ctx).RecordReconcileDecision(string(d.Action))
	if d.Action != ActionNone && d.Action != ActionWait && d.Action != ActionObserve {
		r.logger.Info().Str("resource_id", resourceID).Str("state", string(obs.Resource.State)).
			Str("action", string(d.Action)).Str("reason", d.Reason).Msg("reconcile decision")
	}
	return d, r.apply(ctx, obs, d)
}

func (r *Reconciler) observe(ctx context.Context, resourceID string, t Tunables) (Observation, error) {
	res, err := r.store.GetResource(ctx, resourceID)
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{Resource: res, Now: r.now()}

	if res.State.IsTerminal() {
		return obs, nil
	}
	if obs.Last, err = r.store.LastTransition(ctx, res.ID); err != nil {
		return obs, err
	}
	if res.State == engine.StateCreating {
		if obs.Order, err = r.store.GetOrder(ctx, res.OrderID); err != nil {
			return obs, err
		}
	}
	if !needsDescribe(res) {
		return obs, nil
	}

	adapter, err := r.adapters.Get(res.BackendType)
	if err != nil {
		obs.Unreachable = err
		return obs, nil
	}
	handle := res.Handle()
	if obs.Last != nil && obs.Last.Tag != "" {
		handle.Tag = obs.Last.Tag
	}

	var state *engine.BackendState
	err = telemetry.RecordBackendCall(ctx, res.BackendType, "describe", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, t.CallTimeout)
		defer cancel()
		var derr error
		state, derr = adapter.Describe(cctx, handle)
		return derr
	})
	obs.Described = true
	switch {
	case err == nil:
		obs.Backend = state
	case engine.IsNotFound(err):
		obs.Absent = true
	default:
		obs.Unreachable = err
	}
	return obs, nil
}

func (r *Reconciler) apply(ctx context.Context, obs Observation, d Decision) error {
	res := obs.Resource
	metrics := telemetry.MetricsFromContext(ctx)

	switch d.Action {
	case ActionNone, ActionWait:
		return nil

	case ActionUnreachable:
		r.logger.Warn().Str("resource_id", res.ID).Str("backend", res.BackendType).Str("reason", d.Reason).
			Msg("backend unreachable, leaving resource unchanged")
		return nil

	case ActionObserve:
		if d.Severity != "" {
			metrics.RecordDriftDetection(string(d.Severity))
			r.logger.Warn().Str("resource_id", res.ID).Str("severity", string(d.Severity)).Str("reason", d.Reason).
				Msg("drift detected")
		}
		return r.store.RecordObservation(ctx, res.ID, obs.Backend, obs.Now)

	case ActionProvision:
		return r.machine.Provision(ctx, res.ID, Actor)

	case ActionActivate:
		metrics.RecordDriftDetection(string(engine.DriftLow))
		if err := r.store.RecordObservation(ctx, res.ID, obs.Backend, obs.Now); err != nil {
			return err
		}
		return r.machine.Activate(ctx, res.ID, obs.Backend, Actor)

	case ActionFail:
		if engine.HasCode(d.Cause, engine.ErrCodeRetryExhausted) {
			telemetry.RaiseAlert(ctx, telemetry.Alert{
				Kind: telemetry.AlertRedriveExhausted, ResourceID: res.ID, OrderID: res.OrderID,
				Severity: string(engine.DriftHigh), Message: d.Reason,
			})
		}
		return r.machine.Fail(ctx, res.ID, d.Cause, Actor)

	case ActionRedrive:
		return r.machine.Redrive(ctx, res.ID, obs.Last.Seq, Actor)

	case ActionDrift:
		metrics.RecordDriftDetection(string(d.Severity))
		telemetry.RaiseAlert(ctx, telemetry.Alert{
			Kind: telemetry.AlertDrift, ResourceID: res.ID, OrderID: res.OrderID,
			Severity: string(d.Severity), Message: d.Reason,
		})
		return r.machine.Fail(ctx, res.ID, engine.NewDriftError(res.ID, d.Severity, d.Reason), Actor)

	case ActionCompleteUpdate:
		return r.machine.CompleteUpdate(ctx, res.ID, obs.Backend, Actor)

	case ActionCompleteTermination:
		return r.machine.CompleteTermination(ctx, res.ID, Actor)

	case ActionRetry:
		err := r.machine.Retry(ctx, res.ID, Actor)
		if engine.HasCode(err, engine.ErrCodeRetryExhausted) {
			return nil
		}
		return err

	case ActionFinalize:
		return r.machine.Finalize(ctx, res.ID, d.Reason, Actor)

	case ActionTerminate:
		return r.machine.Terminate(ctx, res.ID, "", ActorEndDate)

	default:
		return fmt.Errorf("unhandled reconcile action %q", d.Action)
	}
}

// alertStale raises an operator event for resources stuck in creating or
// erred, at most once per StaleAfter per resource.
func (r *Reconciler) alertStale(ctx context.Context, resources []*engine.Resource, t Tunables) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(resources))
	raised := 0
	for _, res := range resources {
		seen[res.ID] = true
		if res.State != engine.StateCreating && res.State != engine.StateErred {
			delete(r.lastAlerts, res.ID)
			continue
		}
		if now.Sub(res.StateChangedAt) < t.StaleAfter {
			continue
		}
		if last, ok := r.lastAlerts[res.ID]; ok && now.Sub(last) < t.StaleAfter {
			continue
		}
		r.lastAlerts[res.ID] = now
		raised++
		telemetry.RaiseAlert(ctx, telemetry.Alert{
			Kind:       telemetry.AlertStaleResource,
			ResourceID: res.ID,
			OrderID:    res.OrderID,
			Severity:   string(engine.DriftLow),
			Message: fmt.Sprintf("resource has been %s since %s",
				res.State, res.StateChangedAt.UTC().Format(time.RFC3339)),
		})
	}
	for id := range r.lastAlerts {
		if !seen[id] {
			delete(r.lastAlerts, id)
		}
	}
	return raised
}
