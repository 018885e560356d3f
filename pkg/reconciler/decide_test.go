package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/broker/pkg/engine"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func resource(state engine.ResourceState, changed time.Duration) *engine.Resource {
	return &engine.Resource{
		ID:             "res-1",
		OrderID:        "ord-1",
		State:          state,
		Attempt:        1,
		BackendType:    "fake",
		StateChangedAt: t0.Add(-changed),
	}
}

func entry(outcome engine.Outcome, age time.Duration) *engine.TransitionEntry {
	return &engine.TransitionEntry{ResourceID: "res-1", Seq: 7, Outcome: outcome, CreatedAt: t0.Add(-age)}
}

func backend(phase engine.BackendPhase) *engine.BackendState {
	return &engine.BackendState{BackendID: "b-1", Phase: phase}
}

func TestDecide(t *testing.T) {
	past := t0.Add(-time.Minute)
	future := t0.Add(time.Hour)

	tests := []struct {
		name     string
		obs      Observation
		action   Action
		severity engine.DriftSeverity
		code     string
	}{
		{
			name:   "unreachable backend changes nothing",
			obs:    Observation{Resource: resource(engine.StateActive, time.Hour), Unreachable: errors.New("dial tcp: timeout")},
			action: ActionUnreachable,
		},
		{
			name:   "creating awaiting approval",
			obs:    Observation{Resource: resource(engine.StateCreating, time.Hour), Order: &engine.Order{Status: engine.OrderStatusPendingApproval}},
			action: ActionNone,
		},
		{
			name:   "creating approved recently",
			obs:    Observation{Resource: resource(engine.StateCreating, time.Minute), Order: &engine.Order{Status: engine.OrderStatusExecuting}},
			action: ActionWait,
		},
		{
			name:   "creating approved but never picked up",
			obs:    Observation{Resource: resource(engine.StateCreating, time.Hour), Order: &engine.Order{Status: engine.OrderStatusExecuting}},
			action: ActionProvision,
		},
		{
			name:     "provisioning object ready",
			obs:      Observation{Resource: resource(engine.StateProvisioning, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Backend: backend(engine.PhaseReady)},
			action:   ActionActivate,
			severity: engine.DriftLow,
		},
		{
			name:   "provisioning lost response but object exists",
			obs:    Observation{Resource: resource(engine.StateProvisioning, time.Minute), Last: entry(engine.OutcomeUnknown, time.Minute), Backend: backend(engine.PhaseReady)},
			action: ActionActivate,
		},
		{
			name:   "provisioning object failed",
			obs:    Observation{Resource: resource(engine.StateProvisioning, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Backend: &engine.BackendState{Phase: engine.PhaseFailed, Message: "image not found"}},
			action: ActionFail,
		},
		{
			name:   "provisioning still pending",
			obs:    Observation{Resource: resource(engine.StateProvisioning, 10 * time.Minute), Last: entry(engine.OutcomeSubmitted, 10*time.Minute), Backend: backend(engine.PhasePending)},
			action: ActionWait,
		},
		{
			name:   "provisioning timed out",
			obs:    Observation{Resource: resource(engine.StateProvisioning, 2 * time.Hour), Last: entry(engine.OutcomeSubmitted, 2*time.Hour), Backend: backend(engine.PhasePending)},
			action: ActionFail,
			code:   engine.ErrCodeTimeout,
		},
		{
			name:     "provisioning accepted object vanished",
			obs:      Observation{Resource: resource(engine.StateProvisioning, time.Hour), Last: entry(engine.OutcomeSubmitted, time.Hour), Absent: true},
			action:   ActionDrift,
			severity: engine.DriftHigh,
		},
		{
			name:   "provisioning unknown outcome not yet stale",
			obs:    Observation{Resource: resource(engine.StateProvisioning, time.Minute), Last: entry(engine.OutcomeUnknown, time.Minute), Absent: true},
			action: ActionWait,
		},
		{
			name:   "provisioning unknown outcome stale",
			obs:    Observation{Resource: resource(engine.StateProvisioning, 10 * time.Minute), Last: entry(engine.OutcomeUnknown, 10*time.Minute), Absent: true},
			action: ActionRedrive,
		},
		{
			name: "provisioning redrives exhausted",
			obs: func() Observation {
				r := resource(engine.StateProvisioning, 48*time.Hour)
				r.Redrives = 5
				return Observation{Resource: r, Last: entry(engine.OutcomePending, 48*time.Hour), Absent: true}
			}(),
			action: ActionFail,
			code:   engine.ErrCodeRetryExhausted,
		},
		{
			name:   "active in sync",
			obs:    Observation{Resource: resource(engine.StateActive, time.Hour), Backend: backend(engine.PhaseReady)},
			action: ActionObserve,
		},
		{
			name:     "active object missing",
			obs:      Observation{Resource: resource(engine.StateActive, time.Hour), Absent: true},
			action:   ActionDrift,
			severity: engine.DriftHigh,
		},
		{
			name:     "active object failed",
			obs:      Observation{Resource: resource(engine.StateActive, time.Hour), Backend: backend(engine.PhaseFailed)},
			action:   ActionDrift,
			severity: engine.DriftHigh,
		},
		{
			name:     "active object stopped outside the broker",
			obs:      Observation{Resource: resource(engine.StateActive, time.Hour), Backend: backend(engine.PhaseSuspended)},
			action:   ActionObserve,
			severity: engine.DriftLow,
		},
		{
			name: "active end date passed",
			obs: func() Observation {
				r := resource(engine.StateActive, time.Hour)
				r.EndDate = &past
				return Observation{Resource: r, Backend: backend(engine.PhaseReady)}
			}(),
			action: ActionTerminate,
		},
		{
			name: "active end date ahead",
			obs: func() Observation {
				r := resource(engine.StateActive, time.Hour)
				r.EndDate = &future
				return Observation{Resource: r, Backend: backend(engine.PhaseReady)}
			}(),
			action: ActionObserve,
		},
		{
			name:   "updating converged",
			obs:    Observation{Resource: resource(engine.StateUpdating, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Backend: backend(engine.PhaseReady)},
			action: ActionCompleteUpdate,
		},
		{
			name:   "updating still converging",
			obs:    Observation{Resource: resource(engine.StateUpdating, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Backend: backend(engine.PhasePending)},
			action: ActionWait,
		},
		{
			name:   "updating unknown outcome stale",
			obs:    Observation{Resource: resource(engine.StateUpdating, time.Hour), Last: entry(engine.OutcomeUnknown, time.Hour), Backend: backend(engine.PhaseReady)},
			action: ActionRedrive,
		},
		{
			name:     "updating object vanished",
			obs:      Observation{Resource: resource(engine.StateUpdating, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Absent: true},
			action:   ActionDrift,
			severity: engine.DriftHigh,
		},
		{
			name:   "terminating object gone",
			obs:    Observation{Resource: resource(engine.StateTerminating, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Absent: true},
			action: ActionCompleteTermination,
		},
		{
			name:   "terminating deletion in progress",
			obs:    Observation{Resource: resource(engine.StateTerminating, time.Minute), Last: entry(engine.OutcomeSubmitted, time.Minute), Backend: backend(engine.PhaseTerminating)},
			action: ActionWait,
		},
		{
			name:   "terminating destroy outcome unknown",
			obs:    Observation{Resource: resource(engine.StateTerminating, time.Hour), Last: entry(engine.OutcomeUnknown, time.Hour), Backend: backend(engine.PhaseReady)},
			action: ActionRedrive,
		},
		{
			name: "erred transient retries after backoff",
			obs: func() Observation {
				r := resource(engine.StateErred, 10*time.Minute)
				r.ErrorClass = engine.ErrorClassTransient
				return Observation{Resource: r}
			}(),
			action: ActionRetry,
		},
		{
			name: "erred transient inside backoff",
			obs: func() Observation {
				r := resource(engine.StateErred, time.Second)
				r.ErrorClass = engine.ErrorClassThrottled
				return Observation{Resource: r}
			}(),
			action: ActionWait,
		},
		{
			name: "erred budget spent",
			obs: func() Observation {
				r := resource(engine.StateErred, time.Hour)
				r.ErrorClass = engine.ErrorClassTransient
				r.Attempt = 3
				return Observation{Resource: r}
			}(),
			action: ActionFinalize,
		},
		{
			name: "erred permanent waits for an operator",
			obs: func() Observation {
				r := resource(engine.StateErred, time.Hour)
				r.ErrorClass = engine.ErrorClassPermanent
				return Observation{Resource: r}
			}(),
			action: ActionNone,
		},
		{
			name: "erred bound to a backend object",
			obs: func() Observation {
				r := resource(engine.StateErred, time.Hour)
				r.ErrorClass = engine.ErrorClassTransient
				r.BackendID = "b-1"
				return Observation{Resource: r}
			}(),
			action: ActionNone,
		},
		{
			name: "erred bound object past its end date",
			obs: func() Observation {
				r := resource(engine.StateErred, time.Hour)
				r.BackendID = "b-1"
				r.EndDate = &past
				return Observation{Resource: r}
			}(),
			action: ActionTerminate,
		},
		{
			name:   "terminated is left alone",
			obs:    Observation{Resource: resource(engine.StateTerminated, time.Hour)},
			action: ActionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.obs.Now = t0
			d := Decide(tt.obs, DefaultTunables())
			assert.Equal(t, tt.action, d.Action, d.Reason)
			if tt.severity != "" {
				assert.Equal(t, tt.severity, d.Severity)
			}
			if tt.code != "" {
				assert.True(t, engine.HasCode(d.Cause, tt.code), "cause %v", d.Cause)
			}
			if d.Action == ActionFail {
				assert.Error(t, d.Cause)
			}
		})
	}
}

func TestDecidePermanentFailureKeepsBackendMessage(t *testing.T) {
	obs := Observation{
		Resource: resource(engine.StateProvisioning, time.Minute),
		Last:     entry(engine.OutcomeSubmitted, time.Minute),
		Backend:  &engine.BackendState{Phase: engine.PhaseFailed, Message: "image not found"},
		Now:      t0,
	}
	d := Decide(obs, DefaultTunables())
	assert.True(t, engine.IsPermanent(d.Cause))
	assert.Contains(t, d.Cause.Error(), "image not found")
}

func TestRedriveBacksOff(t *testing.T) {
	tun := DefaultTunables()
	assert.Equal(t, 5*time.Minute, tun.redriveDelay(0))
	assert.Equal(t, 20*time.Minute, tun.redriveDelay(2))
	assert.Equal(t, 6*time.Hour, tun.redriveDelay(20))

	r := resource(engine.StateProvisioning, time.Hour)
	r.Redrives = 2
	obs := Observation{Resource: r, Last: entry(engine.OutcomeUnknown, 10*time.Minute), Absent: true, Now: t0}
	assert.Equal(t, ActionWait, Decide(obs, tun).Action)

	obs.Last = entry(engine.OutcomeUnknown, 25*time.Minute)
	assert.Equal(t, ActionRedrive, Decide(obs, tun).Action)
}

func TestRetryDelay(t *testing.T) {
	tun := DefaultTunables()
	assert.Equal(t, time.Minute, tun.retryDelay(1))
	assert.Equal(t, 2*time.Minute, tun.retryDelay(2))
	assert.Equal(t, time.Minute, tun.retryDelay(0))
}

func TestTunablesDefaults(t *testing.T) {
	tun := Tunables{MaxRedrives: 2}.withDefaults()
	assert.Equal(t, 2, tun.MaxRedrives)
	assert.Equal(t, 5*time.Minute, tun.Staleness)
	assert.Equal(t, time.Hour, tun.ProvisioningTimeout)
	assert.Equal(t, 24*time.Hour, tun.StaleAfter)
}
