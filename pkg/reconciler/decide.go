package reconciler

import (
	"fmt"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

// Action is what a reconcile pass does about one resource.
type Action string

// Actions returned by Decide.
const (
	ActionNone                Action = "none"
	ActionWait                Action = "wait"
	ActionUnreachable         Action = "unreachable"
	ActionObserve             Action = "observe"
	ActionProvision           Action = "provision"
	ActionActivate            Action = "activate"
	ActionFail                Action = "fail"
	ActionRedrive             Action = "redrive"
	ActionDrift               Action = "drift"
	ActionCompleteUpdate      Action = "complete-update"
	ActionCompleteTermination Action = "complete-termination"
	ActionRetry               Action = "retry"
	ActionFinalize            Action = "finalize"
	ActionTerminate           Action = "terminate"
)

// Observation is everything Decide looks at for one resource.
type Observation struct {
	Resource *engine.Resource

	// Order is the resource's create order.
	Order *engine.Order

	// Last is the resource's latest transition log entry.
	Last *engine.TransitionEntry

	// Backend is the described backend object; nil when absent or not described.
	Backend *engine.BackendState

	// Described is set when the adapter was asked.
	Described bool

	// Absent is set when describe reported the object missing.
	Absent bool

	// Unreachable holds the describe error when the backend could not answer.
	Unreachable error

	Now time.Time
}

// Decision is the outcome of Decide.
type Decision struct {
	Action   Action
	Severity engine.DriftSeverity
	Reason   string

	// Cause is recorded on the resource for ActionFail and ActionDrift.
	Cause error
}

// needsDescribe reports whether Decide needs the backend's view of r.
func needsDescribe(r *engine.Resource) bool {
	switch r.State {
	case engine.StateProvisioning, engine.StateActive, engine.StateUpdating, engine.StateTerminating:
		return true
	default:
		return false
	}
}

// Decide applies the reconciliation table. It never mutates anything and
// never moves a resource backwards.
func Decide(obs Observation, t Tunables) Decision {
	t = t.withDefaults()
	r := obs.Resource

	if obs.Unreachable != nil {
		return Decision{Action: ActionUnreachable, Reason: obs.Unreachable.Error()}
	}

	switch r.State {
	case engine.StateCreating:
		return decideCreating(obs, t)
	case engine.StateProvisioning:
		return decideProvisioning(obs, t)
	case engine.StateActive:
		return decideActive(obs)
	case engine.StateUpdating:
		return decideUpdating(obs, t)
	case engine.StateTerminating:
		return decideTerminating(obs, t)
	case engine.StateErred:
		return decideErred(obs, t)
	default:
		return Decision{Action: ActionNone}
	}
}

func decideCreating(obs Observation, t Tunables) Decision {
	if obs.Order == nil || obs.Order.Status != engine.OrderStatusExecuting {
		return Decision{Action: ActionNone, Reason: "awaiting approval"}
	}
	if obs.Now.Sub(obs.Resource.StateChangedAt) < t.Staleness {
		return Decision{Action: ActionWait}
	}
	return Decision{Action: ActionProvision, Reason: "approved order was never picked up"}
}

func decideProvisioning(obs Observation, t Tunables) Decision {
	r := obs.Resource
	if obs.Absent {
		switch {
		case obs.Last == nil:
			return Decision{Action: ActionWait}
		case obs.Last.Outcome == engine.OutcomeSubmitted:
			return drift(engine.DriftHigh, "backend accepted the create but the object is gone")
		case obs.Last.Outcome.IsInFlight():
			return redrive(obs, t, "create")
		default:
			return Decision{Action: ActionWait}
		}
	}

	switch obs.Backend.Phase {
	case engine.PhaseReady, engine.PhaseSuspended:
		return Decision{
			Action:   ActionActivate,
			Severity: engine.DriftLow,
			Reason:   "backend object is ready",
		}
	case engine.PhaseFailed:
		msg := obs.Backend.Message
		if msg == "" {
			msg = "backend reported the object as failed: " + obs.Backend.Status
		}
		return Decision{Action: ActionFail, Reason: msg, Cause: engine.NewPermanentError(msg, nil).WithResource(r.ID)}
	default:
		if obs.Now.Sub(r.StateChangedAt) > t.ProvisioningTimeout {
			msg := fmt.Sprintf("backend object not ready after %s", t.ProvisioningTimeout)
			return Decision{Action: ActionFail, Reason: msg, Cause: engine.NewTransientError(msg, nil).
				WithCode(engine.ErrCodeTimeout).WithResource(r.ID)}
		}
		return Decision{Action: ActionWait, Reason: "backend object still " + string(obs.Backend.Phase)}
	}
}

func decideActive(obs Observation) Decision {
	r := obs.Resource
	if r.EndDate != nil && !obs.Now.Before(*r.EndDate) {
		return Decision{Action: ActionTerminate, Reason: "end date reached"}
	}
	if obs.Absent {
		return drift(engine.DriftHigh, "active resource has no backend object")
	}
	switch obs.Backend.Phase {
	case engine.PhaseFailed:
		return drift(engine.DriftHigh, "backend object failed: "+obs.Backend.Message)
	case engine.PhaseReady:
		if r.Suspended {
			return Decision{Action: ActionObserve, Severity: engine.DriftLow, Reason: "backend object running while suspended"}
		}
	case engine.PhaseSuspended:
		if !r.Suspended {
			return Decision{Action: ActionObserve, Severity: engine.DriftLow, Reason: "backend object suspended outside the broker"}
		}
	}
	return Decision{Action: ActionObserve}
}

func decideUpdating(obs Observation, t Tunables) Decision {
	if obs.Absent {
		return drift(engine.DriftHigh, "backend object disappeared during update")
	}
	if obs.Backend.Phase == engine.PhaseFailed {
		msg := obs.Backend.Message
		if msg == "" {
			msg = "backend object failed during update"
		}
		return Decision{Action: ActionFail, Reason: msg, Cause: engine.NewPermanentError(msg, nil).WithResource(obs.Resource.ID)}
	}
	if obs.Last == nil {
		return Decision{Action: ActionWait}
	}
	switch obs.Last.Outcome {
	case engine.OutcomeSubmitted:
		if obs.Backend.Phase == engine.PhaseReady || obs.Backend.Phase == engine.PhaseSuspended {
			return Decision{Action: ActionCompleteUpdate, Reason: "backend converged"}
		}
		return Decision{Action: ActionWait}
	case engine.OutcomePending, engine.OutcomeUnknown:
		return redrive(obs, t, "update")
	default:
		return Decision{Action: ActionWait}
	}
}

func decideTerminating(obs Observation, t Tunables) Decision {
	if obs.Absent {
		return Decision{Action: ActionCompleteTermination, Reason: "backend object is gone"}
	}
	if obs.Last != nil && (obs.Last.Outcome == engine.OutcomePending || obs.Last.Outcome == engine.OutcomeUnknown) {
		return redrive(obs, t, "destroy")
	}
	return Decision{Action: ActionWait, Reason: "awaiting backend deletion"}
}

func decideErred(obs Observation, t Tunables) Decision {
	r := obs.Resource
	if r.BackendID != "" {
		if r.EndDate != nil && !obs.Now.Before(*r.EndDate) {
			return Decision{Action: ActionTerminate, Reason: "end date reached"}
		}
		return Decision{Action: ActionNone, Reason: "bound to a backend object; needs an operator"}
	}
	if r.ErrorClass != engine.ErrorClassTransient && r.ErrorClass != engine.ErrorClassThrottled {
		return Decision{Action: ActionNone, Reason: "failure is not retryable"}
	}
	if r.Attempt >= t.RetryBudget {
		return Decision{
			Action: ActionFinalize,
			Reason: fmt.Sprintf("retry budget of %d attempts exhausted: %s", t.RetryBudget, r.ErrorMessage),
		}
	}
	if obs.Now.Sub(r.StateChangedAt) < t.retryDelay(r.Attempt) {
		return Decision{Action: ActionWait}
	}
	return Decision{Action: ActionRetry, Reason: fmt.Sprintf("attempt %d of %d", r.Attempt+1, t.RetryBudget)}
}

// redrive re-attempts a stale in-flight entry with the same tag, backing off
// exponentially with every re-drive.
func redrive(obs Observation, t Tunables, op string) Decision {
	r := obs.Resource
	if obs.Now.Sub(obs.Last.CreatedAt) < t.redriveDelay(r.Redrives) {
		return Decision{Action: ActionWait, Reason: op + " in flight"}
	}
	if r.Redrives >= t.MaxRedrives {
		msg := fmt.Sprintf("%s re-driven %d times without effect", op, r.Redrives)
		return Decision{Action: ActionFail, Reason: msg, Cause: engine.NewTransientError(msg, nil).
			WithCode(engine.ErrCodeRetryExhausted).WithResource(r.ID)}
	}
	return Decision{Action: ActionRedrive, Reason: fmt.Sprintf("stale %s entry %d (%s)", op, obs.Last.Seq, obs.Last.Outcome)}
}

func drift(severity engine.DriftSeverity, msg string) Decision {
	return Decision{Action: ActionDrift, Severity: severity, Reason: msg}
}
