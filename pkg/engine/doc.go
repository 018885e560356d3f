// Package engine provides the core types, the lifecycle table and the State
// Machine Engine of the resource broker.
//
// # Overview
//
// An order asks the broker to create, change or terminate a resource on a
// backend. The engine drives each resource through a fixed lifecycle:
//
//	""           -> creating
//	creating     -> provisioning | terminated | erred
//	provisioning -> active | terminating | erred
//	active       -> updating | terminating | erred
//	updating     -> active | erred
//	terminating  -> terminated | erred
//	erred        -> provisioning | terminating | erred-terminal
//
// terminated and erred-terminal have no outgoing edges.
//
// # Write-ahead transitions
//
// Every transition is appended to the resource's transition log before its
// backend side effect runs, in the same transaction as a compare-and-set on
// the resource state. The entry starts as pending and is resolved to
// submitted, unknown, succeeded or failed once the adapter answers:
//
//	m := engine.NewStateMachine(store, registry, leaser, engine.DefaultTunables())
//	if err := m.Provision(ctx, resourceID, "worker"); err != nil {
//	    return err
//	}
//
// A backend call that outlives its deadline leaves the entry unknown. Only the
// Reconciler resolves it, by describing the backend object and, if needed,
// re-driving the call with the same attempt tag.
//
// # Concurrency
//
// A resource has at most one writer at a time, enforced by a Leaser. Work is
// spread over a fixed Pool of workers; a task that loses a race is re-run from
// the persisted state.
//
// # Errors
//
// Every failure is an *EngineError carrying a class (transient, throttled,
// conflict, permanent) and a code. Use the Is* predicates rather than
// comparing codes directly.
package engine
