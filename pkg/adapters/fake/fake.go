// Package fake provides a deterministic, scriptable in-memory backend. It is
// used by tests and by `brokerd dev`.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

// Operation names accepted by the scripting methods.
const (
	OpCreate   = "create"
	OpDescribe = "describe"
	OpUpdate   = "update"
	OpDestroy  = "destroy"
	OpPoll     = "poll"
)

type object struct {
	id        string
	tag       engine.AttemptTag
	resource  string
	spec      engine.ResourceSpec
	phase     engine.BackendPhase
	message   string
	hidden    int
	createdAt time.Time
}

// hang describes a call that blocks until its context expires.
type hang struct {
	// commit applies the side effect before blocking, i.e. the response is lost.
	commit bool
}

// Adapter is an in-memory engine.Adapter.
type Adapter struct {
	name string

	mu           sync.Mutex
	objects      map[string]*object
	nextID       int
	createPhase  engine.BackendPhase
	updatePhase  engine.BackendPhase
	deferDeletes bool
	healthy      error
	failures     map[string][]error
	hangs        map[string][]hang
	calls        map[string]int
	usage        map[string][]engine.UsageSample
	allocate     func(engine.Attributes) (engine.Allocation, error)
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates a fake backend registered under name. Created objects are
// ready immediately unless SetCreatePhase says otherwise.
func New(name string) *Adapter {
	if name == "" {
		name = "fake"
	}
	return &Adapter{
		name:        name,
		objects:     make(map[string]*object),
		createPhase: engine.PhaseReady,
		updatePhase: engine.PhaseReady,
		failures:    make(map[string][]error),
		hangs:       make(map[string][]hang),
		calls:       make(map[string]int),
		usage:       make(map[string][]engine.UsageSample),
	}
}

// Type implements engine.Adapter.
func (a *Adapter) Type() string {
	return a.name
}

// SetCreatePhase sets the phase new objects report. PhasePending models an
// asynchronous backend.
func (a *Adapter) SetCreatePhase(phase engine.BackendPhase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createPhase = phase
}

// SetUpdatePhase sets the phase Update reports for running objects.
func (a *Adapter) SetUpdatePhase(phase engine.BackendPhase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updatePhase = phase
}

// SetDeferDeletes makes Destroy leave objects terminating until FinishDeletes.
func (a *Adapter) SetDeferDeletes(deferred bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferDeletes = deferred
}

// FinishDeletes removes every object left terminating by a deferred Destroy.
func (a *Adapter) FinishDeletes() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, obj := range a.objects {
		if obj.phase == engine.PhaseTerminating {
			delete(a.objects, id)
		}
	}
}

// SetHealth makes Health return err.
func (a *Adapter) SetHealth(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = err
}

// SetAllocation overrides how allocations are computed.
func (a *Adapter) SetAllocation(fn func(engine.Attributes) (engine.Allocation, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocate = fn
}

// FailNext makes the next len(errs) calls of op return errs in order,
// without side effects.
func (a *Adapter) FailNext(op string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], errs...)
}

// HangNext makes the next call of op block until its context is done. With
// commit set, the side effect happens first, as when a response is lost.
func (a *Adapter) HangNext(op string, commit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangs[op] = append(a.hangs[op], hang{commit: commit})
}

// HideFor makes describe miss the object for the next n lookups.
func (a *Adapter) HideFor(backendID string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if obj, ok := a.objects[backendID]; ok {
		obj.hidden = n
	}
}

// Remove deletes an object behind the broker's back.
func (a *Adapter) Remove(backendID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, backendID)
}

// SetPhase changes an object's phase, e.g. to finish an asynchronous create.
func (a *Adapter) SetPhase(backendID string, phase engine.BackendPhase, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if obj, ok := a.objects[backendID]; ok {
		obj.phase = phase
		obj.message = message
	}
}

// AddUsage queues samples returned by the next PollUsage of the object.
func (a *Adapter) AddUsage(backendID string, samples ...engine.UsageSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[backendID] = append(a.usage[backendID], samples...)
}

// Calls returns how often op was invoked, including failed calls.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Count returns the number of live objects.
func (a *Adapter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

// ObjectsFor returns the backend IDs created for a resource.
func (a *Adapter) ObjectsFor(resourceID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []string
	for id, obj := range a.objects {
		if obj.resource == resourceID {
			ids = append(ids, id)
		}
	}
	return ids
}

// begin counts the call and pops any scripted failure or hang.
func (a *Adapter) begin(op string) (*hang, error) {
	a.calls[op]++
	if errs := a.failures[op]; len(errs) > 0 {
		a.failures[op] = errs[1:]
		return nil, errs[0]
	}
	if hs := a.hangs[op]; len(hs) > 0 {
		a.hangs[op] = hs[1:]
		h := hs[0]
		return &h, nil
	}
	return nil, nil
}

func block(ctx context.Context, op string) error {
	<-ctx.Done()
	return fmt.Errorf("fake %s: %w", op, ctx.Err())
}

// Create implements engine.Adapter. An object already carrying spec.Tag is
// adopted instead of creating a second one.
func (a *Adapter) Create(ctx context.Context, spec engine.ResourceSpec) (*engine.BackendHandle, *engine.BackendState, error) {
	a.mu.Lock()
	h, err := a.begin(OpCreate)
	if err != nil {
		a.mu.Unlock()
		return nil, nil, err
	}
	if h != nil && !h.commit {
		a.mu.Unlock()
		return nil, nil, block(ctx, OpCreate)
	}

	obj := a.findLocked(engine.BackendHandle{Tag: spec.Tag}, false)
	if obj == nil {
		a.nextID++
		obj = &object{
			id:        fmt.Sprintf("%s-%d", a.name, a.nextID),
			tag:       spec.Tag,
			resource:  spec.ResourceID,
			spec:      spec,
			phase:     a.createPhase,
			createdAt: time.Now().UTC(),
		}
		a.objects[obj.id] = obj
	}
	state := obj.state()
	a.mu.Unlock()

	if h != nil {
		return nil, nil, block(ctx, OpCreate)
	}
	return &engine.BackendHandle{ResourceID: spec.ResourceID, BackendID: obj.id, Tag: spec.Tag}, state, nil
}

// Describe implements engine.Adapter.
func (a *Adapter) Describe(ctx context.Context, handle engine.BackendHandle) (*engine.BackendState, error) {
	a.mu.Lock()
	h, err := a.begin(OpDescribe)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if h != nil {
		a.mu.Unlock()
		return nil, block(ctx, OpDescribe)
	}
	defer a.mu.Unlock()

	obj := a.findLocked(handle, true)
	if obj == nil {
		return nil, engine.NewNotFoundError("fake object", describeKey(handle))
	}
	return obj.state(), nil
}

// Update implements engine.Adapter.
func (a *Adapter) Update(ctx context.Context, handle engine.BackendHandle, spec engine.ResourceSpec) (*engine.BackendState, error) {
	a.mu.Lock()
	h, err := a.begin(OpUpdate)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if h != nil && !h.commit {
		a.mu.Unlock()
		return nil, block(ctx, OpUpdate)
	}

	obj := a.findLocked(handle, false)
	if obj == nil {
		a.mu.Unlock()
		return nil, engine.NewNotFoundError("fake object", describeKey(handle))
	}
	obj.spec.Attributes = spec.Attributes
	obj.spec.Suspended = spec.Suspended
	if spec.Suspended {
		obj.phase = engine.PhaseSuspended
	} else {
		obj.phase = a.updatePhase
	}
	state := obj.state()
	a.mu.Unlock()

	if h != nil {
		return nil, block(ctx, OpUpdate)
	}
	return state, nil
}

// Destroy implements engine.Adapter. Destroying an absent object succeeds.
func (a *Adapter) Destroy(ctx context.Context, handle engine.BackendHandle) error {
	a.mu.Lock()
	h, err := a.begin(OpDestroy)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if h != nil && !h.commit {
		a.mu.Unlock()
		return block(ctx, OpDestroy)
	}

	if obj := a.findLocked(handle, false); obj != nil {
		if a.deferDeletes {
			obj.phase = engine.PhaseTerminating
		} else {
			delete(a.objects, obj.id)
		}
	}
	a.mu.Unlock()

	if h != nil {
		return block(ctx, OpDestroy)
	}
	return nil
}

// PollUsage implements engine.Adapter. It drains the samples queued by AddUsage.
func (a *Adapter) PollUsage(ctx context.Context, handle engine.BackendHandle) ([]engine.UsageSample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.begin(OpPoll); err != nil {
		return nil, err
	}
	samples := a.usage[handle.BackendID]
	delete(a.usage, handle.BackendID)
	return samples, nil
}

// Allocation implements engine.Adapter. By default every object reserves one
// instance plus its "cores" and "ram_gb" attributes.
func (a *Adapter) Allocation(attrs engine.Attributes) (engine.Allocation, error) {
	a.mu.Lock()
	fn := a.allocate
	a.mu.Unlock()
	if fn != nil {
		return fn(attrs)
	}

	alloc := engine.Allocation{engine.DimensionInstances: 1}
	if v, ok := attrs.Float("cores"); ok {
		if v < 0 {
			return nil, engine.NewInvalidRequestError("cores must not be negative", nil)
		}
		alloc[engine.DimensionCores] = v
	}
	if v, ok := attrs.Float("ram_gb"); ok {
		if v < 0 {
			return nil, engine.NewInvalidRequestError("ram_gb must not be negative", nil)
		}
		alloc[engine.DimensionRAMGB] = v
	}
	return alloc, nil
}

// Health implements engine.Adapter.
func (a *Adapter) Health(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.healthy != nil {
		return engine.NewTransientError("fake backend unhealthy", a.healthy)
	}
	return nil
}

// findLocked looks an object up by backend ID, then by tag, then by resource.
// Hidden objects are skipped when countHidden is set, consuming one miss.
func (a *Adapter) findLocked(handle engine.BackendHandle, countHidden bool) *object {
	var found *object
	if handle.BackendID != "" {
		found = a.objects[handle.BackendID]
	} else {
		for _, obj := range a.objects {
			if (handle.Tag != "" && obj.tag == handle.Tag) ||
				(handle.Tag == "" && handle.ResourceID != "" && obj.resource == handle.ResourceID) {
				found = obj
				break
			}
		}
	}
	if found != nil && countHidden && found.hidden > 0 {
		found.hidden--
		return nil
	}
	return found
}

func (o *object) state() *engine.BackendState {
	props := map[string]string{"tag": string(o.tag), "created_at": o.createdAt.Format(time.RFC3339)}
	for k, v := range o.spec.Attributes {
		props[k] = fmt.Sprint(v)
	}
	return &engine.BackendState{
		BackendID:  o.id,
		Phase:      o.phase,
		Status:     string(o.phase),
		Message:    o.message,
		Properties: props,
		ObservedAt: time.Now().UTC(),
	}
}

func describeKey(h engine.BackendHandle) string {
	switch {
	case h.BackendID != "":
		return h.BackendID
	case h.Tag != "":
		return string(h.Tag)
	default:
		return h.ResourceID
	}
}
