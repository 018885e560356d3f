package config

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openfroyo/broker/pkg/engine"
)

// DefaultRuleTimeout bounds one allocation rule evaluation.
const DefaultRuleTimeout = 2 * time.Second

// maxRuleSteps caps the Starlark computation steps of one evaluation.
const maxRuleSteps = 1_000_000

// AllocationRules computes quota reservations with per-resource-type
// Starlark rules. A rule sees the order's `attributes` as a dict and must
// assign a dict of dimension to number to the global `allocation`:
//
//	allocation = {
//	    "instances": 1,
//	    "cores": attributes.get("cores", 2),
//	}
type AllocationRules struct {
	timeout time.Duration

	mu    sync.RWMutex
	rules map[string]string
}

// NewAllocationRules creates an empty rule set.
func NewAllocationRules(timeout time.Duration) *AllocationRules {
	if timeout == 0 {
		timeout = DefaultRuleTimeout
	}
	return &AllocationRules{timeout: timeout, rules: make(map[string]string)}
}

// Set parses rule and registers it for resourceType. An empty rule removes it.
func (ar *AllocationRules) Set(resourceType, rule string) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if rule == "" {
		delete(ar.rules, resourceType)
		return nil
	}
	if _, err := syntax.Parse(resourceType+".star", rule, 0); err != nil {
		return fmt.Errorf("invalid allocation rule for %s: %w", resourceType, err)
	}
	ar.rules[resourceType] = rule
	return nil
}

// Configure replaces every rule with the ones declared by the catalog.
func (ar *AllocationRules) Configure(types map[string]ResourceTypeConfig) error {
	next := NewAllocationRules(ar.timeout)
	for rt, t := range types {
		if err := next.Set(rt, t.Allocation); err != nil {
			return err
		}
	}

	ar.mu.Lock()
	ar.rules = next.rules
	ar.mu.Unlock()
	return nil
}

// Has reports whether resourceType has a rule.
func (ar *AllocationRules) Has(resourceType string) bool {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	_, ok := ar.rules[resourceType]
	return ok
}

// ResourceTypes returns the resource types with a rule, sorted.
func (ar *AllocationRules) ResourceTypes() []string {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	out := make([]string, 0, len(ar.rules))
	for rt := range ar.rules {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the rule of resourceType over attrs. ok is false when the
// resource type has no rule and the adapter's computation applies.
func (ar *AllocationRules) Evaluate(ctx context.Context, resourceType string, attrs engine.Attributes) (alloc engine.Allocation, ok bool, err error) {
	ar.mu.RLock()
	rule, found := ar.rules[resourceType]
	ar.mu.RUnlock()
	if !found {
		return nil, false, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, ar.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "allocation:" + resourceType,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxRuleSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	input, err := toStarlarkValue(map[string]interface{}(attrs))
	if err != nil {
		return nil, true, fmt.Errorf("failed to convert attributes: %w", err)
	}

	globals, err := starlark.ExecFile(thread, resourceType+".star", rule, starlark.StringDict{"attributes": input})
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, true, fmt.Errorf("allocation rule for %s timed out after %v", resourceType, ar.timeout)
		}
		return nil, true, fmt.Errorf("allocation rule for %s failed: %w", resourceType, err)
	}

	val, present := globals["allocation"]
	if !present {
		return nil, true, fmt.Errorf("allocation rule for %s does not set allocation", resourceType)
	}
	alloc, err = toAllocation(val)
	if err != nil {
		return nil, true, fmt.Errorf("allocation rule for %s: %w", resourceType, err)
	}
	return alloc, true, nil
}

func toAllocation(v starlark.Value) (engine.Allocation, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("allocation must be a dict, got %s", v.Type())
	}
	out := make(engine.Allocation, dict.Len())
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("allocation keys must be strings, got %s", item[0].Type())
		}
		q, ok := starlark.AsFloat(item[1])
		if !ok {
			return nil, fmt.Errorf("allocation %s must be a number, got %s", string(key), item[1].Type())
		}
		out[engine.Dimension(key)] = q
	}
	return out, nil
}

// toStarlarkValue converts a decoded JSON or YAML value to Starlark.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case engine.Attributes:
		return toStarlarkValue(map[string]interface{}(val))
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
