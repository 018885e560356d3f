package engine

import (
	"fmt"
	"sort"
)

// transitions is the resource lifecycle table. Any edge not listed is rejected.
var transitions = map[ResourceState][]ResourceState{
	StateNone:         {StateCreating},
	StateCreating:     {StateProvisioning, StateTerminated, StateErred},
	StateProvisioning: {StateActive, StateTerminating, StateErred},
	StateActive:       {StateUpdating, StateTerminating, StateErred},
	StateUpdating:     {StateActive, StateErred},
	StateTerminating:  {StateTerminated, StateErred},
	StateErred:        {StateProvisioning, StateTerminating, StateErredTerminal},
}

// CanTransition reports whether from -> to is an edge of the lifecycle table.
func CanTransition(from, to ResourceState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates returns the states reachable from s in one step, sorted.
func NextStates(s ResourceState) []ResourceState {
	next := append([]ResourceState(nil), transitions[s]...)
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// ValidateTransition returns an error if from -> to is not allowed for the resource.
func ValidateTransition(resourceID string, from, to ResourceState) error {
	if !CanTransition(from, to) {
		return NewInvalidTransitionError(resourceID, from, to)
	}
	return nil
}

// ValidatePath checks that a resource's log is a contiguous walk through the
// lifecycle table starting at genesis, with strictly increasing sequence numbers.
func ValidatePath(entries []*TransitionEntry) error {
	prev := StateNone
	var prevSeq int64
	for i, e := range entries {
		if e.Seq <= prevSeq {
			return fmt.Errorf("entry %d: sequence %d does not follow %d", i, e.Seq, prevSeq)
		}
		if e.From != prev {
			return fmt.Errorf("entry %d (seq %d): starts at %q but resource was %q",
				i, e.Seq, displayState(e.From), displayState(prev))
		}
		if !CanTransition(e.From, e.To) {
			return fmt.Errorf("entry %d (seq %d): %q -> %q is not allowed",
				i, e.Seq, displayState(e.From), e.To)
		}
		prev = e.To
		prevSeq = e.Seq
	}
	return nil
}
