// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import "fmt"

// RecordState is the delivery state of a single record in a share partition.
// The numeric value is the stable identifier used in snapshots.
type RecordState uint8

const (
	Available    RecordState = 0 // Record may be handed to a fetcher
	Acquired     RecordState = 1 // Record is held by exactly one member
	Acknowledged RecordState = 2 // Record was processed (terminal)
	Archived     RecordState = 3 // Record was rejected or is a gap (terminal)
)

// transitions lists the legal targets of every state. Terminal states have none.
var transitions = [...][]RecordState{
	Available:    {Acquired},
	Acquired:     {Available, Acknowledged, Archived},
	Acknowledged: nil,
	Archived:     nil,
}

// StateForID decodes a persisted state identifier.
func StateForID(id byte) (RecordState, error) {
	s := RecordState(id)
	if !s.valid() {
		return 0, fmt.Errorf("%w: unknown record state id %d", ErrInvalidArgument, id)
	}
	return s, nil
}

// ID returns the stable identifier of the state.
func (s RecordState) ID() byte {
	return byte(s)
}

// IsTerminal reports whether no further transition is possible.
func (s RecordState) IsTerminal() bool {
	return s == Acknowledged || s == Archived
}

// ValidateTransition checks that moving from s to target is allowed and returns target.
func (s RecordState) ValidateTransition(target RecordState) (RecordState, error) {
	if !target.valid() {
		return s, fmt.Errorf("%w: transition target %d is not a record state", ErrInvalidArgument, uint8(target))
	}
	if s.valid() {
		for _, allowed := range transitions[s] {
			if allowed == target {
				return target, nil
			}
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, target)
}

func (s RecordState) valid() bool {
	return s <= Archived
}

func (s RecordState) String() string {
	switch s {
	case Available:
		return "available"
	case Acquired:
		return "acquired"
	case Acknowledged:
		return "acknowledged"
	case Archived:
		return "archived"
	default:
		return "unknown"
	}
}
