// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import "sort"

// InFlightState is the delivery state of a record or of a whole collapsed batch.
type InFlightState struct {
	State         RecordState
	DeliveryCount int
	MemberID      string // Holder while Acquired, last holder once terminal
}

// Equal compares state and delivery count. The member is bookkeeping only.
func (s InFlightState) Equal(other InFlightState) bool {
	return s.State == other.State && s.DeliveryCount == other.DeliveryCount
}

// next returns the state after moving to target on behalf of memberID.
func (s InFlightState) next(target RecordState, memberID string) (InFlightState, error) {
	state, err := s.State.ValidateTransition(target)
	if err != nil {
		return s, err
	}
	n := InFlightState{State: state, DeliveryCount: s.DeliveryCount, MemberID: memberID}
	switch state {
	case Acquired:
		n.DeliveryCount++
	case Available:
		n.MemberID = ""
	}
	return n, nil
}

// CachedBatch tracks one contiguous range of offsets as it was first acquired.
// It is collapsed (one state for the range) until an operation makes part of
// the range diverge; it then holds one state per offset and stays that way.
type CachedBatch struct {
	baseOffset  int64
	lastOffset  int64
	batchState  *InFlightState
	offsetState map[int64]*InFlightState
	gapOffsets  map[int64]struct{}
}

func newCachedBatch(base, last int64, state InFlightState, gaps map[int64]struct{}) *CachedBatch {
	b := &CachedBatch{
		baseOffset: base,
		lastOffset: last,
		batchState: &state,
	}
	for o := range gaps {
		if o >= base && o <= last {
			b.addGap(o)
		}
	}
	return b
}

// BaseOffset returns the first offset of the batch.
func (b *CachedBatch) BaseOffset() int64 { return b.baseOffset }

// LastOffset returns the last offset of the batch, inclusive.
func (b *CachedBatch) LastOffset() int64 { return b.lastOffset }

// Exploded reports whether the batch is tracked per offset.
func (b *CachedBatch) Exploded() bool { return b.batchState == nil }

// BatchState returns the state of a collapsed batch.
func (b *CachedBatch) BatchState() (RecordState, error) {
	if b.Exploded() {
		return 0, ErrBatchExploded
	}
	return b.batchState.State, nil
}

// BatchDeliveryCount returns the delivery count of a collapsed batch.
func (b *CachedBatch) BatchDeliveryCount() (int, error) {
	if b.Exploded() {
		return 0, ErrBatchExploded
	}
	return b.batchState.DeliveryCount, nil
}

// BatchMemberID returns the member of a collapsed batch.
func (b *CachedBatch) BatchMemberID() (string, error) {
	if b.Exploded() {
		return "", ErrBatchExploded
	}
	return b.batchState.MemberID, nil
}

// OffsetState returns a copy of the per offset states, or nil for a collapsed batch.
func (b *CachedBatch) OffsetState() map[int64]InFlightState {
	if !b.Exploded() {
		return nil
	}
	out := make(map[int64]InFlightState, len(b.offsetState))
	for o, s := range b.offsetState {
		out[o] = *s
	}
	return out
}

// GapOffsets returns a copy of the offsets known to hold no record, or nil.
func (b *CachedBatch) GapOffsets() map[int64]struct{} {
	if len(b.gapOffsets) == 0 {
		return nil
	}
	out := make(map[int64]struct{}, len(b.gapOffsets))
	for o := range b.gapOffsets {
		out[o] = struct{}{}
	}
	return out
}

// StateAt returns the effective state of an offset of the batch.
// Gap offsets of a collapsed batch read as Archived.
func (b *CachedBatch) StateAt(offset int64) (InFlightState, bool) {
	if offset < b.baseOffset || offset > b.lastOffset {
		return InFlightState{}, false
	}
	if !b.Exploded() {
		s := *b.batchState
		if b.isGap(offset) {
			s.State = Archived
		}
		return s, true
	}
	return *b.offsetState[offset], true
}

func (b *CachedBatch) isGap(offset int64) bool {
	_, ok := b.gapOffsets[offset]
	return ok
}

func (b *CachedBatch) addGap(offset int64) {
	if b.gapOffsets == nil {
		b.gapOffsets = make(map[int64]struct{})
	}
	b.gapOffsets[offset] = struct{}{}
}

// sortedGaps returns the gap offsets within [from, to] in ascending order.
func (b *CachedBatch) sortedGaps(from, to int64) []int64 {
	var gaps []int64
	for o := range b.gapOffsets {
		if o >= from && o <= to {
			gaps = append(gaps, o)
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps
}

// recordCount returns the number of non-gap offsets within [from, to].
func (b *CachedBatch) recordCount(from, to int64) int {
	return int(to-from+1) - len(b.sortedGaps(from, to))
}

// explode switches the batch to per offset tracking. Gap offsets become Archived.
func (b *CachedBatch) explode() {
	if b.Exploded() {
		return
	}
	b.offsetState = make(map[int64]*InFlightState, b.lastOffset-b.baseOffset+1)
	for o := b.baseOffset; o <= b.lastOffset; o++ {
		s := *b.batchState
		if b.isGap(o) {
			s.State = Archived
		}
		b.offsetState[o] = &s
	}
	b.batchState = nil
}

// firstAvailable returns the lowest non-gap offset in Available state.
func (b *CachedBatch) firstAvailable() (int64, bool) {
	if !b.Exploded() {
		if b.batchState.State != Available {
			return 0, false
		}
		for o := b.baseOffset; o <= b.lastOffset; o++ {
			if !b.isGap(o) {
				return o, true
			}
		}
		return 0, false
	}
	for o := b.baseOffset; o <= b.lastOffset; o++ {
		if !b.isGap(o) && b.offsetState[o].State == Available {
			return o, true
		}
	}
	return 0, false
}

// countState returns the number of non-gap offsets in the given state.
func (b *CachedBatch) countState(state RecordState) int {
	if !b.Exploded() {
		if b.batchState.State != state {
			return 0
		}
		return b.recordCount(b.baseOffset, b.lastOffset)
	}
	n := 0
	for o, s := range b.offsetState {
		if s.State == state && !b.isGap(o) {
			n++
		}
	}
	return n
}

// clone returns a deep copy safe to hand out of the partition lock.
func (b *CachedBatch) clone() *CachedBatch {
	c := &CachedBatch{
		baseOffset: b.baseOffset,
		lastOffset: b.lastOffset,
		gapOffsets: b.GapOffsets(),
	}
	if b.batchState != nil {
		s := *b.batchState
		c.batchState = &s
		return c
	}
	c.offsetState = make(map[int64]*InFlightState, len(b.offsetState))
	for o, s := range b.offsetState {
		cp := *s
		c.offsetState[o] = &cp
	}
	return c
}
