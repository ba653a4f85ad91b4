// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"fmt"
	"math"
)

// RecordBatch is the offset structure of one batch returned by a log read.
type RecordBatch struct {
	BaseOffset int64
	LastOffset int64
	GapOffsets []int64 // Offsets inside the batch with no record (compaction, control records)
}

// AbortedTransaction is passed through from the log read untouched.
type AbortedTransaction struct {
	ProducerID  int64
	FirstOffset int64
}

// FetchPartitionData is the result of a log read for one partition.
// Only Batches is interpreted by the tracker.
type FetchPartitionData struct {
	ErrorCode            int16
	HighWatermark        int64
	LogStartOffset       int64
	Batches              []RecordBatch
	AbortedTransactions  []AbortedTransaction
	PreferredReadReplica int32
}

// AcquiredRange is a run of offsets newly claimed by a member.
type AcquiredRange struct {
	BaseOffset    int64
	LastOffset    int64
	DeliveryCount int
}

// Records returns the number of offsets in the range.
func (r AcquiredRange) Records() int {
	return int(r.LastOffset - r.BaseOffset + 1)
}

// Acquire claims for memberID every offset of the fetched batches that is
// either untracked or Available, up to maxOffset. Offsets held by anyone or
// already settled are skipped, so repeating a fetch is a no-op.
func (t *Tracker) Acquire(memberID string, fetch FetchPartitionData, maxOffset int64) ([]AcquiredRange, error) {
	if memberID == "" {
		return nil, ErrInvalidMember
	}
	if len(fetch.Batches) == 0 {
		return nil, nil
	}
	for _, rb := range fetch.Batches {
		if rb.LastOffset == math.MaxInt64 {
			return nil, fmt.Errorf("%w: fetched batch [%d, %d] ends at the largest offset",
				ErrInvalidArgument, rb.BaseOffset, rb.LastOffset)
		}
	}

	from := t.nextFetchOffset
	a := &acquisition{
		tracker:   t,
		memberID:  memberID,
		remaining: t.acquireBudget(),
	}
	for _, rb := range fetch.Batches {
		if a.remaining == 0 {
			break
		}
		last := min(rb.LastOffset, maxOffset)
		if rb.BaseOffset > last {
			continue
		}
		if err := a.acquireRange(rb.BaseOffset, last, toSet(rb.GapOffsets)); err != nil {
			t.updateNextFetchOffset(from)
			return a.ranges, err
		}
	}
	t.updateNextFetchOffset(from)

	return a.ranges, nil
}

// acquireBudget returns how many records may still be claimed, or -1 for no limit.
func (t *Tracker) acquireBudget() int {
	budget := math.MaxInt
	if t.cfg.MaxInFlightRecords > 0 {
		budget = max(t.cfg.MaxInFlightRecords-t.InFlightCount(), 0)
	}
	if t.cfg.MaxFetchRecords > 0 {
		budget = min(budget, t.cfg.MaxFetchRecords)
	}
	if budget == math.MaxInt {
		return -1
	}
	return budget
}

type acquisition struct {
	tracker   *Tracker
	memberID  string
	remaining int // -1 when unbounded
	ranges    []AcquiredRange
}

func (a *acquisition) acquireRange(base, last int64, gaps map[int64]struct{}) error {
	cursor := base
	for _, b := range a.tracker.overlapping(base, last) {
		if a.remaining == 0 {
			return nil
		}
		if cursor < b.baseOffset {
			a.acquireNew(cursor, b.baseOffset-1, gaps)
		}
		if err := a.acquireExisting(b, max(cursor, b.baseOffset), min(last, b.lastOffset), gaps); err != nil {
			return err
		}
		cursor = b.lastOffset + 1
	}
	if cursor <= last && a.remaining != 0 {
		a.acquireNew(cursor, last, gaps)
	}
	return nil
}

// acquireNew starts tracking [base, last] as a collapsed batch held by the member.
func (a *acquisition) acquireNew(base, last int64, gaps map[int64]struct{}) {
	if a.remaining > 0 {
		last = a.truncate(base, last, gaps)
	}
	b := newCachedBatch(base, last, InFlightState{
		State:         Acquired,
		DeliveryCount: 1,
		MemberID:      a.memberID,
	}, gaps)
	a.tracker.insert(b)
	a.addRuns(b, base, last, 1)
}

// truncate shortens [base, last] so that it holds at most the remaining budget of records.
func (a *acquisition) truncate(base, last int64, gaps map[int64]struct{}) int64 {
	n := 0
	for o := base; o <= last; o++ {
		if _, gap := gaps[o]; gap {
			continue
		}
		n++
		if n == a.remaining {
			return o
		}
	}
	return last
}

// acquireExisting claims the Available offsets of b within [from, to].
// Available offsets the fetch reports as gaps no longer hold a record and are
// recorded as gaps of b instead.
func (a *acquisition) acquireExisting(b *CachedBatch, from, to int64, gaps map[int64]struct{}) error {
	if a.remaining == 0 {
		return nil
	}
	if !b.Exploded() {
		if b.batchState.State != Available {
			return nil
		}
		for o := range gaps {
			if o >= from && o <= to {
				b.addGap(o)
			}
		}
		if b.recordCount(b.baseOffset, b.lastOffset) == 0 {
			return nil
		}
		whole := from == b.baseOffset && to == b.lastOffset
		if whole && a.fits(b.recordCount(from, to)) {
			next, err := b.batchState.next(Acquired, a.memberID)
			if err != nil {
				return fmt.Errorf("acquire batch %d: %w", b.baseOffset, err)
			}
			*b.batchState = next
			a.addRuns(b, from, to, next.DeliveryCount)
			return nil
		}
		b.explode()
	}

	for o := from; o <= to && a.remaining != 0; o++ {
		s := b.offsetState[o]
		if b.isGap(o) || s.State != Available {
			continue
		}
		if _, gap := gaps[o]; gap {
			b.addGap(o)
			s.State = Archived
			continue
		}
		next, err := s.next(Acquired, a.memberID)
		if err != nil {
			return fmt.Errorf("acquire offset %d: %w", o, err)
		}
		*s = next
		a.add(o, o, next.DeliveryCount)
	}
	return nil
}

func (a *acquisition) fits(records int) bool {
	return a.remaining < 0 || records <= a.remaining
}

// addRuns reports [from, to] of b minus its gap offsets.
func (a *acquisition) addRuns(b *CachedBatch, from, to int64, deliveryCount int) {
	start := from
	for _, g := range b.sortedGaps(from, to) {
		if start < g {
			a.add(start, g-1, deliveryCount)
		}
		start = g + 1
	}
	if start <= to {
		a.add(start, to, deliveryCount)
	}
}

// add appends a claimed run, merging it into the previous one when contiguous
// and delivered the same number of times.
func (a *acquisition) add(base, last int64, deliveryCount int) {
	n := int(last - base + 1)
	a.tracker.acquired += n
	if a.remaining > 0 {
		a.remaining -= n
	}
	if n := len(a.ranges); n > 0 {
		prev := &a.ranges[n-1]
		if prev.LastOffset+1 == base && prev.DeliveryCount == deliveryCount {
			prev.LastOffset = last
			return
		}
	}
	a.ranges = append(a.ranges, AcquiredRange{
		BaseOffset:    base,
		LastOffset:    last,
		DeliveryCount: deliveryCount,
	})
}

func toSet(offsets []int64) map[int64]struct{} {
	if len(offsets) == 0 {
		return nil
	}
	set := make(map[int64]struct{}, len(offsets))
	for _, o := range offsets {
		set[o] = struct{}{}
	}
	return set
}
