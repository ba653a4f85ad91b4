// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"math"

	"github.com/google/btree"
)

// NoMaxOffset disables the upper offset bound of an acquire call.
const NoMaxOffset int64 = math.MaxInt64

const btreeDegree = 32

// PartitionConfig holds the delivery policy of a share partition.
type PartitionConfig struct {
	// StartOffset is the next fetch offset of a partition that tracks nothing yet.
	StartOffset int64
	// MaxDeliveryCount archives a released record instead of making it available
	// again once it has been delivered this many times. Zero disables the limit.
	MaxDeliveryCount int
	// MaxInFlightRecords bounds the number of Acquired records. Zero disables the limit.
	MaxInFlightRecords int
	// MaxFetchRecords bounds the records claimed by one acquire call. Zero disables the limit.
	MaxFetchRecords int
}

// Tracker is the in-flight state of one share partition: the cached batches
// ordered by base offset plus the derived next fetch offset.
// It is not safe for concurrent use; Partition serializes access to it.
type Tracker struct {
	cfg             PartitionConfig
	batches         *btree.BTreeG[*CachedBatch]
	nextFetchOffset int64
	acquired        int // Acquired non-gap offsets across all batches
}

// NewTracker creates an empty tracker.
func NewTracker(cfg PartitionConfig) *Tracker {
	return &Tracker{
		cfg:             cfg,
		batches:         btree.NewG[*CachedBatch](btreeDegree, lessBatch),
		nextFetchOffset: cfg.StartOffset,
	}
}

func lessBatch(a, b *CachedBatch) bool {
	return a.baseOffset < b.baseOffset
}

func pivot(offset int64) *CachedBatch {
	return &CachedBatch{baseOffset: offset}
}

// NextFetchOffset returns the offset the next log read should start from.
func (t *Tracker) NextFetchOffset() int64 {
	return t.nextFetchOffset
}

// Len returns the number of cached batches.
func (t *Tracker) Len() int {
	return t.batches.Len()
}

// Batch returns the cached batch starting at base.
func (t *Tracker) Batch(base int64) (*CachedBatch, bool) {
	return t.batches.Get(pivot(base))
}

// CachedState returns the cached batches keyed by base offset. The batches are
// live; callers outside the partition lock must use Partition.CachedState.
func (t *Tracker) CachedState() map[int64]*CachedBatch {
	out := make(map[int64]*CachedBatch, t.batches.Len())
	t.batches.Ascend(func(b *CachedBatch) bool {
		out[b.baseOffset] = b
		return true
	})
	return out
}

// InFlightCount returns the number of records currently Acquired.
func (t *Tracker) InFlightCount() int {
	return t.acquired
}

// countAcquired recomputes the in-flight count from the batches.
func (t *Tracker) countAcquired() {
	n := 0
	t.batches.Ascend(func(b *CachedBatch) bool {
		n += b.countState(Acquired)
		return true
	})
	t.acquired = n
}

// floor returns the batch with the greatest base offset not above offset.
func (t *Tracker) floor(offset int64) *CachedBatch {
	var found *CachedBatch
	t.batches.DescendLessOrEqual(pivot(offset), func(b *CachedBatch) bool {
		found = b
		return false
	})
	return found
}

// overlapping returns, in ascending order, the batches sharing an offset with [base, last].
func (t *Tracker) overlapping(base, last int64) []*CachedBatch {
	var out []*CachedBatch
	if f := t.floor(base); f != nil && f.lastOffset >= base {
		out = append(out, f)
	}
	if base == math.MaxInt64 {
		return out
	}
	t.batches.AscendGreaterOrEqual(pivot(base+1), func(b *CachedBatch) bool {
		if b.baseOffset > last {
			return false
		}
		out = append(out, b)
		return true
	})
	return out
}

func (t *Tracker) insert(b *CachedBatch) {
	t.batches.ReplaceOrInsert(b)
}

// updateNextFetchOffset pins the cursor to the first Available record, or moves
// it past the highest tracked offset when there is none. No offset below from
// may be Available; the scan starts there.
func (t *Tracker) updateNextFetchOffset(from int64) {
	next, found := int64(0), false
	visit := func(b *CachedBatch) bool {
		next, found = b.firstAvailable()
		return !found
	}
	if f := t.floor(from); f != nil && f.baseOffset < from {
		visit(f)
	}
	if !found {
		t.batches.AscendGreaterOrEqual(pivot(from), visit)
	}
	if found {
		t.nextFetchOffset = next
		return
	}
	if last, ok := t.batches.Max(); ok {
		t.nextFetchOffset = last.lastOffset + 1
		return
	}
	t.nextFetchOffset = t.cfg.StartOffset
}
