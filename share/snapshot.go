// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"fmt"
	"math"
	"sort"

	"github.com/absmach/fluxshare/share/storage"
)

// snapshot returns the persisted form of every cached batch in offset order.
func (t *Tracker) snapshot() []storage.BatchSnapshot {
	out := make([]storage.BatchSnapshot, 0, t.batches.Len())
	t.batches.Ascend(func(b *CachedBatch) bool {
		bs := storage.BatchSnapshot{
			BaseOffset: b.baseOffset,
			LastOffset: b.lastOffset,
			Exploded:   b.Exploded(),
			GapOffsets: b.sortedGaps(b.baseOffset, b.lastOffset),
		}
		if !bs.Exploded {
			bs.State = b.batchState.State.ID()
			bs.DeliveryCount = clampCount(b.batchState.DeliveryCount)
			bs.MemberID = b.batchState.MemberID
		} else {
			bs.Offsets = make([]storage.OffsetSnapshot, 0, len(b.offsetState))
			for o := b.baseOffset; o <= b.lastOffset; o++ {
				s := b.offsetState[o]
				bs.Offsets = append(bs.Offsets, storage.OffsetSnapshot{
					Offset:        o,
					State:         s.State.ID(),
					DeliveryCount: clampCount(s.DeliveryCount),
					MemberID:      s.MemberID,
				})
			}
		}
		out = append(out, bs)
		return true
	})
	return out
}

// restoreTracker rebuilds a tracker from persisted batches. The batches must
// be well formed: ordered, non-overlapping, with known states and, when
// exploded, one state for every offset of the range.
func restoreTracker(cfg PartitionConfig, batches []storage.BatchSnapshot) (*Tracker, error) {
	t := NewTracker(cfg)

	sorted := make([]storage.BatchSnapshot, len(batches))
	copy(sorted, batches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BaseOffset < sorted[j].BaseOffset })

	prevLast := int64(math.MinInt64)
	for i, bs := range sorted {
		if bs.BaseOffset > bs.LastOffset || bs.BaseOffset < 0 {
			return nil, fmt.Errorf("%w: batch [%d, %d] is malformed", storage.ErrCorruptSnapshot, bs.BaseOffset, bs.LastOffset)
		}
		if i > 0 && bs.BaseOffset <= prevLast {
			return nil, fmt.Errorf("%w: batch %d overlaps the previous batch", storage.ErrCorruptSnapshot, bs.BaseOffset)
		}
		prevLast = bs.LastOffset

		b, err := restoreBatch(bs)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d: %w", storage.ErrCorruptSnapshot, bs.BaseOffset, err)
		}
		t.insert(b)
	}
	t.countAcquired()
	t.updateNextFetchOffset(math.MinInt64)

	return t, nil
}

func restoreBatch(bs storage.BatchSnapshot) (*CachedBatch, error) {
	b := &CachedBatch{
		baseOffset: bs.BaseOffset,
		lastOffset: bs.LastOffset,
	}
	for _, g := range bs.GapOffsets {
		if g < bs.BaseOffset || g > bs.LastOffset {
			return nil, fmt.Errorf("gap offset %d outside batch", g)
		}
		b.addGap(g)
	}

	if !bs.Exploded {
		state, err := StateForID(bs.State)
		if err != nil {
			return nil, err
		}
		b.batchState = &InFlightState{
			State:         state,
			DeliveryCount: int(bs.DeliveryCount),
			MemberID:      bs.MemberID,
		}
		return b, nil
	}

	size := bs.LastOffset - bs.BaseOffset + 1
	if int64(len(bs.Offsets)) != size {
		return nil, fmt.Errorf("exploded batch holds %d of %d offsets", len(bs.Offsets), size)
	}
	b.offsetState = make(map[int64]*InFlightState, size)
	for _, off := range bs.Offsets {
		if off.Offset < bs.BaseOffset || off.Offset > bs.LastOffset {
			return nil, fmt.Errorf("offset %d outside batch", off.Offset)
		}
		if _, dup := b.offsetState[off.Offset]; dup {
			return nil, fmt.Errorf("offset %d stored twice", off.Offset)
		}
		state, err := StateForID(off.State)
		if err != nil {
			return nil, err
		}
		b.offsetState[off.Offset] = &InFlightState{
			State:         state,
			DeliveryCount: int(off.DeliveryCount),
			MemberID:      off.MemberID,
		}
	}
	return b, nil
}

func clampCount(n int) uint16 {
	if n > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(n)
}
