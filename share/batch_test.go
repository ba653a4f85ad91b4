// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedBatchCollapsed(t *testing.T) {
	b := newCachedBatch(10, 14, InFlightState{State: Acquired, DeliveryCount: 2, MemberID: member1},
		map[int64]struct{}{12: {}, 30: {}})

	assert.Equal(t, int64(10), b.BaseOffset())
	assert.Equal(t, int64(14), b.LastOffset())
	assert.False(t, b.Exploded())

	state, err := b.BatchState()
	require.NoError(t, err)
	assert.Equal(t, Acquired, state)
	count, err := b.BatchDeliveryCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	member, err := b.BatchMemberID()
	require.NoError(t, err)
	assert.Equal(t, member1, member)

	// Gaps outside the range are dropped.
	assert.Equal(t, map[int64]struct{}{12: {}}, b.GapOffsets())
	assert.Nil(t, b.OffsetState())

	s, ok := b.StateAt(12)
	require.True(t, ok)
	assert.Equal(t, Archived, s.State)
	s, ok = b.StateAt(13)
	require.True(t, ok)
	assert.Equal(t, Acquired, s.State)
	_, ok = b.StateAt(15)
	assert.False(t, ok)

	assert.Equal(t, 4, b.countState(Acquired))
	assert.Equal(t, 0, b.countState(Available))
}

func TestCachedBatchExplode(t *testing.T) {
	b := newCachedBatch(0, 3, InFlightState{State: Available, DeliveryCount: 1}, map[int64]struct{}{0: {}})

	first, ok := b.firstAvailable()
	require.True(t, ok)
	assert.Equal(t, int64(1), first)

	b.explode()
	require.True(t, b.Exploded())
	b.explode()

	_, err := b.BatchState()
	assert.ErrorIs(t, err, ErrBatchExploded)
	_, err = b.BatchDeliveryCount()
	assert.ErrorIs(t, err, ErrBatchExploded)
	_, err = b.BatchMemberID()
	assert.ErrorIs(t, err, ErrBatchExploded)

	assert.Equal(t, map[int64]InFlightState{
		0: {State: Archived, DeliveryCount: 1},
		1: {State: Available, DeliveryCount: 1},
		2: {State: Available, DeliveryCount: 1},
		3: {State: Available, DeliveryCount: 1},
	}, b.OffsetState())
	assert.Equal(t, 3, b.countState(Available))

	// OffsetState hands out a copy.
	b.OffsetState()[1] = InFlightState{State: Acquired}
	s, _ := b.StateAt(1)
	assert.Equal(t, Available, s.State)

	c := b.clone()
	*c.offsetState[2] = InFlightState{State: Acknowledged}
	s, _ = b.StateAt(2)
	assert.Equal(t, Available, s.State)
}

func TestTrackerNextFetchOffset(t *testing.T) {
	tr := NewTracker(PartitionConfig{StartOffset: 40})
	assert.Equal(t, int64(40), tr.NextFetchOffset())

	mustAcquire(t, tr, member1, batch(40, 49), batch(50, 59))
	assert.Equal(t, int64(60), tr.NextFetchOffset())
	assert.Equal(t, 20, tr.InFlightCount())

	// A released record pins the cursor to itself.
	mustAck(t, tr, member1, ack(52, 52, AcknowledgeRelease))
	assert.Equal(t, int64(52), tr.NextFetchOffset())

	mustAck(t, tr, member1, ack(40, 49, AcknowledgeAccept))
	assert.Equal(t, int64(52), tr.NextFetchOffset())
	assert.Equal(t, 9, tr.InFlightCount())

	mustAcquire(t, tr, member2, batch(50, 59))
	assert.Equal(t, int64(60), tr.NextFetchOffset())
	assert.Equal(t, 10, tr.InFlightCount())
}

func TestTrackerOverlapping(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 9), batch(20, 29), batch(30, 30))

	bases := func(bs []*CachedBatch) []int64 {
		var out []int64
		for _, b := range bs {
			out = append(out, b.baseOffset)
		}
		return out
	}

	assert.Equal(t, []int64{0}, bases(tr.overlapping(5, 15)))
	assert.Equal(t, []int64{0, 20}, bases(tr.overlapping(9, 20)))
	assert.Equal(t, []int64{20, 30}, bases(tr.overlapping(25, NoMaxOffset)))
	assert.Empty(t, tr.overlapping(10, 19))
	assert.Empty(t, tr.overlapping(31, 40))

	state := tr.CachedState()
	assert.Len(t, state, 3)
	assert.Contains(t, state, int64(30))
}
