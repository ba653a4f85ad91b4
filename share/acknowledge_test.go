// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcknowledgeSingleRecordBatch(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	assert.Equal(t, []AcquiredRange{acquired(0, 0, 1)}, mustAcquire(t, tr, member1, batch(0, 0)))
	assert.Equal(t, int64(1), tr.NextFetchOffset())

	summary := mustAck(t, tr, member1, ack(0, 0, AcknowledgeAccept))
	assert.Equal(t, AckSummary{Acknowledged: 1, Settled: 1}, summary)
	assert.Equal(t, 1, summary.Records())

	assert.Equal(t, int64(1), tr.NextFetchOffset())
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, Acknowledged, batchState(t, tr, 0))
	b, _ := tr.Batch(0)
	count, err := b.BatchDeliveryCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Nil(t, b.OffsetState())
}

func TestAcknowledgeMultipleRecordBatch(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(5, 14))
	summary := mustAck(t, tr, member1, ack(5, 14, AcknowledgeAccept))
	assert.Equal(t, 10, summary.Acknowledged)

	assert.Equal(t, int64(15), tr.NextFetchOffset())
	assert.Equal(t, Acknowledged, batchState(t, tr, 5))
	assert.Equal(t, 0, tr.InFlightCount())
}

func TestAcknowledgeMultipleRecordBatchWithGapOffsets(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	assert.Equal(t, []AcquiredRange{acquired(5, 6, 1)}, mustAcquire(t, tr, member1, batch(5, 6)))
	assert.Equal(t, int64(7), tr.NextFetchOffset())
	// Untracked hole 7-9. The log did not report 15-17 as gaps when fetched.
	assert.Equal(t, []AcquiredRange{acquired(10, 18, 1)}, mustAcquire(t, tr, member1, batch(10, 18)))
	assert.Equal(t, int64(19), tr.NextFetchOffset())

	summary := mustAck(t, tr, member1, ack(5, 18, AcknowledgeAccept, 15, 16, 17))
	assert.Equal(t, AckSummary{Acknowledged: 8, Gaps: 3, Settled: 11}, summary)

	assert.Equal(t, int64(19), tr.NextFetchOffset())
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, Acknowledged, batchState(t, tr, 5))
	assert.Equal(t, Acknowledged, batchState(t, tr, 10))

	b5, _ := tr.Batch(5)
	b10, _ := tr.Batch(10)
	assert.Nil(t, b5.OffsetState())
	assert.Nil(t, b10.OffsetState())
	assert.Nil(t, b5.GapOffsets())
	assert.Equal(t, map[int64]struct{}{15: {}, 16: {}, 17: {}}, b10.GapOffsets())

	s, ok := b10.StateAt(16)
	require.True(t, ok)
	assert.Equal(t, Archived, s.State)
}

func TestAcknowledgeSubsetWithGapOffsets(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(5, 6))
	mustAcquire(t, tr, member1, batch(10, 20))
	assert.Equal(t, int64(21), tr.NextFetchOffset())

	// Gap 19 lies beyond the acknowledged range and is ignored.
	mustAck(t, tr, member1, ack(6, 18, AcknowledgeAccept, 12, 13, 15, 17, 19))

	assert.Equal(t, int64(21), tr.NextFetchOffset())
	assert.Equal(t, 2, tr.Len())

	assert.Equal(t, states(
		5, Acquired, 1,
		6, Acknowledged, 1,
	), offsetStates(t, tr, 5))
	assert.Equal(t, states(
		10, Acknowledged, 1,
		11, Acknowledged, 1,
		12, Archived, 1,
		13, Archived, 1,
		14, Acknowledged, 1,
		15, Archived, 1,
		16, Acknowledged, 1,
		17, Archived, 1,
		18, Acknowledged, 1,
		19, Acquired, 1,
		20, Acquired, 1,
	), offsetStates(t, tr, 10))

	b5, _ := tr.Batch(5)
	b10, _ := tr.Batch(10)
	assert.Nil(t, b5.GapOffsets())
	assert.Equal(t, map[int64]struct{}{12: {}, 13: {}, 15: {}, 17: {}}, b10.GapOffsets())
	assert.Equal(t, 3, tr.InFlightCount())
}

func TestAcknowledgeOutOfRange(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{ack(0, 15, AcknowledgeReject)})
	assert.ErrorIs(t, err, ErrInvalidAcknowledgement)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)

	mustAcquire(t, tr, member1, batch(5, 9))
	assert.Equal(t, 1, tr.Len())

	for _, ab := range []AcknowledgementBatch{
		ack(20, 25, AcknowledgeReject),
		ack(3, 7, AcknowledgeAccept),
		ack(8, 12, AcknowledgeAccept),
	} {
		_, err := tr.Acknowledge(member1, []AcknowledgementBatch{ab})
		assert.ErrorIs(t, err, ErrOffsetOutOfRange)

		var ackErr *AckError
		require.True(t, errors.As(err, &ackErr))
		assert.Equal(t, int64(-1), ackErr.Offset)
		assert.Equal(t, ab.BaseOffset, ackErr.BaseOffset)
	}
	assert.Equal(t, Acquired, batchState(t, tr, 5))
}

func TestAcknowledgeAcrossUntrackedHole(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(0, 4))
	mustAcquire(t, tr, member1, batch(10, 14))

	summary := mustAck(t, tr, member1, ack(0, 14, AcknowledgeAccept))
	assert.Equal(t, 10, summary.Acknowledged)
	assert.Equal(t, Acknowledged, batchState(t, tr, 0))
	assert.Equal(t, Acknowledged, batchState(t, tr, 10))
	assert.Equal(t, int64(15), tr.NextFetchOffset())
}

func TestAcknowledgeWithAnotherMember(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(5, 9))

	_, err := tr.Acknowledge(member2, []AcknowledgementBatch{ack(5, 9, AcknowledgeReject)})
	assert.ErrorIs(t, err, ErrInvalidAcknowledgement)
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)

	var ackErr *AckError
	require.True(t, errors.As(err, &ackErr))
	assert.Equal(t, 0, ackErr.Index)
	assert.Equal(t, int64(5), ackErr.Offset)
	assert.Equal(t, Acquired, batchState(t, tr, 5))
}

func TestAcknowledgeWhenOffsetNotAcquired(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(5, 9))
	mustAck(t, tr, member1, ack(5, 9, AcknowledgeRelease))
	assert.Equal(t, Available, batchState(t, tr, 5))

	// Released records can no longer be accepted.
	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{ack(5, 9, AcknowledgeAccept)})
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)

	assert.Equal(t, []AcquiredRange{acquired(5, 9, 2)}, mustAcquire(t, tr, member1, batch(5, 9)))

	summary := mustAck(t, tr, member1, ack(6, 8, AcknowledgeReject))
	assert.Equal(t, 3, summary.Archived)

	// Already settled.
	_, err = tr.Acknowledge(member1, []AcknowledgementBatch{ack(6, 8, AcknowledgeReject)})
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)
}

func TestAcknowledgeRollbackWithFullBatchError(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(5, 9))
	mustAcquire(t, tr, member1, batch(10, 14))
	mustAcquire(t, tr, member1, batch(15, 19))
	assert.Equal(t, 3, tr.Len())

	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{
		ack(5, 9, AcknowledgeRelease),
		ack(10, 14, AcknowledgeAccept),
		ack(15, 19, AcknowledgeAccept),
		ack(15, 19, AcknowledgeAccept),
	})
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)

	var ackErr *AckError
	require.True(t, errors.As(err, &ackErr))
	assert.Equal(t, 3, ackErr.Index)
	assert.Equal(t, int64(15), ackErr.Offset)

	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, Acquired, batchState(t, tr, 5))
	assert.Equal(t, Acquired, batchState(t, tr, 10))
	assert.Equal(t, Acquired, batchState(t, tr, 15))
	assert.Equal(t, int64(20), tr.NextFetchOffset())
	assert.Equal(t, 15, tr.InFlightCount())
}

func TestAcknowledgeRollbackWithSubsetError(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(5, 9))
	mustAcquire(t, tr, member1, batch(10, 14))
	mustAcquire(t, tr, member1, batch(15, 19))

	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{
		ack(5, 9, AcknowledgeRelease),
		ack(10, 14, AcknowledgeAccept),
		ack(15, 19, AcknowledgeAccept),
		ack(16, 19, AcknowledgeAccept),
	})
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)

	var ackErr *AckError
	require.True(t, errors.As(err, &ackErr))
	assert.Equal(t, 3, ackErr.Index)
	assert.Equal(t, int64(16), ackErr.Offset)

	assert.Equal(t, Acquired, batchState(t, tr, 5))
	assert.Equal(t, Acquired, batchState(t, tr, 10))
	// A partial revisit must not leave batch 15 exploded.
	assert.Equal(t, Acquired, batchState(t, tr, 15))
}

func TestAcknowledgeRollbackKeepsExplodedState(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(0, 9))
	mustAck(t, tr, member1, ack(0, 1, AcknowledgeAccept))
	before := offsetStates(t, tr, 0)

	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{
		ack(2, 5, AcknowledgeReject),
		ack(6, 9, AcknowledgeRelease, 7),
		ack(9, 9, AcknowledgeAccept),
	})
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)
	assert.Equal(t, before, offsetStates(t, tr, 0))

	b, _ := tr.Batch(0)
	assert.Nil(t, b.GapOffsets())
	assert.Equal(t, 8, tr.InFlightCount())
}

func TestAcknowledgeInvalidBatch(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 9))

	for _, ab := range []AcknowledgementBatch{
		ack(5, 4, AcknowledgeAccept),
		ack(-1, 4, AcknowledgeAccept),
		ack(0, 4, AcknowledgeType(0)),
		ack(0, 4, AcknowledgeType(7)),
	} {
		_, err := tr.Acknowledge(member1, []AcknowledgementBatch{ack(0, 0, AcknowledgeAccept), ab})
		assert.ErrorIs(t, err, ErrInvalidAckBatch)

		var ackErr *AckError
		require.True(t, errors.As(err, &ackErr))
		assert.Equal(t, 1, ackErr.Index)
		assert.Equal(t, int64(-1), ackErr.Offset)
	}
	assert.Equal(t, Acquired, batchState(t, tr, 0))

	_, err := tr.Acknowledge("", []AcknowledgementBatch{ack(0, 0, AcknowledgeAccept)})
	assert.ErrorIs(t, err, ErrInvalidMember)
}

func TestAcknowledgeEmptyRequest(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 4))

	summary := mustAck(t, tr, member1)
	assert.Equal(t, AckSummary{}, summary)
	assert.Equal(t, Acquired, batchState(t, tr, 0))
}

func TestAcknowledgeMixedTypesExplode(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 9))

	summary := mustAck(t, tr, member1,
		ack(0, 4, AcknowledgeAccept),
		ack(5, 9, AcknowledgeReject),
	)
	assert.Equal(t, AckSummary{Acknowledged: 5, Archived: 5, Settled: 10}, summary)

	got := offsetStates(t, tr, 0)
	assert.Equal(t, Acknowledged, got[4].State)
	assert.Equal(t, Archived, got[5].State)
	assert.Equal(t, int64(10), tr.NextFetchOffset())
}

func TestAcknowledgeReleaseKeepsBatchCollapsed(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(10, 14))

	summary := mustAck(t, tr, member1, ack(10, 14, AcknowledgeRelease))
	assert.Equal(t, 5, summary.Released)

	assert.Equal(t, Available, batchState(t, tr, 10))
	b, _ := tr.Batch(10)
	member, err := b.BatchMemberID()
	require.NoError(t, err)
	assert.Empty(t, member)
	count, err := b.BatchDeliveryCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(10), tr.NextFetchOffset())
}

func TestAcknowledgeGapOnSettledOffset(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 4))
	mustAck(t, tr, member1, ack(0, 0, AcknowledgeAccept))

	// Offset 0 is already settled; declaring it a gap leaves it as it is.
	summary := mustAck(t, tr, member1, ack(0, 4, AcknowledgeAccept, 0))
	assert.Equal(t, AckSummary{Acknowledged: 4, Settled: 4}, summary)

	got := offsetStates(t, tr, 0)
	assert.Equal(t, Acknowledged, got[0].State)
	b, _ := tr.Batch(0)
	assert.Nil(t, b.GapOffsets())
}

func TestAcknowledgeGapOnAvailableOffset(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 4))
	mustAck(t, tr, member1, ack(0, 4, AcknowledgeRelease))

	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{ack(2, 4, AcknowledgeAccept, 2, 3, 4)})
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)
	assert.Equal(t, int64(2), ackErr.Offset)

	assert.Equal(t, Available, batchState(t, tr, 0))
	b, _ := tr.Batch(0)
	assert.Nil(t, b.GapOffsets())
	assert.Equal(t, int64(0), tr.NextFetchOffset())
}

func TestAcknowledgeGapOnOtherMemberOffset(t *testing.T) {
	tr := NewTracker(PartitionConfig{})
	mustAcquire(t, tr, member1, batch(0, 4))
	mustAcquire(t, tr, member2, batch(5, 9))

	_, err := tr.Acknowledge(member1, []AcknowledgementBatch{ack(2, 7, AcknowledgeAccept, 2, 3, 4, 5, 6, 7)})
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.ErrorIs(t, err, ErrNotAcquiredByMember)
	assert.Equal(t, int64(5), ackErr.Offset)

	// Nothing was applied, not even the gaps member1 was entitled to.
	assert.Equal(t, Acquired, batchState(t, tr, 0))
	assert.Equal(t, Acquired, batchState(t, tr, 5))
	b5, _ := tr.Batch(5)
	member, err := b5.BatchMemberID()
	require.NoError(t, err)
	assert.Equal(t, member2, member)
	assert.Equal(t, 10, tr.InFlightCount())
}

func TestAcknowledgeMaxDeliveryCount(t *testing.T) {
	tr := NewTracker(PartitionConfig{MaxDeliveryCount: 2})

	mustAcquire(t, tr, member1, batch(0, 4))
	summary := mustAck(t, tr, member1, ack(0, 4, AcknowledgeRelease))
	assert.Equal(t, 5, summary.Released)

	assert.Equal(t, []AcquiredRange{acquired(0, 4, 2)}, mustAcquire(t, tr, member2, batch(0, 4)))

	// Second delivery reached the limit: releasing archives instead.
	summary = mustAck(t, tr, member2, ack(0, 4, AcknowledgeRelease))
	assert.Equal(t, AckSummary{Archived: 5, Settled: 5}, summary)
	assert.Equal(t, Archived, batchState(t, tr, 0))
	assert.Equal(t, int64(5), tr.NextFetchOffset())

	assert.Empty(t, mustAcquire(t, tr, member1, batch(0, 4)))
}

func TestReleaseMember(t *testing.T) {
	tr := NewTracker(PartitionConfig{})

	mustAcquire(t, tr, member1, batch(0, 4))
	mustAcquire(t, tr, member2, batch(5, 9))
	mustAcquire(t, tr, member1, batch(10, 14))
	mustAck(t, tr, member1, ack(10, 11, AcknowledgeAccept))

	summary, err := tr.ReleaseMember(member1)
	require.NoError(t, err)
	assert.Equal(t, AckSummary{Released: 8, Settled: 8}, summary)

	assert.Equal(t, Available, batchState(t, tr, 0))
	assert.Equal(t, Acquired, batchState(t, tr, 5))
	assert.Equal(t, states(
		10, Acknowledged, 1,
		11, Acknowledged, 1,
		12, Available, 1,
		13, Available, 1,
		14, Available, 1,
	), offsetStates(t, tr, 10))
	assert.Equal(t, int64(0), tr.NextFetchOffset())
	assert.Equal(t, 5, tr.InFlightCount())

	// Nothing left to release.
	summary, err = tr.ReleaseMember(member1)
	require.NoError(t, err)
	assert.Equal(t, AckSummary{}, summary)

	_, err = tr.ReleaseMember("")
	assert.ErrorIs(t, err, ErrInvalidMember)
}

func TestReleaseMemberMaxDeliveryCount(t *testing.T) {
	tr := NewTracker(PartitionConfig{MaxDeliveryCount: 1})

	mustAcquire(t, tr, member1, batch(0, 4))
	summary, err := tr.ReleaseMember(member1)
	require.NoError(t, err)
	assert.Equal(t, AckSummary{Archived: 5, Settled: 5}, summary)
	assert.Equal(t, Archived, batchState(t, tr, 0))
}

func TestAcknowledgeTypeString(t *testing.T) {
	assert.Equal(t, "accept", AcknowledgeAccept.String())
	assert.Equal(t, "release", AcknowledgeRelease.String())
	assert.Equal(t, "reject", AcknowledgeReject.String())
	assert.Equal(t, "unknown", AcknowledgeType(0).String())
}
