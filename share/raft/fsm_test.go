// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/absmach/fluxshare/share"
	"github.com/absmach/fluxshare/share/storage"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = share.PartitionKey{GroupID: "group-1", Topic: "orders", Partition: 2}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *bufferSink) ID() string { return "test" }

func (s *bufferSink) Cancel() error {
	s.cancelled = true
	return nil
}

func (s *bufferSink) Close() error {
	s.closed = true
	return nil
}

func newTestFSM(t *testing.T) (*FSM, *share.Manager) {
	t.Helper()
	m := share.NewManager(share.PartitionConfig{MaxDeliveryCount: 5})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return NewFSM(m, storage.CompressionS2, nil), m
}

func applyOp(t *testing.T, f *FSM, index uint64, op Operation) *ApplyResult {
	t.Helper()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	res, ok := f.Apply(&raft.Log{Index: index, Type: raft.LogCommand, Data: data}).(*ApplyResult)
	require.True(t, ok)
	return res
}

func fetchOf(base, last int64) *share.FetchPartitionData {
	return &share.FetchPartitionData{Batches: []share.RecordBatch{{BaseOffset: base, LastOffset: last}}}
}

func TestFSMApply(t *testing.T) {
	f, m := newTestFSM(t)

	res := applyOp(t, f, 1, Operation{Type: OpAcquire, Key: testKey, MemberID: "member-1", Fetch: fetchOf(0, 9), MaxOffset: share.NoMaxOffset})
	require.NoError(t, res.Error)
	assert.Equal(t, []share.AcquiredRange{{BaseOffset: 0, LastOffset: 9, DeliveryCount: 1}}, res.Acquired)

	res = applyOp(t, f, 2, Operation{Type: OpAcknowledge, Key: testKey, MemberID: "member-1", Acks: []share.AcknowledgementBatch{
		{BaseOffset: 0, LastOffset: 4, AckType: share.AcknowledgeAccept},
	}})
	require.NoError(t, res.Error)
	assert.Equal(t, 5, res.Summary.Acknowledged)

	res = applyOp(t, f, 3, Operation{Type: OpReleaseMember, Key: testKey, MemberID: "member-1"})
	require.NoError(t, res.Error)
	assert.Equal(t, 5, res.Summary.Released)

	p, err := m.Partition(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.NextFetchOffset())
	assert.Equal(t, 0, p.InFlightCount())
}

func TestFSMApplyErrors(t *testing.T) {
	f, _ := newTestFSM(t)

	res, ok := f.Apply(&raft.Log{Index: 1, Data: []byte("{not json")}).(*ApplyResult)
	require.True(t, ok)
	assert.Error(t, res.Error)

	res = applyOp(t, f, 2, Operation{Type: OpType(99), Key: testKey})
	assert.Error(t, res.Error)

	res = applyOp(t, f, 3, Operation{Type: OpAcquire, Key: testKey, MemberID: "member-1"})
	assert.ErrorIs(t, res.Error, share.ErrInvalidArgument)

	res = applyOp(t, f, 4, Operation{Type: OpAcknowledge, Key: testKey, MemberID: "member-1", Acks: []share.AcknowledgementBatch{
		{BaseOffset: 0, LastOffset: 0, AckType: share.AcknowledgeAccept},
	}})
	assert.ErrorIs(t, res.Error, share.ErrOffsetOutOfRange)
}

func TestFSMSnapshotRestore(t *testing.T) {
	f, _ := newTestFSM(t)

	res := applyOp(t, f, 1, Operation{Type: OpAcquire, Key: testKey, MemberID: "member-1", Fetch: fetchOf(10, 19), MaxOffset: share.NoMaxOffset})
	require.NoError(t, res.Error)
	res = applyOp(t, f, 2, Operation{Type: OpAcknowledge, Key: testKey, MemberID: "member-1", Acks: []share.AcknowledgementBatch{
		{BaseOffset: 10, LastOffset: 12, AckType: share.AcknowledgeReject},
	}})
	require.NoError(t, res.Error)

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)
	assert.False(t, sink.cancelled)

	restored, m2 := newTestFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	p, err := m2.Partition(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.NextFetchOffset())
	assert.Equal(t, 7, p.InFlightCount())

	snaps := m2.Snapshots("check")
	require.Len(t, snaps, 1)
	assert.Equal(t, testKey, snaps[0].Key())
}

func TestFSMSnapshotGeneration(t *testing.T) {
	f, _ := newTestFSM(t)
	applyOp(t, f, 41, Operation{Type: OpAcquire, Key: testKey, MemberID: "member-1", Fetch: fetchOf(0, 0), MaxOffset: share.NoMaxOffset})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	s := snap.(*Snapshot)
	require.Len(t, s.partitions, 1)

	decoded, err := storage.Decode(s.partitions[0])
	require.NoError(t, err)
	assert.Equal(t, "41", decoded.Generation)
}

func TestFSMRestoreCorrupt(t *testing.T) {
	f, _ := newTestFSM(t)

	data, err := json.Marshal(SnapshotData{Partitions: [][]byte{[]byte("garbage")}})
	require.NoError(t, err)

	err = f.Restore(io.NopCloser(bytes.NewReader(data)))
	assert.ErrorIs(t, err, storage.ErrCorruptSnapshot)
}
