// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxshare/share"
	"github.com/absmach/fluxshare/share/storage"
	"github.com/hashicorp/raft"
)

// OpType represents the type of operation in the Raft log.
type OpType uint8

const (
	OpAcquire OpType = iota
	OpAcknowledge
	OpReleaseMember
)

func (t OpType) String() string {
	switch t {
	case OpAcquire:
		return "acquire"
	case OpAcknowledge:
		return "acknowledge"
	case OpReleaseMember:
		return "release_member"
	default:
		return "unknown"
	}
}

// Operation is a share partition operation replicated via Raft.
type Operation struct {
	Type      OpType             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Key       share.PartitionKey `json:"key"`
	MemberID  string             `json:"member_id"`

	// For OpAcquire
	Fetch     *share.FetchPartitionData `json:"fetch,omitempty"`
	MaxOffset int64                     `json:"max_offset,omitempty"`

	// For OpAcknowledge
	Acks []share.AcknowledgementBatch `json:"acks,omitempty"`
}

// ApplyResult holds the result of an FSM apply operation.
type ApplyResult struct {
	Acquired []share.AcquiredRange // For OpAcquire
	Summary  share.AckSummary      // For OpAcknowledge and OpReleaseMember
	Error    error
}

// Service is the share state the FSM applies committed operations to.
// *share.Manager implements it.
type Service interface {
	Acquire(ctx context.Context, key share.PartitionKey, memberID string, fetch share.FetchPartitionData, maxOffset int64) ([]share.AcquiredRange, error)
	Acknowledge(ctx context.Context, key share.PartitionKey, memberID string, batches []share.AcknowledgementBatch) (share.AckSummary, error)
	ReleaseMember(ctx context.Context, key share.PartitionKey, memberID string) (share.AckSummary, error)
	Snapshots(generation string) []*storage.PartitionSnapshot
	Restore(snaps []*storage.PartitionSnapshot) error
}

var (
	_ raft.FSM         = (*FSM)(nil)
	_ raft.FSMSnapshot = (*Snapshot)(nil)
	_ Service          = (*share.Manager)(nil)
)

// FSM implements the Raft FSM for share partitions. Every replica applies
// the same operations in log order, so their in-flight state converges.
type FSM struct {
	svc         Service
	compression storage.Compression
	lastIndex   atomic.Uint64
	logger      *slog.Logger
}

// NewFSM creates an FSM applying operations to svc. Snapshots are encoded
// with the given compression.
func NewFSM(svc Service, compression storage.Compression, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		svc:         svc,
		compression: compression,
		logger:      logger,
	}
}

// Apply applies a committed Raft log entry.
func (f *FSM) Apply(l *raft.Log) interface{} {
	f.lastIndex.Store(l.Index)

	var op Operation
	if err := json.Unmarshal(l.Data, &op); err != nil {
		f.logger.Error("failed to unmarshal operation",
			slog.String("error", err.Error()))
		return &ApplyResult{Error: err}
	}

	ctx := context.Background()

	switch op.Type {
	case OpAcquire:
		if op.Fetch == nil {
			return &ApplyResult{Error: fmt.Errorf("%w: acquire without fetch data", share.ErrInvalidArgument)}
		}
		ranges, err := f.svc.Acquire(ctx, op.Key, op.MemberID, *op.Fetch, op.MaxOffset)
		return &ApplyResult{Acquired: ranges, Error: err}
	case OpAcknowledge:
		summary, err := f.svc.Acknowledge(ctx, op.Key, op.MemberID, op.Acks)
		return &ApplyResult{Summary: summary, Error: err}
	case OpReleaseMember:
		summary, err := f.svc.ReleaseMember(ctx, op.Key, op.MemberID)
		return &ApplyResult{Summary: summary, Error: err}
	default:
		err := fmt.Errorf("unknown operation type: %d", op.Type)
		f.logger.Error("unknown operation",
			slog.String("partition", op.Key.String()),
			slog.Int("op_type", int(op.Type)))
		return &ApplyResult{Error: err}
	}
}

// Snapshot captures every partition. It runs on the FSM goroutine, so no
// Apply interleaves with it.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	generation := strconv.FormatUint(f.lastIndex.Load(), 10)
	snaps := f.svc.Snapshots(generation)

	partitions := make([][]byte, 0, len(snaps))
	for _, snap := range snaps {
		data, err := storage.Encode(snap, f.compression)
		if err != nil {
			return nil, fmt.Errorf("failed to encode partition %s: %w", snap.Key(), err)
		}
		partitions = append(partitions, data)
	}

	f.logger.Info("created snapshot",
		slog.String("generation", generation),
		slog.Int("partition_count", len(partitions)))

	return &Snapshot{partitions: partitions, logger: f.logger}, nil
}

// Restore replaces all partitions with the snapshot content.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data SnapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		f.logger.Error("failed to decode snapshot",
			slog.String("error", err.Error()))
		return err
	}

	snaps := make([]*storage.PartitionSnapshot, 0, len(data.Partitions))
	for _, raw := range data.Partitions {
		snap, err := storage.Decode(raw)
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
	}

	if err := f.svc.Restore(snaps); err != nil {
		f.logger.Error("failed to restore partitions",
			slog.String("error", err.Error()))
		return err
	}

	f.logger.Info("restored snapshot",
		slog.Int("partition_count", len(snaps)))

	return nil
}

// SnapshotData is the serialized form of an FSM snapshot. Each partition
// is held in the state store encoding.
type SnapshotData struct {
	Partitions [][]byte  `json:"partitions"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot implements raft.FSMSnapshot.
type Snapshot struct {
	partitions [][]byte
	logger     *slog.Logger
}

// Persist writes the snapshot to the given sink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	data := SnapshotData{
		Partitions: s.partitions,
		Timestamp:  time.Now(),
	}

	if err := json.NewEncoder(sink).Encode(data); err != nil {
		sink.Cancel()
		s.logger.Error("failed to encode snapshot",
			slog.String("error", err.Error()))
		return err
	}

	if err := sink.Close(); err != nil {
		s.logger.Error("failed to close snapshot sink",
			slog.String("error", err.Error()))
		return err
	}

	s.logger.Info("persisted snapshot",
		slog.Int("partition_count", len(s.partitions)))

	return nil
}

// Release is a no-op; the snapshot holds only encoded bytes.
func (s *Snapshot) Release() {}
