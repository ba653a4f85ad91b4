// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound        = errors.New("snapshot not found")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	ErrClosed          = errors.New("state store is closed")
)

// PartitionKey identifies one share partition: a share group consuming one topic partition.
type PartitionKey struct {
	GroupID   string
	Topic     string
	Partition int32
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.GroupID, k.Topic, k.Partition)
}

// OffsetSnapshot is the persisted state of one offset of an exploded batch.
type OffsetSnapshot struct {
	Offset        int64
	State         byte
	DeliveryCount uint16
	MemberID      string
}

// BatchSnapshot is the persisted form of a cached batch.
// State, DeliveryCount and MemberID are only meaningful when Exploded is false.
type BatchSnapshot struct {
	BaseOffset    int64
	LastOffset    int64
	State         byte
	DeliveryCount uint16
	MemberID      string
	Exploded      bool
	Offsets       []OffsetSnapshot
	GapOffsets    []int64
}

// PartitionSnapshot is the full in-flight state of a share partition.
type PartitionSnapshot struct {
	GroupID     string
	Topic       string
	Partition   int32
	StartOffset int64
	Generation  string // Identifies the checkpoint that produced the snapshot
	Batches     []BatchSnapshot
}

// Key returns the partition the snapshot belongs to.
func (s *PartitionSnapshot) Key() PartitionKey {
	return PartitionKey{GroupID: s.GroupID, Topic: s.Topic, Partition: s.Partition}
}

// StateStore persists partition snapshots.
type StateStore interface {
	// Save stores the snapshot, replacing any previous one for the same partition.
	Save(ctx context.Context, snap *PartitionSnapshot) error

	// Load returns the latest snapshot of the partition or ErrNotFound.
	Load(ctx context.Context, key PartitionKey) (*PartitionSnapshot, error)

	// Delete removes the snapshot of the partition. Missing snapshots are not an error.
	Delete(ctx context.Context, key PartitionKey) error

	// List returns the keys of all stored snapshots.
	List(ctx context.Context) ([]PartitionKey, error)

	// Close releases the store.
	Close() error
}

// AppendKey appends the binary form of k to dst. Keys of the same group and
// topic sort by partition.
func AppendKey(dst []byte, k PartitionKey) []byte {
	w := &bufferWriter{buf: dst}
	w.WriteString(k.GroupID)
	w.WriteString(k.Topic)
	w.WriteUint32(uint32(k.Partition))
	return w.Bytes()
}

// ParseKey decodes a key written by AppendKey.
func ParseKey(data []byte) (PartitionKey, error) {
	r := newBufferReader(data)

	var k PartitionKey
	var err error
	if k.GroupID, err = r.ReadString(); err != nil {
		return k, fmt.Errorf("invalid partition key: %w", err)
	}
	if k.Topic, err = r.ReadString(); err != nil {
		return k, fmt.Errorf("invalid partition key: %w", err)
	}
	p, err := r.ReadUint32()
	if err != nil {
		return k, fmt.Errorf("invalid partition key: %w", err)
	}
	if r.Remaining() != 0 {
		return k, fmt.Errorf("invalid partition key: %d trailing bytes", r.Remaining())
	}
	k.Partition = int32(p)
	return k, nil
}
