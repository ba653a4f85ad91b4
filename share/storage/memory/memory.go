// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxshare/share/storage"
)

var _ storage.StateStore = (*Store)(nil)

// Store keeps encoded partition snapshots in memory. Snapshots go through the
// same codec as the persistent stores, so callers never share state with it.
type Store struct {
	mu          sync.RWMutex
	data        map[storage.PartitionKey][]byte
	compression storage.Compression
	closed      bool
}

// New creates an empty in-memory state store.
func New(compression storage.Compression) *Store {
	return &Store{
		data:        make(map[storage.PartitionKey][]byte),
		compression: compression,
	}
}

// Save stores the snapshot.
func (s *Store) Save(ctx context.Context, snap *storage.PartitionSnapshot) error {
	data, err := storage.Encode(snap, s.compression)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.data[snap.Key()] = data
	return nil
}

// Load returns the latest snapshot of the partition.
func (s *Store) Load(ctx context.Context, key storage.PartitionKey) (*storage.PartitionSnapshot, error) {
	s.mu.RLock()
	data, ok := s.data[key]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, storage.ErrClosed
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.Decode(data)
}

// Delete removes the snapshot of the partition.
func (s *Store) Delete(ctx context.Context, key storage.PartitionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.data, key)
	return nil
}

// List returns the stored keys ordered by group, topic and partition.
func (s *Store) List(ctx context.Context) ([]storage.PartitionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	keys := make([]storage.PartitionKey, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.Partition < b.Partition
	})
	return keys, nil
}

// Close drops all snapshots.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil
	return nil
}
