// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxshare/share/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.StateStore = (*Store)(nil)

var snapshotPrefix = []byte("share:snapshot:")

// Store persists partition snapshots in BadgerDB.
type Store struct {
	db          *badger.DB
	ownsDB      bool
	compression storage.Compression

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string // Directory for BadgerDB data
	Compression storage.Compression
	GCInterval  time.Duration // Value log GC period, 0 uses 5 minutes
}

// New opens a BadgerDB database in cfg.Dir and returns a store owning it.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := NewWithDB(db, cfg.Compression)
	s.ownsDB = true
	s.gcStopCh = make(chan struct{})
	s.gcDone = make(chan struct{})

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go s.runGC(interval)

	return s, nil
}

// NewWithDB returns a store on a database owned by the caller.
func NewWithDB(db *badger.DB, compression storage.Compression) *Store {
	return &Store{
		db:          db,
		compression: compression,
	}
}

// Save stores the snapshot, replacing the previous one.
func (s *Store) Save(ctx context.Context, snap *storage.PartitionSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.Encode(snap, s.compression)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.Key()), data)
	})
}

// Load returns the latest snapshot of the partition.
func (s *Store) Load(ctx context.Context, key storage.PartitionKey) (*storage.PartitionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return storage.Decode(data)
}

// Delete removes the snapshot of the partition.
func (s *Store) Delete(ctx context.Context, key storage.PartitionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(key))
	})
}

// List returns the keys of all stored snapshots.
func (s *Store) List(ctx context.Context) ([]storage.PartitionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []storage.PartitionKey
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = snapshotPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(snapshotPrefix); it.ValidForPrefix(snapshotPrefix); it.Next() {
			k, err := storage.ParseKey(it.Item().Key()[len(snapshotPrefix):])
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// Close stops the value log GC and closes the database when the store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if !s.ownsDB {
		return nil
	}

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func snapshotKey(k storage.PartitionKey) []byte {
	key := make([]byte, 0, len(snapshotPrefix)+len(k.GroupID)+len(k.Topic)+8)
	key = append(key, snapshotPrefix...)
	return storage.AppendKey(key, k)
}
