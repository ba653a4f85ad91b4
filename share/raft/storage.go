// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// ErrKeyNotFound is returned when a key is not found in the stable store.
// raft recognizes a missing key by this exact message.
var ErrKeyNotFound = errors.New("not found")

var (
	_ raft.LogStore    = (*BadgerLogStore)(nil)
	_ raft.StableStore = (*BadgerStableStore)(nil)
)

// BadgerLogStore implements raft.LogStore using BadgerDB.
type BadgerLogStore struct {
	db     *badger.DB
	prefix []byte // "raft:log:{cluster}:"
}

// NewBadgerLogStore creates a log store for the named raft cluster.
func NewBadgerLogStore(db *badger.DB, cluster string) *BadgerLogStore {
	return &BadgerLogStore{
		db:     db,
		prefix: []byte(fmt.Sprintf("raft:log:%s:", cluster)),
	}
}

// FirstIndex returns the index of the first log entry, 0 when empty.
func (b *BadgerLogStore) FirstIndex() (uint64, error) {
	var first uint64

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(b.prefix)
		if !it.ValidForPrefix(b.prefix) {
			return nil
		}
		first = b.decodeKey(it.Item().Key())
		return nil
	})

	return first, err
}

// LastIndex returns the index of the last log entry, 0 when empty.
func (b *BadgerLogStore) LastIndex() (uint64, error) {
	var last uint64

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(b.encodeKey(^uint64(0)))
		if !it.ValidForPrefix(b.prefix) {
			return nil
		}
		last = b.decodeKey(it.Item().Key())
		return nil
	})

	return last, err
}

// GetLog retrieves the log entry at index.
func (b *BadgerLogStore) GetLog(index uint64, log *raft.Log) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.encodeKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return raft.ErrLogNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, log)
		})
	})
}

// StoreLog stores a single log entry.
func (b *BadgerLogStore) StoreLog(log *raft.Log) error {
	return b.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores log entries in one write batch.
func (b *BadgerLogStore) StoreLogs(logs []*raft.Log) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, log := range logs {
		val, err := json.Marshal(log)
		if err != nil {
			return fmt.Errorf("failed to encode raft log %d: %w", log.Index, err)
		}
		if err := wb.Set(b.encodeKey(log.Index), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeleteRange deletes log entries in [min, max].
func (b *BadgerLogStore) DeleteRange(min, max uint64) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for idx := min; idx <= max; idx++ {
		if err := wb.Delete(b.encodeKey(idx)); err != nil {
			return err
		}
		if idx == max {
			break
		}
	}
	return wb.Flush()
}

func (b *BadgerLogStore) encodeKey(index uint64) []byte {
	key := make([]byte, len(b.prefix)+8)
	copy(key, b.prefix)
	binary.BigEndian.PutUint64(key[len(b.prefix):], index)
	return key
}

func (b *BadgerLogStore) decodeKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(b.prefix):])
}

// BadgerStableStore implements raft.StableStore using BadgerDB.
// It holds raft metadata such as the current term and last vote.
type BadgerStableStore struct {
	db     *badger.DB
	prefix []byte // "raft:stable:{cluster}:"
}

// NewBadgerStableStore creates a stable store for the named raft cluster.
func NewBadgerStableStore(db *badger.DB, cluster string) *BadgerStableStore {
	return &BadgerStableStore{
		db:     db,
		prefix: []byte(fmt.Sprintf("raft:stable:%s:", cluster)),
	}
}

// Set stores a key-value pair.
func (b *BadgerStableStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.fullKey(key), val)
	})
}

// Get retrieves a value by key.
func (b *BadgerStableStore) Get(key []byte) ([]byte, error) {
	var val []byte

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.fullKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}

		val, err = item.ValueCopy(nil)
		return err
	})

	return val, err
}

// SetUint64 stores a uint64 value.
func (b *BadgerStableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return b.Set(key, buf)
}

// GetUint64 retrieves a uint64 value.
func (b *BadgerStableStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (b *BadgerStableStore) fullKey(key []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(key))
	full = append(full, b.prefix...)
	return append(full, key...)
}
