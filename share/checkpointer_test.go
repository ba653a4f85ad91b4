// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxshare/share/storage"
	"github.com/absmach/fluxshare/share/storage/memory"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

type flakyStore struct {
	*memory.Store

	mu    sync.Mutex
	fail  bool
	saves int
}

func (s *flakyStore) Save(ctx context.Context, snap *storage.PartitionSnapshot) error {
	s.mu.Lock()
	s.saves++
	fail := s.fail
	s.mu.Unlock()

	if fail {
		return errDiskFull
	}
	return s.Store.Save(ctx, snap)
}

func (s *flakyStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func newCheckpointerFixture(t *testing.T, cfg CheckpointConfig) (*Checkpointer, *flakyStore, *Partition, *fakeMetrics) {
	t.Helper()

	p := NewPartition(testKey, PartitionConfig{}, nil)
	_, err := p.Acquire(member1, fetchOf(batch(0, 9)), NoMaxOffset)
	require.NoError(t, err)

	store := &flakyStore{Store: memory.New(storage.CompressionNone)}
	metrics := &fakeMetrics{}
	lookup := func(key PartitionKey) (*Partition, bool) {
		if key == testKey {
			return p, true
		}
		return nil, false
	}
	return NewCheckpointer(store, lookup, cfg, metrics, nil), store, p, metrics
}

func TestCheckpointerFlush(t *testing.T) {
	c, store, _, metrics := newCheckpointerFixture(t, DefaultCheckpointConfig())
	ctx := context.Background()

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, store.saves)

	c.Notify(testKey)
	c.Notify(testKey)
	assert.Equal(t, 1, c.Pending())

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, 1, metrics.checkpoints)

	snap, err := store.Load(ctx, testKey)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Generation)
	require.Len(t, snap.Batches, 1)
}

func TestCheckpointerKeepsFailedKeysDirty(t *testing.T) {
	c, store, _, metrics := newCheckpointerFixture(t, DefaultCheckpointConfig())
	ctx := context.Background()

	store.setFail(true)
	c.Notify(testKey)

	err := c.Flush(ctx)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, 1, metrics.checkpointErrors)

	store.setFail(false)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Pending())

	_, err = store.Load(ctx, testKey)
	assert.NoError(t, err)
}

func TestCheckpointerBreakerOpens(t *testing.T) {
	c, store, _, _ := newCheckpointerFixture(t, CheckpointConfig{FailureThreshold: 2})
	ctx := context.Background()

	store.setFail(true)
	for i := 0; i < 2; i++ {
		c.Notify(testKey)
		assert.ErrorIs(t, c.Flush(ctx), errDiskFull)
	}

	// The breaker is open: the store is not called.
	err := c.Flush(ctx)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, 1, c.Pending())
}

func TestCheckpointerSkipsClosedPartitions(t *testing.T) {
	c, store, _, _ := newCheckpointerFixture(t, DefaultCheckpointConfig())

	c.Notify(PartitionKey{GroupID: "gone"})
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, store.saves)
}

func TestCheckpointerStop(t *testing.T) {
	c, _, _, _ := newCheckpointerFixture(t, DefaultCheckpointConfig())

	// Stop without Start must not block.
	c.Stop()
	c.Stop()

	c2, _, _, _ := newCheckpointerFixture(t, DefaultCheckpointConfig())
	c2.Start(context.Background())
	c2.Start(context.Background())
	c2.Stop()
	c2.Stop()
}

// gatedStore blocks its first Save until release is closed.
type gatedStore struct {
	*memory.Store

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) Save(ctx context.Context, snap *storage.PartitionSnapshot) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.Store.Save(ctx, snap)
}

func TestCheckpointerConcurrentFlushKeepsNewestSnapshot(t *testing.T) {
	p := NewPartition(testKey, PartitionConfig{}, nil)
	_, err := p.Acquire(member1, fetchOf(batch(0, 9)), NoMaxOffset)
	require.NoError(t, err)

	store := &gatedStore{
		Store:   memory.New(storage.CompressionNone),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	lookup := func(key PartitionKey) (*Partition, bool) { return p, key == testKey }
	c := NewCheckpointer(store, lookup, DefaultCheckpointConfig(), nil, nil)
	ctx := context.Background()

	c.Notify(testKey)
	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Flush(ctx) }()
	<-store.entered

	// The first flush holds a snapshot with the records still acquired.
	_, err = p.Acknowledge(member1, []AcknowledgementBatch{ack(0, 9, AcknowledgeAccept)})
	require.NoError(t, err)
	c.Notify(testKey)

	secondDone := make(chan error, 1)
	go func() { secondDone <- c.Flush(ctx) }()

	select {
	case <-secondDone:
		t.Fatal("second flush returned while the first was still saving")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	snap, err := store.Load(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, snap.Batches, 1)
	assert.Equal(t, Acknowledged.ID(), snap.Batches[0].State)
	assert.Equal(t, 0, c.Pending())
}
