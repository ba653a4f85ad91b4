// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxshare/share/storage"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// CheckpointConfig controls how partition state is persisted.
type CheckpointConfig struct {
	Interval         time.Duration // Periodic flush, also the retry period after failures
	FailureThreshold int           // Consecutive store failures before the breaker opens
	ResetTimeout     time.Duration // Time the breaker stays open
}

// DefaultCheckpointConfig returns the checkpoint defaults.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Interval:         time.Second,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Checkpointer persists snapshots of dirty partitions outside the partition
// lock. Notifications coalesce: a partition touched many times between two
// flushes is written once.
type Checkpointer struct {
	store   storage.StateStore
	lookup  func(PartitionKey) (*Partition, bool)
	breaker *gobreaker.CircuitBreaker
	metrics Metrics
	logger  *slog.Logger

	interval time.Duration

	// flushMu orders flushes so a newer snapshot is never overwritten by an older one.
	flushMu sync.Mutex

	mu    sync.Mutex
	dirty map[PartitionKey]struct{}

	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewCheckpointer creates a checkpointer writing to store. lookup resolves a
// dirty key to its live partition.
func NewCheckpointer(store storage.StateStore, lookup func(PartitionKey) (*Partition, bool), cfg CheckpointConfig, metrics Metrics, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	def := DefaultCheckpointConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "share-checkpoint",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("checkpoint circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Checkpointer{
		store:    store,
		lookup:   lookup,
		breaker:  breaker,
		metrics:  metrics,
		logger:   logger,
		interval: cfg.Interval,
		dirty:    make(map[PartitionKey]struct{}),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is done or Stop is called.
func (c *Checkpointer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.notifyCh:
			_ = c.Flush(ctx)
		case <-ticker.C:
			_ = c.Flush(ctx)
		}
	}
}

// Stop ends the flush loop and waits for it. It does not flush.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.doneCh
	}
}

// Notify marks the partition dirty and wakes the flush loop. Never blocks.
func (c *Checkpointer) Notify(key PartitionKey) {
	c.mu.Lock()
	c.dirty[key] = struct{}{}
	c.mu.Unlock()

	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

// Pending returns the number of dirty partitions.
func (c *Checkpointer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Flush persists every dirty partition now. Partitions that fail stay dirty
// and are retried by the next flush. A call made while another flush is
// saving waits for it, so on return every change notified before the call
// has been written or reported as failed.
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return nil
	}
	keys := make([]PartitionKey, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	c.dirty = make(map[PartitionKey]struct{})
	c.mu.Unlock()

	generation := uuid.NewString()
	var errs []error
	for _, key := range keys {
		if err := c.save(ctx, key, generation); err != nil {
			c.mu.Lock()
			c.dirty[key] = struct{}{}
			c.mu.Unlock()
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Checkpointer) save(ctx context.Context, key PartitionKey, generation string) error {
	p, ok := c.lookup(key)
	if !ok {
		return nil
	}

	snap := p.Snapshot(generation)
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.store.Save(ctx, snap)
	})
	c.metrics.RecordCheckpoint(ctx, key, time.Since(start), err)

	if err != nil {
		c.logger.Error("share checkpoint failed",
			slog.String("partition", key.String()),
			slog.String("generation", generation),
			slog.String("error", err.Error()))
		return err
	}

	c.logger.Debug("share checkpoint saved",
		slog.String("partition", key.String()),
		slog.String("generation", generation),
		slog.Int("batches", len(snap.Batches)))
	return nil
}
