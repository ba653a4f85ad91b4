// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxshare/share/storage"
)

// PartitionKey identifies a share partition.
type PartitionKey = storage.PartitionKey

// Partition serializes all operations on one share partition. Every call runs
// to completion under the partition lock; distinct partitions share nothing.
type Partition struct {
	key    PartitionKey
	cfg    PartitionConfig
	logger *slog.Logger

	mu      sync.Mutex
	tracker *Tracker
}

// AcquireResult is delivered by AcquireAsync.
type AcquireResult struct {
	Ranges []AcquiredRange
	Err    error
}

// AcknowledgeResult is delivered by AcknowledgeAsync.
type AcknowledgeResult struct {
	Summary AckSummary
	Err     error
}

// NewPartition creates a partition that tracks nothing yet.
func NewPartition(key PartitionKey, cfg PartitionConfig, logger *slog.Logger) *Partition {
	if logger == nil {
		logger = slog.Default()
	}
	return &Partition{
		key:     key,
		cfg:     cfg,
		logger:  logger,
		tracker: NewTracker(cfg),
	}
}

// RestorePartition rebuilds a partition from a snapshot. The snapshot start
// offset takes precedence over cfg.StartOffset.
func RestorePartition(snap *storage.PartitionSnapshot, cfg PartitionConfig, logger *slog.Logger) (*Partition, error) {
	cfg.StartOffset = snap.StartOffset
	tracker, err := restoreTracker(cfg, snap.Batches)
	if err != nil {
		return nil, fmt.Errorf("failed to restore partition %s: %w", snap.Key(), err)
	}

	p := NewPartition(snap.Key(), cfg, logger)
	p.tracker = tracker

	p.logger.Info("share partition restored",
		slog.String("partition", p.key.String()),
		slog.String("generation", snap.Generation),
		slog.Int("batches", tracker.Len()),
		slog.Int64("next_fetch_offset", tracker.NextFetchOffset()))

	return p, nil
}

// Key returns the partition key.
func (p *Partition) Key() PartitionKey {
	return p.key
}

// Acquire claims the available offsets of fetch for memberID.
func (p *Partition) Acquire(memberID string, fetch FetchPartitionData, maxOffset int64) ([]AcquiredRange, error) {
	p.mu.Lock()
	ranges, err := p.tracker.Acquire(memberID, fetch, maxOffset)
	next := p.tracker.NextFetchOffset()
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("share acquire failed",
			slog.String("partition", p.key.String()),
			slog.String("member", memberID),
			slog.String("error", err.Error()))
		return ranges, err
	}

	p.logger.Debug("share acquire",
		slog.String("partition", p.key.String()),
		slog.String("member", memberID),
		slog.Int("ranges", len(ranges)),
		slog.Int64("next_fetch_offset", next))

	return ranges, nil
}

// Acknowledge settles records held by memberID. Nothing changes when any batch is invalid.
func (p *Partition) Acknowledge(memberID string, batches []AcknowledgementBatch) (AckSummary, error) {
	p.mu.Lock()
	summary, err := p.tracker.Acknowledge(memberID, batches)
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("share acknowledgement rejected",
			slog.String("partition", p.key.String()),
			slog.String("member", memberID),
			slog.Int("batches", len(batches)),
			slog.String("error", err.Error()))
		return AckSummary{}, err
	}

	p.logger.Debug("share acknowledgement",
		slog.String("partition", p.key.String()),
		slog.String("member", memberID),
		slog.Int("acknowledged", summary.Acknowledged),
		slog.Int("released", summary.Released),
		slog.Int("archived", summary.Archived))

	return summary, nil
}

// ReleaseMember returns every record held by memberID.
func (p *Partition) ReleaseMember(memberID string) (AckSummary, error) {
	p.mu.Lock()
	summary, err := p.tracker.ReleaseMember(memberID)
	p.mu.Unlock()

	if err != nil {
		return AckSummary{}, err
	}

	if summary.Records() > 0 {
		p.logger.Info("share member released",
			slog.String("partition", p.key.String()),
			slog.String("member", memberID),
			slog.Int("released", summary.Released),
			slog.Int("archived", summary.Archived))
	}

	return summary, nil
}

// AcquireAsync runs Acquire on its own goroutine. The channel receives exactly
// one result and is then closed. fetch must not be modified until then.
func (p *Partition) AcquireAsync(memberID string, fetch FetchPartitionData, maxOffset int64) <-chan AcquireResult {
	ch := make(chan AcquireResult, 1)
	go func() {
		defer close(ch)
		ranges, err := p.Acquire(memberID, fetch, maxOffset)
		ch <- AcquireResult{Ranges: ranges, Err: err}
	}()
	return ch
}

// AcknowledgeAsync runs Acknowledge on its own goroutine. The channel receives
// exactly one result and is then closed.
func (p *Partition) AcknowledgeAsync(memberID string, batches []AcknowledgementBatch) <-chan AcknowledgeResult {
	ch := make(chan AcknowledgeResult, 1)
	go func() {
		defer close(ch)
		summary, err := p.Acknowledge(memberID, batches)
		ch <- AcknowledgeResult{Summary: summary, Err: err}
	}()
	return ch
}

// NextFetchOffset returns the offset the next log read should start from.
func (p *Partition) NextFetchOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.NextFetchOffset()
}

// InFlightCount returns the number of Acquired records.
func (p *Partition) InFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.InFlightCount()
}

// CachedState returns a deep copy of the cached batches keyed by base offset.
func (p *Partition) CachedState() map[int64]*CachedBatch {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.tracker.CachedState()
	out := make(map[int64]*CachedBatch, len(live))
	for base, b := range live {
		out[base] = b.clone()
	}
	return out
}

// Snapshot captures the partition state under the lock.
func (p *Partition) Snapshot(generation string) *storage.PartitionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &storage.PartitionSnapshot{
		GroupID:     p.key.GroupID,
		Topic:       p.key.Topic,
		Partition:   p.key.Partition,
		StartOffset: p.cfg.StartOffset,
		Generation:  generation,
		Batches:     p.tracker.snapshot(),
	}
}
