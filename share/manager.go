// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxshare/share/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns the share partitions of a node. Partitions are created on
// first use and restored from the state store when a snapshot exists.
type Manager struct {
	cfg     PartitionConfig
	store   storage.StateStore
	limiter RateLimiter
	metrics Metrics
	tracer  trace.Tracer // nil if tracing disabled
	logger  *slog.Logger

	checkpointCfg CheckpointConfig
	checkpointer  *Checkpointer // nil without a store

	mu         sync.RWMutex
	partitions map[PartitionKey]*Partition
	closed     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists partitions to store.
func WithStore(store storage.StateStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithCheckpoint sets the checkpoint policy used with WithStore.
func WithCheckpoint(cfg CheckpointConfig) Option {
	return func(m *Manager) { m.checkpointCfg = cfg }
}

// WithRateLimiter limits how often each member may acquire.
func WithRateLimiter(l RateLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithMetrics reports measurements to metrics.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer records a span for every operation.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager applying cfg to every partition.
func NewManager(cfg PartitionConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		metrics:       noopMetrics{},
		logger:        slog.Default(),
		checkpointCfg: DefaultCheckpointConfig(),
		partitions:    make(map[PartitionKey]*Partition),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.store != nil {
		m.checkpointer = NewCheckpointer(m.store, m.lookup, m.checkpointCfg, m.metrics, m.logger)
	}
	return m
}

// Start runs background checkpointing until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	if m.checkpointer != nil {
		m.checkpointer.Start(ctx)
	}
}

// Partition returns the partition for key, creating or restoring it.
func (m *Manager) Partition(ctx context.Context, key PartitionKey) (*Partition, error) {
	m.mu.RLock()
	p, ok := m.partitions[key]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, ErrManagerClosed
	}
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if p, ok := m.partitions[key]; ok {
		return p, nil
	}

	p, err := m.open(ctx, key)
	if err != nil {
		return nil, err
	}
	m.partitions[key] = p
	return p, nil
}

func (m *Manager) open(ctx context.Context, key PartitionKey) (*Partition, error) {
	logger := m.logger.With(slog.String("partition", key.String()))
	if m.store == nil {
		return NewPartition(key, m.cfg, logger), nil
	}

	snap, err := m.store.Load(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewPartition(key, m.cfg, logger), nil
	case err != nil:
		return nil, fmt.Errorf("failed to load partition %s: %w", key, err)
	}
	return RestorePartition(snap, m.cfg, logger)
}

func (m *Manager) lookup(key PartitionKey) (*Partition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[key]
	return p, ok
}

// Keys returns the keys of all open partitions in order.
func (m *Manager) Keys() []PartitionKey {
	m.mu.RLock()
	keys := make([]PartitionKey, 0, len(m.partitions))
	for k := range m.partitions {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sortKeys(keys)
	return keys
}

// Acquire claims records of fetch for memberID on the partition.
func (m *Manager) Acquire(ctx context.Context, key PartitionKey, memberID string, fetch FetchPartitionData, maxOffset int64) ([]AcquiredRange, error) {
	ctx, span := m.startSpan(ctx, "share.acquire", key, memberID)
	defer span.end()

	if m.limiter != nil && !m.limiter.AllowAcquire(memberID) {
		m.metrics.RecordRateLimited(ctx, key)
		span.fail(ErrRateLimited)
		return nil, ErrRateLimited
	}

	p, err := m.Partition(ctx, key)
	if err != nil {
		span.fail(err)
		return nil, err
	}

	start := time.Now()
	ranges, err := p.Acquire(memberID, fetch, maxOffset)
	records := 0
	for _, r := range ranges {
		records += r.Records()
	}
	m.metrics.RecordAcquire(ctx, key, records, time.Since(start))
	if records > 0 {
		m.metrics.AddInFlight(ctx, key, records)
		m.notify(key)
	}
	span.setInt("share.records", records)
	if err != nil {
		span.fail(err)
		return ranges, err
	}

	return ranges, nil
}

// Acknowledge settles records memberID holds on the partition.
func (m *Manager) Acknowledge(ctx context.Context, key PartitionKey, memberID string, batches []AcknowledgementBatch) (AckSummary, error) {
	ctx, span := m.startSpan(ctx, "share.acknowledge", key, memberID)
	defer span.end()

	p, err := m.Partition(ctx, key)
	if err != nil {
		span.fail(err)
		return AckSummary{}, err
	}

	start := time.Now()
	summary, err := p.Acknowledge(memberID, batches)
	if err != nil {
		m.metrics.RecordAckRejected(ctx, key, rejectReason(err))
		span.fail(err)
		return AckSummary{}, err
	}

	m.metrics.RecordAcknowledge(ctx, key, summary, time.Since(start))
	m.settled(ctx, key, summary)
	span.setInt("share.records", summary.Records())

	return summary, nil
}

// ReleaseMember returns every record memberID holds on the partition.
func (m *Manager) ReleaseMember(ctx context.Context, key PartitionKey, memberID string) (AckSummary, error) {
	ctx, span := m.startSpan(ctx, "share.release_member", key, memberID)
	defer span.end()

	p, err := m.Partition(ctx, key)
	if err != nil {
		span.fail(err)
		return AckSummary{}, err
	}

	summary, err := p.ReleaseMember(memberID)
	if err != nil {
		span.fail(err)
		return AckSummary{}, err
	}

	m.metrics.RecordMemberReleased(ctx, key, summary)
	m.settled(ctx, key, summary)

	return summary, nil
}

// ReleaseMemberAll releases memberID on every open partition, typically when
// the member leaves the group.
func (m *Manager) ReleaseMemberAll(ctx context.Context, memberID string) (AckSummary, error) {
	var total AckSummary
	var errs []error
	for _, key := range m.Keys() {
		s, err := m.ReleaseMember(ctx, key, memberID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total.Acknowledged += s.Acknowledged
		total.Released += s.Released
		total.Archived += s.Archived
		total.Gaps += s.Gaps
		total.Settled += s.Settled
	}
	return total, errors.Join(errs...)
}

func (m *Manager) settled(ctx context.Context, key PartitionKey, summary AckSummary) {
	if summary.Settled > 0 {
		m.metrics.AddInFlight(ctx, key, -summary.Settled)
	}
	if summary.Settled > 0 || summary.Gaps > 0 {
		m.notify(key)
	}
}

func (m *Manager) notify(key PartitionKey) {
	if m.checkpointer != nil {
		m.checkpointer.Notify(key)
	}
}

// Flush persists every changed partition now.
func (m *Manager) Flush(ctx context.Context) error {
	if m.checkpointer == nil {
		return nil
	}
	return m.checkpointer.Flush(ctx)
}

// Snapshots captures all open partitions.
func (m *Manager) Snapshots(generation string) []*storage.PartitionSnapshot {
	keys := m.Keys()
	out := make([]*storage.PartitionSnapshot, 0, len(keys))
	for _, key := range keys {
		if p, ok := m.lookup(key); ok {
			out = append(out, p.Snapshot(generation))
		}
	}
	return out
}

// Restore replaces every open partition with the given snapshots.
func (m *Manager) Restore(snaps []*storage.PartitionSnapshot) error {
	partitions := make(map[PartitionKey]*Partition, len(snaps))
	for _, snap := range snaps {
		p, err := RestorePartition(snap, m.cfg, m.logger.With(slog.String("partition", snap.Key().String())))
		if err != nil {
			return err
		}
		partitions[p.Key()] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.partitions = partitions
	return nil
}

// Close stops checkpointing and persists what is still dirty.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.checkpointer == nil {
		return nil
	}
	m.checkpointer.Stop()
	if err := m.checkpointer.Flush(ctx); err != nil {
		return fmt.Errorf("final checkpoint failed: %w", err)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrOffsetOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrNotAcquiredByMember):
		return "not_acquired"
	case errors.Is(err, ErrInvalidAckBatch):
		return "invalid_batch"
	case errors.Is(err, ErrInvalidMember):
		return "invalid_member"
	default:
		return "other"
	}
}

func sortKeys(keys []PartitionKey) {
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
}

// opSpan wraps an optional span.
type opSpan struct {
	span trace.Span
}

func (m *Manager) startSpan(ctx context.Context, name string, key PartitionKey, memberID string) (context.Context, opSpan) {
	if m.tracer == nil {
		return ctx, opSpan{}
	}
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("share.group", key.GroupID),
		attribute.String("share.topic", key.Topic),
		attribute.Int("share.partition", int(key.Partition)),
		attribute.String("share.member", memberID),
	))
	return ctx, opSpan{span: span}
}

func (s opSpan) setInt(name string, v int) {
	if s.span != nil {
		s.span.SetAttributes(attribute.Int(name, v))
	}
}

func (s opSpan) fail(err error) {
	if s.span != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func (s opSpan) end() {
	if s.span != nil {
		s.span.End()
	}
}
