// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxshare/share"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ share.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for share partitions.
type Metrics struct {
	meter metric.Meter

	// Counters
	acquiredRecords     metric.Int64Counter
	acknowledgedRecords metric.Int64Counter
	ackRejections       metric.Int64Counter
	rateLimited         metric.Int64Counter
	checkpointErrors    metric.Int64Counter

	// UpDownCounters (Gauges)
	inFlightRecords metric.Int64UpDownCounter

	// Histograms
	acquireDuration     metric.Float64Histogram
	acknowledgeDuration metric.Float64Histogram
	checkpointDuration  metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(instrumentationName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.acquiredRecords, err = m.meter.Int64Counter(
		"share.records.acquired.total",
		metric.WithDescription("Records acquired by share group members"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acquiredRecords counter: %w", err)
	}

	m.acknowledgedRecords, err = m.meter.Int64Counter(
		"share.records.settled.total",
		metric.WithDescription("Records settled by acknowledgements and member releases, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledgedRecords counter: %w", err)
	}

	m.ackRejections, err = m.meter.Int64Counter(
		"share.acknowledgements.rejected.total",
		metric.WithDescription("Acknowledge requests rejected as invalid, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackRejections counter: %w", err)
	}

	m.rateLimited, err = m.meter.Int64Counter(
		"share.acquire.rate_limited.total",
		metric.WithDescription("Acquire calls refused by the member rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rateLimited counter: %w", err)
	}

	m.checkpointErrors, err = m.meter.Int64Counter(
		"share.checkpoint.errors.total",
		metric.WithDescription("Failed partition checkpoints"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpointErrors counter: %w", err)
	}

	m.inFlightRecords, err = m.meter.Int64UpDownCounter(
		"share.records.in_flight",
		metric.WithDescription("Records currently acquired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inFlightRecords gauge: %w", err)
	}

	m.acquireDuration, err = m.meter.Float64Histogram(
		"share.acquire.duration.ms",
		metric.WithDescription("Acquire processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acquireDuration histogram: %w", err)
	}

	m.acknowledgeDuration, err = m.meter.Float64Histogram(
		"share.acknowledge.duration.ms",
		metric.WithDescription("Acknowledge processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledgeDuration histogram: %w", err)
	}

	m.checkpointDuration, err = m.meter.Float64Histogram(
		"share.checkpoint.duration.ms",
		metric.WithDescription("Checkpoint save duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpointDuration histogram: %w", err)
	}

	return m, nil
}

// RecordAcquire records the records claimed by one acquire call.
func (m *Metrics) RecordAcquire(ctx context.Context, key share.PartitionKey, records int, duration time.Duration) {
	attrs := metric.WithAttributes(partitionAttrs(key)...)
	m.acquiredRecords.Add(ctx, int64(records), attrs)
	m.acquireDuration.Record(ctx, millis(duration), attrs)
}

// RecordAcknowledge records the outcome of a successful acknowledge call.
func (m *Metrics) RecordAcknowledge(ctx context.Context, key share.PartitionKey, summary share.AckSummary, duration time.Duration) {
	m.recordSettled(ctx, key, summary)
	m.acknowledgeDuration.Record(ctx, millis(duration), metric.WithAttributes(partitionAttrs(key)...))
}

// RecordAckRejected records an invalid acknowledge request.
func (m *Metrics) RecordAckRejected(ctx context.Context, key share.PartitionKey, reason string) {
	m.ackRejections.Add(ctx, 1, metric.WithAttributes(
		append(partitionAttrs(key), attribute.String("reason", reason))...,
	))
}

// RecordMemberReleased records the records returned when a member left.
func (m *Metrics) RecordMemberReleased(ctx context.Context, key share.PartitionKey, summary share.AckSummary) {
	m.recordSettled(ctx, key, summary)
}

// RecordRateLimited records an acquire refused by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, key share.PartitionKey) {
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(partitionAttrs(key)...))
}

// AddInFlight adjusts the in-flight records gauge.
func (m *Metrics) AddInFlight(ctx context.Context, key share.PartitionKey, delta int) {
	m.inFlightRecords.Add(ctx, int64(delta), metric.WithAttributes(partitionAttrs(key)...))
}

// RecordCheckpoint records one checkpoint save.
func (m *Metrics) RecordCheckpoint(ctx context.Context, key share.PartitionKey, duration time.Duration, err error) {
	attrs := metric.WithAttributes(partitionAttrs(key)...)
	m.checkpointDuration.Record(ctx, millis(duration), attrs)
	if err != nil {
		m.checkpointErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) recordSettled(ctx context.Context, key share.PartitionKey, summary share.AckSummary) {
	for outcome, n := range map[string]int{
		"acknowledged": summary.Acknowledged,
		"released":     summary.Released,
		"archived":     summary.Archived,
	} {
		if n == 0 {
			continue
		}
		m.acknowledgedRecords.Add(ctx, int64(n), metric.WithAttributes(
			append(partitionAttrs(key), attribute.String("outcome", outcome))...,
		))
	}
}

func partitionAttrs(key share.PartitionKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("group", key.GroupID),
		attribute.String("topic", key.Topic),
		attribute.Int("partition", int(key.Partition)),
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
