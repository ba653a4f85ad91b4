// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"context"
	"time"
)

// Metrics receives share partition measurements.
type Metrics interface {
	RecordAcquire(ctx context.Context, key PartitionKey, records int, duration time.Duration)
	RecordAcknowledge(ctx context.Context, key PartitionKey, summary AckSummary, duration time.Duration)
	RecordAckRejected(ctx context.Context, key PartitionKey, reason string)
	RecordMemberReleased(ctx context.Context, key PartitionKey, summary AckSummary)
	RecordRateLimited(ctx context.Context, key PartitionKey)
	AddInFlight(ctx context.Context, key PartitionKey, delta int)
	RecordCheckpoint(ctx context.Context, key PartitionKey, duration time.Duration, err error)
}

// RateLimiter decides whether a member may acquire now.
type RateLimiter interface {
	AllowAcquire(memberID string) bool
}

type noopMetrics struct{}

func (noopMetrics) RecordAcquire(context.Context, PartitionKey, int, time.Duration)            {}
func (noopMetrics) RecordAcknowledge(context.Context, PartitionKey, AckSummary, time.Duration) {}
func (noopMetrics) RecordAckRejected(context.Context, PartitionKey, string)                    {}
func (noopMetrics) RecordMemberReleased(context.Context, PartitionKey, AckSummary)             {}
func (noopMetrics) RecordRateLimited(context.Context, PartitionKey)                            {}
func (noopMetrics) AddInFlight(context.Context, PartitionKey, int)                             {}
func (noopMetrics) RecordCheckpoint(context.Context, PartitionKey, time.Duration, error)       {}
