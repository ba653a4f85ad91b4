// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxshare/share"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) AllowAcquire(string) bool { return false }

func startSingleNode(t *testing.T, limiter share.RateLimiter) (*Node, *share.Manager) {
	t.Helper()

	m := share.NewManager(share.PartitionConfig{MaxDeliveryCount: 5})
	n, err := NewNode(Config{
		NodeID:           "node-1",
		BindAddr:         "127.0.0.1:0",
		DataDir:          t.TempDir(),
		Bootstrap:        true,
		HeartbeatTimeout: 100 * time.Millisecond,
		ElectionTimeout:  100 * time.Millisecond,
		ApplyTimeout:     2 * time.Second,
		LogLevel:         "error",
	}, m, limiter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })

	require.Eventually(t, n.IsLeader, 10*time.Second, 50*time.Millisecond)
	return n, m
}

func TestNewNodeRequiresID(t *testing.T) {
	_, err := NewNode(Config{BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}, share.NewManager(share.PartitionConfig{}), nil)
	assert.ErrorIs(t, err, share.ErrInvalidArgument)
}

func TestNodeReplicatesOperations(t *testing.T) {
	n, m := startSingleNode(t, nil)
	ctx := context.Background()

	assert.Equal(t, "node-1", n.Leader())

	ranges, err := n.Acquire(ctx, testKey, "member-1", *fetchOf(0, 4), share.NoMaxOffset)
	require.NoError(t, err)
	assert.Equal(t, []share.AcquiredRange{{BaseOffset: 0, LastOffset: 4, DeliveryCount: 1}}, ranges)

	summary, err := n.Acknowledge(ctx, testKey, "member-1", []share.AcknowledgementBatch{
		{BaseOffset: 0, LastOffset: 1, AckType: share.AcknowledgeAccept},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Acknowledged)

	_, err = n.Acknowledge(ctx, testKey, "member-2", []share.AcknowledgementBatch{
		{BaseOffset: 2, LastOffset: 2, AckType: share.AcknowledgeAccept},
	})
	assert.ErrorIs(t, err, share.ErrNotAcquiredByMember)

	summary, err = n.ReleaseMember(ctx, testKey, "member-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Released)

	p, err := m.Partition(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.NextFetchOffset())

	require.NoError(t, n.Snapshot())
	assert.NotEmpty(t, n.Stats())
}

func TestNodeRateLimitsAcquire(t *testing.T) {
	n, _ := startSingleNode(t, denyAll{})

	_, err := n.Acquire(context.Background(), testKey, "member-1", *fetchOf(0, 4), share.NoMaxOffset)
	assert.ErrorIs(t, err, share.ErrRateLimited)
}

func TestNodeShutdownTwice(t *testing.T) {
	n, _ := startSingleNode(t, nil)
	require.NoError(t, n.Shutdown())
	assert.NoError(t, n.Shutdown())
}
