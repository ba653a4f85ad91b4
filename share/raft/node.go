// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/fluxshare/share"
	"github.com/absmach/fluxshare/share/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

// ErrNotLeader is returned when an operation is submitted to a follower.
var ErrNotLeader = errors.New("not raft leader")

// Peer is a voting member of the cluster.
type Peer struct {
	ID   string
	Addr string
}

// Config contains configuration for a Raft node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Bootstrap creates the cluster from this node and Peers on first start.
	Bootstrap bool
	Peers     []Peer

	// Raft tuning
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration

	Compression storage.Compression
	LogLevel    string
	Logger      *slog.Logger
}

// Node replicates share partition operations across a Raft cluster.
// Writes are only accepted on the leader and return once committed and
// applied locally.
type Node struct {
	nodeID   string
	bindAddr string

	raft *raft.Raft
	fsm  *FSM

	logStore      *BadgerLogStore
	stableStore   *BadgerStableStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	db            *badger.DB

	limiter      share.RateLimiter // nil disables per member limits
	applyTimeout time.Duration

	stopCh chan struct{}

	logger *slog.Logger
}

// NewNode opens the Raft log under cfg.DataDir and joins svc to the cluster.
// limiter is consulted on the leader before an acquire is replicated.
func NewNode(cfg Config, svc Service, limiter share.RateLimiter) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("%w: raft node id is required", share.ErrInvalidArgument)
	}

	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 1 * time.Second
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 3 * time.Second
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 8192
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	n := &Node{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		limiter:      limiter,
		applyTimeout: cfg.ApplyTimeout,
		stopCh:       make(chan struct{}),
		logger:       cfg.Logger,
	}

	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(raftDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft badger db: %w", err)
	}
	n.db = db

	n.logStore = NewBadgerLogStore(db, "share")
	n.stableStore = NewBadgerStableStore(db, "share")

	snapStore, err := raft.NewFileSnapshotStore(filepath.Join(raftDir, "snapshots"), 3, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	n.snapshotStore = snapStore

	n.fsm = NewFSM(svc, cfg.Compression, cfg.Logger.With(slog.String("component", "fsm")))

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	var advertise net.Addr
	if addr.Port != 0 {
		advertise = addr
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}
	n.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.LeaderLeaseTimeout = min(raftCfg.LeaderLeaseTimeout, cfg.HeartbeatTimeout)
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "share-raft-" + cfg.NodeID,
		Level:  hclogLevel(cfg.LogLevel),
		Output: os.Stderr,
	})

	r, err := raft.NewRaft(raftCfg, n.fsm, n.logStore, n.stableStore, n.snapshotStore, n.transport)
	if err != nil {
		transport.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r

	if cfg.Bootstrap {
		if err := n.bootstrap(cfg.Peers); err != nil {
			_ = n.Shutdown()
			return nil, err
		}
	}

	go n.monitorLeadership()

	n.logger.Info("raft node created",
		slog.String("node_id", cfg.NodeID),
		slog.String("bind_addr", cfg.BindAddr),
		slog.Int("peer_count", len(cfg.Peers)))

	return n, nil
}

// bootstrap initializes the cluster unless this node already has state.
func (n *Node) bootstrap(peers []Peer) error {
	hasState, err := raft.HasExistingState(n.logStore, n.stableStore, n.snapshotStore)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if hasState {
		n.logger.Info("raft already bootstrapped, skipping")
		return nil
	}

	servers := []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(n.nodeID),
		Address:  n.transport.LocalAddr(),
	}}
	for _, p := range peers {
		if p.ID == n.nodeID {
			continue
		}
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.Addr),
		})
	}

	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}

	n.logger.Info("raft bootstrapped",
		slog.Int("server_count", len(servers)))

	return nil
}

// Acquire replicates an acquire and returns the ranges claimed by memberID.
func (n *Node) Acquire(ctx context.Context, key share.PartitionKey, memberID string, fetch share.FetchPartitionData, maxOffset int64) ([]share.AcquiredRange, error) {
	if !n.IsLeader() {
		return nil, ErrNotLeader
	}
	if n.limiter != nil && !n.limiter.AllowAcquire(memberID) {
		return nil, share.ErrRateLimited
	}

	res, err := n.apply(ctx, &Operation{
		Type:      OpAcquire,
		Key:       key,
		MemberID:  memberID,
		Fetch:     &fetch,
		MaxOffset: maxOffset,
	})
	if err != nil {
		return nil, err
	}
	return res.Acquired, res.Error
}

// Acknowledge replicates an acknowledgement from memberID.
func (n *Node) Acknowledge(ctx context.Context, key share.PartitionKey, memberID string, batches []share.AcknowledgementBatch) (share.AckSummary, error) {
	res, err := n.apply(ctx, &Operation{
		Type:     OpAcknowledge,
		Key:      key,
		MemberID: memberID,
		Acks:     batches,
	})
	if err != nil {
		return share.AckSummary{}, err
	}
	return res.Summary, res.Error
}

// ReleaseMember replicates the release of everything memberID holds on key.
func (n *Node) ReleaseMember(ctx context.Context, key share.PartitionKey, memberID string) (share.AckSummary, error) {
	res, err := n.apply(ctx, &Operation{
		Type:     OpReleaseMember,
		Key:      key,
		MemberID: memberID,
	})
	if err != nil {
		return share.AckSummary{}, err
	}
	return res.Summary, res.Error
}

func (n *Node) apply(ctx context.Context, op *Operation) (*ApplyResult, error) {
	if !n.IsLeader() {
		return nil, ErrNotLeader
	}

	op.Timestamp = time.Now()
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}

	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %w", ErrNotLeader, err)
		}
		return nil, fmt.Errorf("raft apply failed: %w", err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return res, nil
}

// IsLeader returns true if this node is the Raft leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader's node ID, empty when unknown.
func (n *Node) Leader() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until a leader is elected or the context is done.
func (n *Node) WaitForLeader(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader")
		case <-ticker.C:
			if n.Leader() != "" {
				return nil
			}
		}
	}
}

// Stats returns Raft stats for monitoring.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Snapshot forces a Raft snapshot.
func (n *Node) Snapshot() error {
	return n.raft.Snapshot().Error()
}

// Shutdown stops Raft and closes the log database.
func (n *Node) Shutdown() error {
	n.logger.Info("shutting down raft node",
		slog.String("node_id", n.nodeID))

	select {
	case <-n.stopCh:
		return nil
	default:
		close(n.stopCh)
	}

	var errs []error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("raft shutdown: %w", err))
		}
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport close: %w", err))
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("raft db close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (n *Node) monitorLeadership() {
	for {
		select {
		case <-n.stopCh:
			return
		case isLeader := <-n.raft.LeaderCh():
			if isLeader {
				n.logger.Info("became raft leader",
					slog.String("node_id", n.nodeID))
			} else {
				n.logger.Info("lost raft leadership",
					slog.String("node_id", n.nodeID))
			}
		}
	}
}

func hclogLevel(level string) hclog.Level {
	if level == "" {
		return hclog.Info
	}
	if l := hclog.LevelFromString(level); l != hclog.NoLevel {
		return l
	}
	return hclog.Info
}
