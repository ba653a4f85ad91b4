// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/absmach/fluxshare/config"
	"github.com/absmach/fluxshare/share"
	shareraft "github.com/absmach/fluxshare/share/raft"
	"github.com/absmach/fluxshare/share/storage"
)

const leaderWaitTimeout = 30 * time.Second

// buildRaftNodeConfig resolves the configured raft settings into a node
// config. The local node is dropped from the peer list.
func buildRaftNodeConfig(raftCfg config.RaftConfig, compression storage.Compression, logLevel string, logger *slog.Logger) (shareraft.Config, error) {
	nodeID := strings.TrimSpace(raftCfg.NodeID)
	if nodeID == "" {
		return shareraft.Config{}, fmt.Errorf("raft.node_id is required")
	}

	bindAddr := strings.TrimSpace(raftCfg.BindAddr)
	if _, _, err := net.SplitHostPort(bindAddr); err != nil {
		return shareraft.Config{}, fmt.Errorf("invalid raft.bind_addr %q: %w", bindAddr, err)
	}

	dataDir := strings.TrimSpace(raftCfg.DataDir)
	if dataDir == "" {
		return shareraft.Config{}, fmt.Errorf("raft.data_dir is required")
	}

	peers, err := resolvePeers(nodeID, bindAddr, raftCfg.Peers)
	if err != nil {
		return shareraft.Config{}, err
	}

	return shareraft.Config{
		NodeID:            nodeID,
		BindAddr:          bindAddr,
		DataDir:           dataDir,
		Bootstrap:         raftCfg.Bootstrap,
		Peers:             peers,
		HeartbeatTimeout:  coalesceDuration(raftCfg.HeartbeatTimeout, time.Second),
		ElectionTimeout:   coalesceDuration(raftCfg.ElectionTimeout, 3*time.Second),
		SnapshotInterval:  coalesceDuration(raftCfg.SnapshotInterval, 5*time.Minute),
		SnapshotThreshold: coalesceUint64(raftCfg.SnapshotThreshold, 8192),
		ApplyTimeout:      coalesceDuration(raftCfg.ApplyTimeout, 5*time.Second),
		Compression:       compression,
		LogLevel:          logLevel,
		Logger:            logger,
	}, nil
}

func resolvePeers(nodeID, bindAddr string, peers []config.RaftPeer) ([]shareraft.Peer, error) {
	seenID := map[string]bool{nodeID: true}
	seenAddr := map[string]string{bindAddr: nodeID}

	out := make([]shareraft.Peer, 0, len(peers))
	for i, p := range peers {
		id := strings.TrimSpace(p.ID)
		addr := strings.TrimSpace(p.Addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("raft.peers[%d] requires id and addr", i)
		}
		if id == nodeID {
			if addr != bindAddr {
				return nil, fmt.Errorf("raft.peers[%d] lists local node %q with addr %q, bind_addr is %q", i, id, addr, bindAddr)
			}
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid raft.peers[%d].addr %q: %w", i, addr, err)
		}
		if seenID[id] {
			return nil, fmt.Errorf("raft peer %q listed twice", id)
		}
		if existing, ok := seenAddr[addr]; ok {
			return nil, fmt.Errorf("raft peers %q and %q share addr %q", existing, id, addr)
		}
		seenID[id] = true
		seenAddr[addr] = id
		out = append(out, shareraft.Peer{ID: id, Addr: addr})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// startRaftNode starts the node and waits until the cluster has a leader.
func startRaftNode(ctx context.Context, cfg shareraft.Config, svc shareraft.Service, limiter share.RateLimiter) (*shareraft.Node, error) {
	node, err := shareraft.NewNode(cfg, svc, limiter)
	if err != nil {
		return nil, fmt.Errorf("failed to start raft node: %w", err)
	}

	if err := node.WaitForLeader(ctx, leaderWaitTimeout); err != nil {
		_ = node.Shutdown()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("raft node ready",
		slog.String("node_id", cfg.NodeID),
		slog.String("leader", node.Leader()),
		slog.Bool("is_leader", node.IsLeader()))

	return node, nil
}

func coalesceDuration(value, defaultValue time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return defaultValue
}

func coalesceUint64(value, defaultValue uint64) uint64 {
	if value > 0 {
		return value
	}
	return defaultValue
}
