// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxshare/config"
	"github.com/absmach/fluxshare/ratelimit"
	"github.com/absmach/fluxshare/server/health"
	"github.com/absmach/fluxshare/server/otel"
	"github.com/absmach/fluxshare/share"
	shareraft "github.com/absmach/fluxshare/share/raft"
	"github.com/absmach/fluxshare/share/storage"
	"github.com/absmach/fluxshare/share/storage/badger"
	"github.com/absmach/fluxshare/share/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting share partition simulator", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"compression", cfg.Storage.Compression,
		"checkpoint_enabled", cfg.Checkpoint.Enabled,
		"raft_enabled", cfg.Raft.Enabled,
		"max_delivery_count", cfg.Share.MaxDeliveryCount,
		"max_in_flight_records", cfg.Share.MaxInFlightRecords,
		"members", cfg.Simulator.Members,
		"partitions", cfg.Simulator.Partitions,
		"log_level", cfg.Log.Level)

	if err := run(cfg, logger); err != nil {
		slog.Error("Simulator failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Share partition simulator stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	compression, err := storage.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return err
	}

	provider, err := otel.InitProvider(ctx, cfg.Telemetry, cfg.Raft.NodeID)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	var limiter share.RateLimiter
	if l := ratelimit.New(ratelimit.Config{
		Rate:            cfg.Share.MemberAcquireRate,
		Burst:           cfg.Share.MemberAcquireBurst,
		CleanupInterval: cfg.Share.MemberIdleTimeout,
	}); l != nil {
		defer l.Stop()
		limiter = l
		slog.Info("Member acquire rate limiting enabled",
			"rate", cfg.Share.MemberAcquireRate,
			"burst", cfg.Share.MemberAcquireBurst)
	}

	opts := []share.Option{share.WithLogger(logger)}
	if m := provider.Metrics(); m != nil {
		opts = append(opts, share.WithMetrics(m))
	}
	if tr := provider.Tracer(); tr != nil {
		opts = append(opts, share.WithTracer(tr))
	}

	// With raft the replicated log is the source of truth. The limiter runs
	// on the leader before replication and partitions are not checkpointed.
	if !cfg.Raft.Enabled {
		if limiter != nil {
			opts = append(opts, share.WithRateLimiter(limiter))
		}
		if cfg.Checkpoint.Enabled {
			store, err := openStore(cfg.Storage, compression)
			if err != nil {
				return err
			}
			defer store.Close()
			opts = append(opts,
				share.WithStore(store),
				share.WithCheckpoint(share.CheckpointConfig{
					Interval:         cfg.Checkpoint.Interval,
					FailureThreshold: cfg.Checkpoint.FailureThreshold,
					ResetTimeout:     cfg.Checkpoint.ResetTimeout,
				}))
		}
	}

	mgr := share.NewManager(share.PartitionConfig{
		StartOffset:        cfg.Share.StartOffset,
		MaxDeliveryCount:   cfg.Share.MaxDeliveryCount,
		MaxInFlightRecords: cfg.Share.MaxInFlightRecords,
		MaxFetchRecords:    cfg.Share.MaxFetchRecords,
	}, opts...)
	mgr.Start(ctx)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := mgr.Close(closeCtx); err != nil {
			slog.Error("Failed to close share manager", "error", err)
		}
	}()

	var svc shareService = mgr
	var node *shareraft.Node
	if cfg.Raft.Enabled {
		raftCfg, err := buildRaftNodeConfig(cfg.Raft, compression, cfg.Log.Level, logger.With(slog.String("component", "raft")))
		if err != nil {
			return err
		}
		node, err = startRaftNode(ctx, raftCfg, mgr, limiter)
		if err != nil {
			return err
		}
		defer func() {
			if err := node.Shutdown(); err != nil {
				slog.Error("Failed to shutdown raft node", "error", err)
			}
		}()
		svc = node
	}

	healthDone := make(chan struct{})
	if cfg.Health.Enabled {
		var cl health.Cluster
		if node != nil {
			cl = node
		}
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, cfg.Raft.NodeID, mgr, cl, logger)

		go func() {
			defer close(healthDone)
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health check server failed", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-healthDone
		}()
	}

	if node != nil && !node.IsLeader() {
		slog.Info("Following raft leader, waiting for shutdown signal", "leader", node.Leader())
		<-ctx.Done()
		return nil
	}

	sim := newSimulator(cfg.Simulator, svc, mgr, logger)
	if err := sim.Run(ctx); err != nil {
		return err
	}

	for _, key := range mgr.Keys() {
		p, err := mgr.Partition(ctx, key)
		if err != nil {
			continue
		}
		slog.Info("Partition state",
			"partition", key.String(),
			"next_fetch_offset", p.NextFetchOffset(),
			"in_flight", p.InFlightCount())
	}

	if err := mgr.Flush(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("final checkpoint failed: %w", err)
	}

	if cfg.Health.Enabled {
		slog.Info("Simulation complete, serving status until shutdown", "address", cfg.Health.Addr)
		<-ctx.Done()
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func openStore(cfg config.StorageConfig, compression storage.Compression) (storage.StateStore, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory state store")
		return memory.New(compression), nil
	case "badger":
		store, err := badger.New(badger.Config{
			Dir:         cfg.BadgerDir,
			Compression: compression,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB state store: %w", err)
		}
		slog.Info("Using BadgerDB state store", "dir", cfg.BadgerDir)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
