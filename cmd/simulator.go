// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxshare/config"
	"github.com/absmach/fluxshare/share"
	"github.com/google/uuid"
)

// fetchBatches is the number of log batches returned by one simulated fetch.
const fetchBatches = 4

// shareService is the write path of the simulator. *share.Manager serves it
// directly and *raft.Node replicates every call first.
type shareService interface {
	Acquire(ctx context.Context, key share.PartitionKey, memberID string, fetch share.FetchPartitionData, maxOffset int64) ([]share.AcquiredRange, error)
	Acknowledge(ctx context.Context, key share.PartitionKey, memberID string, batches []share.AcknowledgementBatch) (share.AckSummary, error)
	ReleaseMember(ctx context.Context, key share.PartitionKey, memberID string) (share.AckSummary, error)
}

// simLog is a synthetic partition log of fixed size batches. Gaps are
// deterministic so every fetch of the same batch reports the same ones.
type simLog struct {
	records   int64
	batchSize int64
	gapEvery  int64 // 0 disables gaps
}

func newSimLog(cfg config.SimulatorConfig) simLog {
	l := simLog{records: cfg.Records, batchSize: int64(cfg.BatchSize)}
	if cfg.GapRatio > 0 {
		l.gapEvery = max(int64(1/cfg.GapRatio), 2)
	}
	return l
}

func (l simLog) isGap(offset int64) bool {
	return l.gapEvery > 0 && offset%l.gapEvery == l.gapEvery-1
}

// fetch returns up to fetchBatches batches starting with the one holding offset.
func (l simLog) fetch(offset int64) share.FetchPartitionData {
	data := share.FetchPartitionData{HighWatermark: l.records}
	base := offset - offset%l.batchSize
	for i := 0; i < fetchBatches && base < l.records; i++ {
		last := min(base+l.batchSize, l.records) - 1
		rb := share.RecordBatch{BaseOffset: base, LastOffset: last}
		for o := base; o <= last; o++ {
			if l.isGap(o) {
				rb.GapOffsets = append(rb.GapOffsets, o)
			}
		}
		data.Batches = append(data.Batches, rb)
		base = last + 1
	}
	return data
}

type simStats struct {
	acquireCalls atomic.Int64
	acquired     atomic.Int64
	accepted     atomic.Int64
	released     atomic.Int64
	archived     atomic.Int64
	rateLimited  atomic.Int64
	errors       atomic.Int64
}

func (s *simStats) add(summary share.AckSummary) {
	s.accepted.Add(int64(summary.Acknowledged))
	s.released.Add(int64(summary.Released))
	s.archived.Add(int64(summary.Archived))
}

// simulator drives a set of share group members against a synthetic log.
type simulator struct {
	cfg     config.SimulatorConfig
	svc     shareService
	offsets func(ctx context.Context, key share.PartitionKey) (int64, error)
	log     simLog
	keys    []share.PartitionKey
	logger  *slog.Logger
	stats   simStats
}

func newSimulator(cfg config.SimulatorConfig, svc shareService, mgr *share.Manager, logger *slog.Logger) *simulator {
	if logger == nil {
		logger = slog.Default()
	}
	keys := make([]share.PartitionKey, cfg.Partitions)
	for i := range keys {
		keys[i] = share.PartitionKey{GroupID: cfg.GroupID, Topic: cfg.Topic, Partition: int32(i)}
	}
	return &simulator{
		cfg: cfg,
		svc: svc,
		offsets: func(ctx context.Context, key share.PartitionKey) (int64, error) {
			p, err := mgr.Partition(ctx, key)
			if err != nil {
				return 0, err
			}
			return p.NextFetchOffset(), nil
		},
		log:    newSimLog(cfg),
		keys:   keys,
		logger: logger,
	}
}

// Run starts one goroutine per member and returns once every member is done.
func (s *simulator) Run(ctx context.Context) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Members; i++ {
		m := &simMember{
			id:  uuid.NewString(),
			sim: s,
			rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i))),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.run(ctx)
		}()
	}
	wg.Wait()

	s.logger.Info("simulation finished",
		slog.Int64("acquire_calls", s.stats.acquireCalls.Load()),
		slog.Int64("acquired", s.stats.acquired.Load()),
		slog.Int64("accepted", s.stats.accepted.Load()),
		slog.Int64("released", s.stats.released.Load()),
		slog.Int64("archived", s.stats.archived.Load()),
		slog.Int64("rate_limited", s.stats.rateLimited.Load()),
		slog.Int64("errors", s.stats.errors.Load()))

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// done reports whether every partition reached the log end with nothing in flight.
func (s *simulator) done(ctx context.Context) bool {
	for _, key := range s.keys {
		next, err := s.offsets(ctx, key)
		if err != nil || next < s.log.records {
			return false
		}
	}
	return true
}

type simMember struct {
	id  string
	sim *simulator
	rng *rand.Rand
}

func (m *simMember) run(ctx context.Context) {
	s := m.sim
	logger := s.logger.With(slog.String("member", m.id))
	defer m.leave(logger)

	for round := 0; round < s.cfg.Rounds; round++ {
		if ctx.Err() != nil || s.done(ctx) {
			return
		}
		key := s.keys[(round+m.rng.IntN(len(s.keys)))%len(s.keys)]
		if err := m.step(ctx, key); err != nil {
			switch {
			case errors.Is(err, share.ErrRateLimited):
				s.stats.rateLimited.Add(1)
				m.backoff(ctx)
			default:
				s.stats.errors.Add(1)
				logger.Warn("simulated member step failed",
					slog.String("partition", key.String()),
					slog.String("error", err.Error()))
				m.backoff(ctx)
			}
		}
	}
}

// step fetches from the partition, acquires and settles what it got.
func (m *simMember) step(ctx context.Context, key share.PartitionKey) error {
	s := m.sim

	offset, err := s.offsets(ctx, key)
	if err != nil {
		return err
	}
	if offset >= s.log.records {
		return nil
	}

	s.stats.acquireCalls.Add(1)
	ranges, err := s.svc.Acquire(ctx, key, m.id, s.log.fetch(offset), share.NoMaxOffset)
	if err != nil {
		return err
	}
	if len(ranges) == 0 {
		return nil
	}
	for _, r := range ranges {
		s.stats.acquired.Add(int64(r.Records()))
	}

	summary, err := s.svc.Acknowledge(ctx, key, m.id, m.acknowledgements(ranges))
	if err != nil {
		// Give the records back rather than leave them held.
		if _, rerr := s.svc.ReleaseMember(ctx, key, m.id); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("acknowledge: %w", err)
	}
	s.stats.add(summary)
	return nil
}

// acknowledgements picks an outcome per record and groups equal outcomes
// into contiguous batches.
func (m *simMember) acknowledgements(ranges []share.AcquiredRange) []share.AcknowledgementBatch {
	var acks []share.AcknowledgementBatch
	for _, r := range ranges {
		cur := share.AcknowledgementBatch{BaseOffset: r.BaseOffset}
		for o := r.BaseOffset; o <= r.LastOffset; o++ {
			if m.sim.log.isGap(o) {
				cur.GapOffsets = append(cur.GapOffsets, o)
				continue
			}
			typ := m.outcome()
			if cur.AckType != 0 && typ != cur.AckType {
				cur.LastOffset = o - 1
				acks = append(acks, cur)
				cur = share.AcknowledgementBatch{BaseOffset: o}
			}
			cur.AckType = typ
		}
		if cur.AckType == 0 {
			continue // only gaps
		}
		cur.LastOffset = r.LastOffset
		acks = append(acks, cur)
	}
	return acks
}

func (m *simMember) outcome() share.AcknowledgeType {
	p := m.rng.Float64()
	switch {
	case p < m.sim.cfg.ReleaseRatio:
		return share.AcknowledgeRelease
	case p < m.sim.cfg.ReleaseRatio+m.sim.cfg.RejectRatio:
		return share.AcknowledgeReject
	default:
		return share.AcknowledgeAccept
	}
}

func (m *simMember) backoff(ctx context.Context) {
	t := time.NewTimer(time.Duration(5+m.rng.IntN(20)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// leave releases whatever the member still holds, as a departing member would.
func (m *simMember) leave(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, key := range m.sim.keys {
		summary, err := m.sim.svc.ReleaseMember(ctx, key, m.id)
		if err != nil {
			logger.Warn("failed to release member",
				slog.String("partition", key.String()),
				slog.String("error", err.Error()))
			continue
		}
		m.sim.stats.add(summary)
	}
}
