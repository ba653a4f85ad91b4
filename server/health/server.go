// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxshare/share"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Partitions is the share state the server reports on.
type Partitions interface {
	Keys() []share.PartitionKey
	Partition(ctx context.Context, key share.PartitionKey) (*share.Partition, error)
}

// Cluster reports raft leadership. It is nil on a standalone node.
type Cluster interface {
	IsLeader() bool
	Leader() string
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config     Config
	nodeID     string
	partitions Partitions
	cluster    Cluster
	logger     *slog.Logger
	server     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, nodeID string, partitions Partitions, cl Cluster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:     cfg,
		nodeID:     nodeID,
		partitions: partitions,
		cluster:    cl,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/share/status", s.handleShareStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 OK once share operations can be served. A
// clustered node is ready when the cluster has a leader.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.partitions == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "share manager not initialized",
		})
		return
	}
	if s.cluster != nil && s.cluster.Leader() == "" {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "no raft leader",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// PartitionStatus is the delivery state of one share partition.
type PartitionStatus struct {
	GroupID         string `json:"group_id"`
	Topic           string `json:"topic"`
	Partition       int32  `json:"partition"`
	NextFetchOffset int64  `json:"next_fetch_offset"`
	InFlight        int    `json:"in_flight"`
}

// ShareStatusResponse represents the node and partition state.
type ShareStatusResponse struct {
	NodeID      string            `json:"node_id"`
	ClusterMode bool              `json:"cluster_mode"`
	IsLeader    bool              `json:"is_leader"`
	Leader      string            `json:"leader,omitempty"`
	InFlight    int               `json:"in_flight"`
	Partitions  []PartitionStatus `json:"partitions"`
}

// handleShareStatus lists every open partition.
func (s *Server) handleShareStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.partitions == nil {
		http.Error(w, "share manager not initialized", http.StatusServiceUnavailable)
		return
	}

	response := ShareStatusResponse{
		NodeID:     s.nodeID,
		IsLeader:   true,
		Partitions: []PartitionStatus{},
	}
	if s.cluster != nil {
		response.ClusterMode = true
		response.IsLeader = s.cluster.IsLeader()
		response.Leader = s.cluster.Leader()
	}

	for _, key := range s.partitions.Keys() {
		p, err := s.partitions.Partition(r.Context(), key)
		if err != nil {
			s.logger.Warn("Failed to read share partition",
				slog.String("partition", key.String()),
				slog.String("error", err.Error()))
			continue
		}
		st := PartitionStatus{
			GroupID:         key.GroupID,
			Topic:           key.Topic,
			Partition:       key.Partition,
			NextFetchOffset: p.NextFetchOffset(),
			InFlight:        p.InFlightCount(),
		}
		response.InFlight += st.InFlight
		response.Partitions = append(response.Partitions, st)
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
