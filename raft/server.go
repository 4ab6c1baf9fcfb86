// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raft

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quorumkit/raft/fsm"
	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/membership"
	"github.com/quorumkit/raft/metastore"
	"github.com/quorumkit/raft/metrics"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/role"
	"github.com/quorumkit/raft/session"
	"github.com/quorumkit/raft/snapshotstore"
	"github.com/quorumkit/raft/transport"
)

// Server is one node of a replicated state machine: it owns the log,
// metadata, membership, session and snapshot subsystems, drives a
// user-supplied fsm.StateMachine through committed entries, and answers
// RPCs via the role handler. Exactly one Server exists per process per
// raft group.
type Server struct {
	cfg Config

	log       *raftlog.Log
	meta      *metastore.Store
	members   *membership.Manager
	sessions  *session.Manager
	snapshots snapshotstore.Store
	executor  *fsm.Executor
	handler   *role.Handler
	metricsv  *metrics.Server
	machine   fsm.StateMachine
}

func defaultLogger() log.Logger { return log.NewNopLogger() }

func defaultRegistry() prometheus.Registerer { return prometheus.NewRegistry() }

// New constructs and starts a Server. machine is the application's state
// interpreter; t is the transport this server both calls out on and
// registers its own handlers with (typically shared across every node in
// the process, e.g. a transport.Loopback in tests, or a real RPC client
// pointed at peer addresses in production).
func New(cfg Config, machine fsm.StateMachine, t transport.Transport) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Registry == nil {
		cfg.Registry = defaultRegistry()
	}

	metricsv := metrics.NewServer(cfg.Registry)

	l, err := raftlog.Open(cfg.DataDir,
		raftlog.WithSegmentSize(cfg.SegmentSize),
		raftlog.WithMaxEntries(cfg.MaxEntries),
		raftlog.WithLogger(cfg.Logger),
		raftlog.WithMetrics(metricsv),
	)
	if err != nil {
		return nil, fmt.Errorf("raft: open log: %w", err)
	}

	meta, err := metastore.Open(filepath.Join(cfg.DataDir, "meta.db"))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("raft: open metastore: %w", err)
	}

	snapshots, err := snapshotstore.NewFileStore(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		l.Close()
		meta.Close()
		return nil, fmt.Errorf("raft: open snapshot store: %w", err)
	}

	members := membership.NewManager(cfg.Bootstrap)
	sessions := session.NewManager()

	s := &Server{
		cfg:       cfg,
		log:       l,
		meta:      meta,
		members:   members,
		sessions:  sessions,
		snapshots: snapshots,
		metricsv:  metricsv,
		machine:   machine,
	}

	executor := fsm.NewExecutor(l, machine, sessions, members, 0,
		fsm.WithLogger(cfg.Logger),
		fsm.WithSnapshotPolicy(cfg.SnapshotThreshold, s.takeSnapshot),
	)
	s.executor = executor

	handler, err := role.NewHandler(cfg.NodeID, l, meta, members, executor, sessions, t, snapshots,
		role.WithLogger(cfg.Logger),
		role.WithMetrics(metricsv),
		role.WithElectionTimeout(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax),
		role.WithHeartbeatInterval(cfg.HeartbeatInterval),
		role.WithQueryMachine(machine),
	)
	if err != nil {
		executor.Stop()
		l.Close()
		meta.Close()
		return nil, fmt.Errorf("raft: start role handler: %w", err)
	}
	s.handler = handler

	return s, nil
}

// takeSnapshot implements the snapshot-due callback wired into the
// executor: it serializes the current state machine,
// seals the snapshot, compacts the log up to index, and records the new
// snapshot floor. Errors are logged; a failed snapshot attempt simply
// leaves the threshold counter where it was, so the next apply retries.
func (s *Server) takeSnapshot(index raftpb.Index) {
	snap, err := s.snapshots.New(index, time.Now().UnixNano())
	if err != nil {
		level.Error(s.cfg.Logger).Log("msg", "snapshot: create failed", "index", index, "err", err)
		return
	}
	w, err := snap.Writer()
	if err != nil {
		level.Error(s.cfg.Logger).Log("msg", "snapshot: open writer failed", "index", index, "err", err)
		return
	}
	if err := s.machine.Snapshot(w); err != nil {
		level.Error(s.cfg.Logger).Log("msg", "snapshot: serialize failed", "index", index, "err", err)
		return
	}
	if err := s.log.Compact(index); err != nil {
		level.Error(s.cfg.Logger).Log("msg", "snapshot: compact failed", "index", index, "err", err)
		return
	}
	s.executor.MarkSnapshotted(index)
	if s.metricsv != nil {
		s.metricsv.SnapshotsTaken.Inc()
		s.metricsv.LastSnapshotIndex.Set(float64(index))
	}
	level.Info(s.cfg.Logger).Log("msg", "snapshot taken", "index", index, "id", snap.ID())
}

// Submit proposes a state-changing operation under session, returning the
// state machine's result once committed and applied.
func (s *Server) Submit(ctx context.Context, session raftpb.Index, sequence uint64, operation []byte) (raftpb.CommandResponse, error) {
	return s.handler.SubmitCommand(ctx, session, sequence, operation)
}

// Query serves a read-only operation at the requested consistency level.
func (s *Server) Query(ctx context.Context, req raftpb.QueryRequest) (raftpb.QueryResponse, error) {
	return s.handler.SubmitQuery(ctx, s.machine, req)
}

// OpenSession registers a new client session, identified by an
// application-chosen opaque name (callers typically mint a uuid.New()
// string, matching the broad pack convention for client identifiers).
func (s *Server) OpenSession(ctx context.Context, client string, timeout time.Duration) (raftpb.OpenSessionResponse, error) {
	if client == "" {
		client = uuid.NewString()
	}
	return s.handler.OpenSession(ctx, client, int64(timeout))
}

// CloseSession tears down a session.
func (s *Server) CloseSession(ctx context.Context, session raftpb.Index) (raftpb.CloseSessionResponse, error) {
	return s.handler.CloseSession(ctx, session)
}

// KeepAlive renews a session's lease and reports current cluster routing.
func (s *Server) KeepAlive(ctx context.Context, req raftpb.KeepAliveRequest) (raftpb.KeepAliveResponse, error) {
	return s.handler.KeepAlive(ctx, req)
}

// ConfigurationChange proposes a single-member join/leave.
func (s *Server) ConfigurationChange(ctx context.Context, req raftpb.ConfigurationChangeRequest) (raftpb.ConfigurationChangeResponse, error) {
	return s.handler.ConfigurationChange(ctx, req)
}

// Metadata reports this server's current view of cluster routing.
func (s *Server) Metadata() raftpb.MetadataResponse {
	cfg := s.members.Effective()
	return raftpb.MetadataResponse{Leader: s.handler.Leader(), Members: cfg.Members}
}

// IsLeader reports whether this server currently believes itself leader.
func (s *Server) IsLeader() bool { return s.handler.IsLeader() }

// Leader returns this server's current view of the cluster leader.
func (s *Server) Leader() string { return s.handler.Leader() }

// Term returns the current term.
func (s *Server) Term() raftpb.Term { return s.handler.Term() }

// Stop halts every subsystem context and closes the log and metadata
// store. Idempotent is not guaranteed; call once.
func (s *Server) Stop() error {
	s.handler.Stop()
	s.executor.Stop()
	if err := s.log.Close(); err != nil {
		return err
	}
	return s.meta.Close()
}
