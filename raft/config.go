// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package raft is the root package of the consensus engine: it wires the
// log, snapshot, metadata, membership, session, state-machine, role, and
// transport subsystems into one Server.
package raft

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/role"
)

// Default snapshot threshold: take a new snapshot once applied index
// outruns the last snapshot by this many entries.
const DefaultSnapshotThreshold = 10_000

// Config bundles every tunable a Server needs at construction: election
// and heartbeat timing, snapshot thresholds, and segment sizing.
type Config struct {
	// NodeID is this server's unique identifier, also its key in every
	// Configuration.Members entry and transport registration.
	NodeID string

	// DataDir holds the log segments, metadata store, and file-backed
	// snapshots.
	DataDir string

	// Bootstrap is the initial cluster configuration. New seeds the
	// membership manager with it on every start, including a restart over
	// a DataDir that already holds a log; a persisted configuration is not
	// read back in its place.
	Bootstrap raftpb.Configuration

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration

	SegmentSize      int
	MaxEntries       int
	SnapshotThreshold raftpb.Index

	Logger   log.Logger
	Registry prometheus.Registerer
}

// DefaultConfig returns a Config with every timing/sizing field set to the
// package defaults, for a server at dataDir with the given node ID.
func DefaultConfig(nodeID, dataDir string) Config {
	return Config{
		NodeID:             nodeID,
		DataDir:            dataDir,
		ElectionTimeoutMin: role.DefaultElectionTimeoutMin,
		ElectionTimeoutMax: role.DefaultElectionTimeoutMax,
		HeartbeatInterval:  role.DefaultHeartbeatInterval,
		RPCTimeout:         role.DefaultRPCTimeout,
		SegmentSize:        raftlog.DefaultMaxSegmentSize,
		MaxEntries:         raftlog.DefaultMaxEntries,
		SnapshotThreshold:  DefaultSnapshotThreshold,
		Logger:             log.NewNopLogger(),
		Registry:           prometheus.NewRegistry(),
	}
}

func (c Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("raft: Config.NodeID is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("raft: Config.DataDir is required")
	}
	return nil
}
