// Package transport defines the wire-transport contract: a registered
// handler per request kind, returning a response or error, with delivery-
// or-terminal-failure semantics and no duplication or reordering of a
// single request/response pair.
//
// The real wire implementation (gRPC, HTTP/2, whatever) is left to the
// embedding application; this package carries only the contract plus an
// in-memory loopback double for tests.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumkit/raft/raftpb"
)

// Transport sends RPCs to a named peer and registers this server's own
// handlers for incoming RPCs.
type Transport interface {
	Append(ctx context.Context, target string, req raftpb.AppendRequest) (raftpb.AppendResponse, error)
	Vote(ctx context.Context, target string, req raftpb.VoteRequest) (raftpb.VoteResponse, error)
	Install(ctx context.Context, target string, req raftpb.InstallRequest) (raftpb.InstallResponse, error)
	Command(ctx context.Context, target string, req raftpb.CommandRequest) (raftpb.CommandResponse, error)
	Query(ctx context.Context, target string, req raftpb.QueryRequest) (raftpb.QueryResponse, error)
	KeepAlive(ctx context.Context, target string, req raftpb.KeepAliveRequest) (raftpb.KeepAliveResponse, error)
	OpenSession(ctx context.Context, target string, req raftpb.OpenSessionRequest) (raftpb.OpenSessionResponse, error)
	CloseSession(ctx context.Context, target string, req raftpb.CloseSessionRequest) (raftpb.CloseSessionResponse, error)
	Configure(ctx context.Context, target string, req raftpb.ConfigurationChangeRequest) (raftpb.ConfigurationChangeResponse, error)
	Metadata(ctx context.Context, target string, req raftpb.MetadataRequest) (raftpb.MetadataResponse, error)

	// Register installs this server's handlers, keyed by this server's
	// own node ID, so the loopback/mesh can dispatch incoming calls.
	Register(nodeID string, h Handlers)
}

// Handlers is the set of request handlers one server exposes to its peers.
type Handlers struct {
	Append       func(context.Context, raftpb.AppendRequest) (raftpb.AppendResponse, error)
	Vote         func(context.Context, raftpb.VoteRequest) (raftpb.VoteResponse, error)
	Install      func(context.Context, raftpb.InstallRequest) (raftpb.InstallResponse, error)
	Command      func(context.Context, raftpb.CommandRequest) (raftpb.CommandResponse, error)
	Query        func(context.Context, raftpb.QueryRequest) (raftpb.QueryResponse, error)
	KeepAlive    func(context.Context, raftpb.KeepAliveRequest) (raftpb.KeepAliveResponse, error)
	OpenSession  func(context.Context, raftpb.OpenSessionRequest) (raftpb.OpenSessionResponse, error)
	CloseSession func(context.Context, raftpb.CloseSessionRequest) (raftpb.CloseSessionResponse, error)
	Configure    func(context.Context, raftpb.ConfigurationChangeRequest) (raftpb.ConfigurationChangeResponse, error)
	Metadata     func(context.Context, raftpb.MetadataRequest) (raftpb.MetadataResponse, error)
}

// Loopback is an in-memory mesh connecting every server registered on it,
// for use in tests in place of a real network transport. Every call
// dispatches synchronously to the target's registered handler;
// ErrNoSuchPeer models an unreachable/unknown target the way a real
// transport would report connection failure.
type Loopback struct {
	mu   sync.RWMutex
	byID map[string]Handlers
}

// NewLoopback creates an empty in-memory mesh.
func NewLoopback() *Loopback {
	return &Loopback{byID: make(map[string]Handlers)}
}

// ErrNoSuchPeer is returned when a call targets a node never registered on
// this mesh (or since removed), standing in for a real transport's
// connection failure.
type ErrNoSuchPeer struct{ NodeID string }

func (e ErrNoSuchPeer) Error() string { return fmt.Sprintf("transport: no such peer %q", e.NodeID) }

func (lb *Loopback) Register(nodeID string, h Handlers) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.byID[nodeID] = h
}

// Unregister removes a peer, simulating it going permanently unreachable.
func (lb *Loopback) Unregister(nodeID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.byID, nodeID)
}

func (lb *Loopback) handlers(target string) (Handlers, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	h, ok := lb.byID[target]
	if !ok {
		return Handlers{}, ErrNoSuchPeer{NodeID: target}
	}
	return h, nil
}

func (lb *Loopback) Append(ctx context.Context, target string, req raftpb.AppendRequest) (raftpb.AppendResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.AppendResponse{}, err
	}
	return h.Append(ctx, req)
}

func (lb *Loopback) Vote(ctx context.Context, target string, req raftpb.VoteRequest) (raftpb.VoteResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.VoteResponse{}, err
	}
	return h.Vote(ctx, req)
}

func (lb *Loopback) Install(ctx context.Context, target string, req raftpb.InstallRequest) (raftpb.InstallResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.InstallResponse{}, err
	}
	return h.Install(ctx, req)
}

func (lb *Loopback) Command(ctx context.Context, target string, req raftpb.CommandRequest) (raftpb.CommandResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.CommandResponse{}, err
	}
	return h.Command(ctx, req)
}

func (lb *Loopback) Query(ctx context.Context, target string, req raftpb.QueryRequest) (raftpb.QueryResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.QueryResponse{}, err
	}
	return h.Query(ctx, req)
}

func (lb *Loopback) KeepAlive(ctx context.Context, target string, req raftpb.KeepAliveRequest) (raftpb.KeepAliveResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.KeepAliveResponse{}, err
	}
	return h.KeepAlive(ctx, req)
}

func (lb *Loopback) OpenSession(ctx context.Context, target string, req raftpb.OpenSessionRequest) (raftpb.OpenSessionResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.OpenSessionResponse{}, err
	}
	return h.OpenSession(ctx, req)
}

func (lb *Loopback) CloseSession(ctx context.Context, target string, req raftpb.CloseSessionRequest) (raftpb.CloseSessionResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.CloseSessionResponse{}, err
	}
	return h.CloseSession(ctx, req)
}

func (lb *Loopback) Configure(ctx context.Context, target string, req raftpb.ConfigurationChangeRequest) (raftpb.ConfigurationChangeResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.ConfigurationChangeResponse{}, err
	}
	return h.Configure(ctx, req)
}

func (lb *Loopback) Metadata(ctx context.Context, target string, req raftpb.MetadataRequest) (raftpb.MetadataResponse, error) {
	h, err := lb.handlers(target)
	if err != nil {
		return raftpb.MetadataResponse{}, err
	}
	return h.Metadata(ctx, req)
}

var _ Transport = (*Loopback)(nil)
