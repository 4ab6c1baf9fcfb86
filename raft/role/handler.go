// Package role implements the server role state machine: follower,
// candidate, and leader, with term-ordered leader election (including
// pre-vote), AppendRequest/VoteRequest/PollRequest handling, and the
// leader's per-follower replication loop. Each server role is a single
// mutex-guarded struct with one handler method per RPC kind; the leader's
// per-follower replication fans out and collects with
// golang.org/x/sync/errgroup.
package role

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/membership"
	"github.com/quorumkit/raft/metastore"
	"github.com/quorumkit/raft/metrics"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/sched"
	"github.com/quorumkit/raft/session"
	"github.com/quorumkit/raft/snapshotstore"
	"github.com/quorumkit/raft/transport"
)

// Default election/heartbeat windows.
const (
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 50 * time.Millisecond
	DefaultRPCTimeout         = 500 * time.Millisecond
)

// Applier is the narrow slice of raft/fsm.Executor the role handler needs:
// notification that the commit index advanced, and the currently applied
// index for snapshot/install bookkeeping.
type Applier interface {
	NotifyCommit()
	AppliedIndex() raftpb.Index
	Restore(r io.Reader, index raftpb.Index) error
	OnApplied(fn func(raftpb.Index))
}

// QueryMachine is the narrow slice of raft/fsm.StateMachine needed to serve
// reads directly (avoiding an import cycle between raft/role and raft/fsm).
type QueryMachine interface {
	Query(index raftpb.Index, operation []byte) ([]byte, error)
}

// Handler is one server's role state machine. Exactly one Handler exists
// per server; its own sched.Context runs the election, heartbeat and
// quorum-check timers, while RPC handlers run on the caller's goroutine and
// change role state under mu.
type Handler struct {
	nodeID string

	logLayer     *raftlog.Log
	meta         *metastore.Store
	members      *membership.Manager
	applier      Applier
	queryMachine QueryMachine
	sessions     *session.Manager
	transport    transport.Transport
	snapshots    snapshotstore.Store
	metricsv     *metrics.Server
	logger       log.Logger

	ctx *sched.Context

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	rpcTimeout         time.Duration

	mu          sync.RWMutex
	role        raftpb.Role
	currentTerm raftpb.Term
	votedFor    string
	leaderID    string

	cancelTimer func()

	// leader-only, rebuilt on every election win.
	repl *replicator

	pendingCommands map[raftpb.Index]*sched.Future[raftpb.CommandResponse]
	pendingMeta     map[raftpb.Index]pendingCommandMeta
	pendingApplied  map[raftpb.Index]*sched.Future[struct{}]
	pendingMu       sync.Mutex

	installMu      sync.Mutex
	installWriters map[string]*snapshotstore.Writer
}

// pendingCommandMeta records which session/sequence a pending command-entry
// index belongs to, so onEntryApplied can look up its cached result once
// applied.
type pendingCommandMeta struct {
	session  raftpb.Index
	sequence uint64
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithLogger sets the logger used for role-transition diagnostics.
func WithLogger(logger log.Logger) Option { return func(h *Handler) { h.logger = logger } }

// WithMetrics attaches a metrics.Server.
func WithMetrics(m *metrics.Server) Option { return func(h *Handler) { h.metricsv = m } }

// WithElectionTimeout overrides the randomized election timeout window.
func WithElectionTimeout(min, max time.Duration) Option {
	return func(h *Handler) { h.electionTimeoutMin, h.electionTimeoutMax = min, max }
}

// WithHeartbeatInterval overrides the leader heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) { h.heartbeatInterval = d }
}

// WithQueryMachine wires the state machine's read path so this Handler can
// serve QueryRequests directly.
func WithQueryMachine(m QueryMachine) Option {
	return func(h *Handler) { h.queryMachine = m }
}

// NewHandler constructs a Handler, recovering persisted term/vote from
// meta, and registers its RPC handlers on t. The server starts as a
// follower (or passive/reserve, per its entry in mem's effective
// configuration) with the election timer armed.
func NewHandler(nodeID string, l *raftlog.Log, meta *metastore.Store, mem *membership.Manager, applier Applier, sessions *session.Manager, t transport.Transport, snapshots snapshotstore.Store, opts ...Option) (*Handler, error) {
	term, err := meta.CurrentTerm()
	if err != nil {
		return nil, fmt.Errorf("role: recover term: %w", err)
	}
	votedFor, err := meta.VotedFor()
	if err != nil {
		return nil, fmt.Errorf("role: recover vote: %w", err)
	}

	h := &Handler{
		nodeID:             nodeID,
		logLayer:           l,
		meta:               meta,
		members:            mem,
		applier:            applier,
		sessions:           sessions,
		transport:          t,
		snapshots:          snapshots,
		logger:             log.NewNopLogger(),
		ctx:                sched.NewContext("role-" + nodeID),
		electionTimeoutMin: DefaultElectionTimeoutMin,
		electionTimeoutMax: DefaultElectionTimeoutMax,
		heartbeatInterval:  DefaultHeartbeatInterval,
		rpcTimeout:         DefaultRPCTimeout,
		role:               raftpb.RoleFollower,
		currentTerm:        term,
		votedFor:           votedFor,
		pendingCommands:    make(map[raftpb.Index]*sched.Future[raftpb.CommandResponse]),
		pendingMeta:        make(map[raftpb.Index]pendingCommandMeta),
		pendingApplied:     make(map[raftpb.Index]*sched.Future[struct{}]),
		installWriters:     make(map[string]*snapshotstore.Writer),
	}
	for _, opt := range opts {
		opt(h)
	}

	if m, ok := mem.Effective().Member(nodeID); ok {
		switch m.Type {
		case raftpb.MemberPassive:
			h.role = raftpb.RolePassive
		case raftpb.MemberReserve:
			h.role = raftpb.RoleReserve
		}
	}

	t.Register(nodeID, transport.Handlers{
		Append:       h.handleAppendRPC,
		Vote:         h.handleVoteRPC,
		Install:      h.handleInstallRPC,
		Command:      h.handleCommandRPC,
		Query:        h.handleQueryRPC,
		KeepAlive:    h.handleKeepAliveRPC,
		OpenSession:  h.handleOpenSessionRPC,
		CloseSession: h.handleCloseSessionRPC,
		Configure:    h.handleConfigureRPC,
		Metadata:     h.handleMetadataRPC,
	})

	applier.OnApplied(h.onEntryApplied)
	h.ctx.Submit(h.resetElectionTimer)
	return h, nil
}

// Role returns the current role.
func (h *Handler) Role() raftpb.Role {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.role
}

// Term returns the current term.
func (h *Handler) Term() raftpb.Term {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentTerm
}

// Leader returns this server's current view of the cluster leader, which
// may be stale or empty.
func (h *Handler) Leader() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.leaderID
}

// IsLeader reports whether this server currently believes itself leader.
func (h *Handler) IsLeader() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.role == raftpb.RoleLeader
}

// Stop halts the handler's context and any leader replication goroutines.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.repl != nil {
		h.repl.stop()
		h.repl = nil
	}
	h.mu.Unlock()
	h.ctx.Stop()
}

func (h *Handler) electionTimeout() time.Duration {
	span := h.electionTimeoutMax - h.electionTimeoutMin
	if span <= 0 {
		return h.electionTimeoutMin
	}
	return h.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// resetElectionTimer must run on h.ctx.
func (h *Handler) resetElectionTimer() {
	if h.cancelTimer != nil {
		h.cancelTimer()
	}
	h.mu.RLock()
	role := h.role
	h.mu.RUnlock()
	if role != raftpb.RoleFollower && role != raftpb.RoleCandidate {
		return
	}
	h.cancelTimer = h.ctx.Schedule(h.electionTimeout(), h.onElectionTimeout)
}

// onElectionTimeout runs on h.ctx.
func (h *Handler) onElectionTimeout() {
	h.mu.RLock()
	role := h.role
	h.mu.RUnlock()
	if role != raftpb.RoleFollower && role != raftpb.RoleCandidate {
		return
	}
	h.startElection()
}

// stepDownLocked adopts term as current, clears the vote, and returns to
// follower. Caller must hold h.mu.
func (h *Handler) stepDownLocked(term raftpb.Term) {
	h.currentTerm = term
	h.votedFor = ""
	h.role = raftpb.RoleFollower
	if err := h.meta.SetTermAndVote(term, ""); err != nil {
		level.Error(h.logger).Log("msg", "failed to persist term on step-down", "err", err)
	}
	if h.metricsv != nil {
		h.metricsv.Term.Set(float64(term))
		h.metricsv.Role.Set(float64(raftpb.RoleFollower))
	}
	if h.repl != nil {
		h.repl.stop()
		h.repl = nil
	}
}

// observeTerm steps down if term is strictly greater than currentTerm.
// Returns true if a step-down occurred.
func (h *Handler) observeTerm(term raftpb.Term) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if term <= h.currentTerm {
		return false
	}
	h.stepDownLocked(term)
	return true
}

func rpcContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}
