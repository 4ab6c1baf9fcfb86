package role

import (
	"github.com/go-kit/log/level"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/sched"
)

// becomeLeader transitions to leader after winning an election: persists
// nothing further (the term/vote were already persisted by
// runRealElection), appends a no-op initialize entry so prior-term entries
// can be committed once this term's entry is, and starts the per-follower
// replication loop.
func (h *Handler) becomeLeader(term raftpb.Term) {
	h.mu.Lock()
	if h.currentTerm != term || h.role != raftpb.RoleCandidate {
		h.mu.Unlock()
		return
	}
	h.role = raftpb.RoleLeader
	h.leaderID = h.nodeID
	cfg := h.members.Effective()
	repl := newReplicator(h, term, cfg)
	h.repl = repl
	h.mu.Unlock()

	if h.cancelTimer != nil {
		h.cancelTimer()
		h.cancelTimer = nil
	}
	if h.metricsv != nil {
		h.metricsv.ElectionsWon.Inc()
		h.metricsv.Role.Set(float64(raftpb.RoleLeader))
	}

	idx, err := h.logLayer.Append(raftpb.LogEntry{Term: term, Kind: raftpb.EntryInitialize})
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to append initialize entry", "err", err)
		return
	}
	level.Info(h.logger).Log("msg", "became leader", "term", term, "initIndex", idx)

	repl.start()
	repl.notifyNewEntry()
}

// stepDownToFollower forces a leader back to follower (e.g. quorum lost),
// completing all outstanding command futures with Unavailable so the proxy
// retries elsewhere.
func (h *Handler) stepDownToFollower() {
	h.mu.Lock()
	term := h.currentTerm
	h.stepDownLocked(term)
	h.mu.Unlock()

	h.failPendingCommands(raftpb.UnavailableError{Reason: "leader stepped down"})
	h.ctx.Submit(h.resetElectionTimer)
}

func (h *Handler) failPendingCommands(err error) {
	h.pendingMu.Lock()
	pending := h.pendingCommands
	h.pendingCommands = make(map[raftpb.Index]*sched.Future[raftpb.CommandResponse])
	h.pendingMu.Unlock()
	for _, fut := range pending {
		fut.Complete(raftpb.CommandResponse{Error: err}, nil)
	}
}
