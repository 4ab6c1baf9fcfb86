package role

import (
	"context"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/quorumkit/raft/raftpb"
)

// startElection runs on h.ctx. It first runs a non-term-incrementing
// pre-vote (PollRequest) round to dampen churn during partition healing;
// only if the pre-vote indicates this server would win a real quorum does
// it increment the term and run the real election.
func (h *Handler) startElection() {
	cfg := h.members.Effective()
	if _, ok := cfg.Member(h.nodeID); !ok {
		return
	}
	if m, ok := cfg.Member(h.nodeID); ok && !m.Voting() {
		// Reserve/passive members never become candidates.
		return
	}

	h.mu.RLock()
	lastIndex := h.logLayer.LastIndex()
	lastTerm, _ := h.logLayer.TermAt(lastIndex)
	term := h.currentTerm
	h.mu.RUnlock()

	if h.runVoteRound(cfg, term+1, lastIndex, lastTerm, true) {
		h.runRealElection(cfg, lastIndex, lastTerm)
	} else {
		h.resetElectionTimer()
	}
}

func (h *Handler) runRealElection(cfg raftpb.Configuration, lastIndex raftpb.Index, lastTerm raftpb.Term) {
	h.mu.Lock()
	newTerm := h.currentTerm + 1
	h.currentTerm = newTerm
	h.votedFor = h.nodeID
	h.role = raftpb.RoleCandidate
	h.leaderID = ""
	if err := h.meta.SetTermAndVote(newTerm, h.nodeID); err != nil {
		level.Error(h.logger).Log("msg", "failed to persist vote", "err", err)
	}
	if h.metricsv != nil {
		h.metricsv.Elections.Inc()
		h.metricsv.Term.Set(float64(newTerm))
		h.metricsv.Role.Set(float64(raftpb.RoleCandidate))
	}
	h.mu.Unlock()

	h.resetElectionTimer()

	if h.runVoteRound(cfg, newTerm, lastIndex, lastTerm, false) {
		h.becomeLeader(newTerm)
	}
}

// runVoteRound sends VoteRequest (poll=true for pre-vote) to every voting
// member and reports whether a quorum granted. It blocks the calling
// goroutine (h.ctx) only long enough to fan out and collect; individual RPCs
// run concurrently.
func (h *Handler) runVoteRound(cfg raftpb.Configuration, term raftpb.Term, lastIndex raftpb.Index, lastTerm raftpb.Term, poll bool) bool {
	voters := cfg.VotingMembers()
	quorum := cfg.Quorum()

	var mu sync.Mutex
	granted := 1 // vote for self; a pre-vote round counts self as a yes too
	var wg sync.WaitGroup

	for _, m := range voters {
		if m.NodeID == h.nodeID {
			continue
		}
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := rpcContext(context.Background(), h.rpcTimeout)
			defer cancel()
			resp, err := h.transport.Vote(ctx, m.NodeID, raftpb.VoteRequest{
				Term:         term,
				Candidate:    h.nodeID,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
				Poll:         poll,
			})
			if err != nil {
				return
			}
			if !poll {
				h.observeTerm(resp.Term)
			}
			if resp.Voted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return granted >= quorum
}

// handleVoteRPC answers a VoteRequest or pre-vote PollRequest.
func (h *Handler) handleVoteRPC(_ context.Context, req raftpb.VoteRequest) (raftpb.VoteResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req.Term < h.currentTerm {
		return raftpb.VoteResponse{Term: h.currentTerm, Voted: false}, nil
	}

	lastIndex := h.logLayer.LastIndex()
	lastTerm, _ := h.logLayer.TermAt(lastIndex)
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	if req.Poll {
		// Pre-vote never persists anything; it only reports whether this
		// server WOULD grant a real vote at that term.
		wouldGrant := req.Term > h.currentTerm || h.votedFor == "" || h.votedFor == req.Candidate
		return raftpb.VoteResponse{Term: h.currentTerm, Voted: wouldGrant && upToDate}, nil
	}

	if req.Term > h.currentTerm {
		h.stepDownLocked(req.Term)
	}

	if h.votedFor != "" && h.votedFor != req.Candidate {
		return raftpb.VoteResponse{Term: h.currentTerm, Voted: false}, nil
	}
	if !upToDate {
		return raftpb.VoteResponse{Term: h.currentTerm, Voted: false}, nil
	}

	h.votedFor = req.Candidate
	if err := h.meta.SetTermAndVote(h.currentTerm, req.Candidate); err != nil {
		level.Error(h.logger).Log("msg", "failed to persist vote", "err", err)
	}
	h.ctx.Submit(h.resetElectionTimer)
	return raftpb.VoteResponse{Term: h.currentTerm, Voted: true}, nil
}
