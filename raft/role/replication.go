package role

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	"github.com/quorumkit/raft/raftpb"
	"golang.org/x/sync/errgroup"
)

// replicator drives the leader's replication loop: one logical round per
// heartbeat interval (or on-demand when a new entry is appended), fanning
// out AppendRequests to every follower concurrently and collecting results
// with errgroup.
type replicator struct {
	h    *Handler
	term raftpb.Term

	mu         sync.Mutex
	nextIndex  map[string]raftpb.Index
	matchIndex map[string]raftpb.Index

	cancelLoop      func()
	cancelQuorumChk func()
	trigger         chan struct{}
	stopped         chan struct{}

	lastQuorumMu   sync.Mutex
	lastQuorumTime time.Time
}

func newReplicator(h *Handler, term raftpb.Term, cfg raftpb.Configuration) *replicator {
	r := &replicator{
		h:          h,
		term:       term,
		nextIndex:  make(map[string]raftpb.Index),
		matchIndex: make(map[string]raftpb.Index),
		trigger:    make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	r.lastQuorumTime = time.Now()
	last := h.logLayer.LastIndex()
	for _, m := range cfg.Members {
		if m.NodeID == h.nodeID {
			continue
		}
		r.nextIndex[m.NodeID] = last + 1
		r.matchIndex[m.NodeID] = 0
	}
	return r
}

func (r *replicator) start() {
	r.cancelLoop = r.h.ctx.SchedulePeriodic(func() time.Duration { return r.h.heartbeatInterval }, func() {
		go r.replicateRound()
	})
	r.cancelQuorumChk = r.h.ctx.SchedulePeriodic(func() time.Duration { return r.h.electionTimeoutMin }, r.checkQuorum)
	go r.watchTrigger()
}

func (r *replicator) watchTrigger() {
	for {
		select {
		case <-r.trigger:
			r.replicateRound()
		case <-r.stopped:
			return
		}
	}
}

// notifyNewEntry wakes the replication loop immediately instead of waiting
// for the next heartbeat tick.
func (r *replicator) notifyNewEntry() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *replicator) stop() {
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	if r.cancelQuorumChk != nil {
		r.cancelQuorumChk()
	}
	select {
	case <-r.stopped:
	default:
		close(r.stopped)
	}
}

// recordQuorumContact stamps the time a round last heard back from at least
// a quorum of voting members (self included).
func (r *replicator) recordQuorumContact() {
	r.lastQuorumMu.Lock()
	r.lastQuorumTime = time.Now()
	r.lastQuorumMu.Unlock()
}

// checkQuorum runs periodically on h.ctx's schedule and steps the leader
// down if it has not heard from a quorum within an election timeout.
func (r *replicator) checkQuorum() {
	r.lastQuorumMu.Lock()
	last := r.lastQuorumTime
	r.lastQuorumMu.Unlock()
	if time.Since(last) > r.h.electionTimeoutMin {
		go r.h.stepDownToFollower()
	}
}

// followerTargets returns the current set of peers this leader should
// replicate to (every member but itself and reserve members — passive
// members replicate but never vote).
func (r *replicator) followerTargets() []string {
	cfg := r.h.members.Effective()
	out := make([]string, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		if m.NodeID != r.h.nodeID && m.Type != raftpb.MemberReserve {
			out = append(out, m.NodeID)
		}
	}
	return out
}

func (r *replicator) replicateRound() {
	targets := r.followerTargets()

	var successes int32
	g, ctx := errgroup.WithContext(context.Background())
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if r.replicateTo(ctx, target) {
				atomic.AddInt32(&successes, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	cfg := r.h.members.Effective()
	if int(successes)+1 >= cfg.Quorum() {
		r.recordQuorumContact()
	}

	r.advanceCommitIndex()
}

// replicateTo sends (or skips to snapshot install for) one follower and
// reports whether the follower is caught up and reachable this round, for
// quorum-contact tracking.
func (r *replicator) replicateTo(ctx context.Context, target string) bool {
	r.mu.Lock()
	next := r.nextIndex[target]
	r.mu.Unlock()

	lastIndex := r.h.logLayer.LastIndex()
	prevIndex := next - 1
	prevTerm, _ := r.h.logLayer.TermAt(prevIndex)

	var entries []raftpb.LogEntry
	for idx := next; idx <= lastIndex; idx++ {
		e, err := r.h.logLayer.GetEntry(idx)
		if err != nil {
			// Entry already compacted away: fall back to install.
			return r.installSnapshot(ctx, target)
		}
		entries = append(entries, e)
	}

	rpcCtx, cancel := rpcContext(ctx, r.h.rpcTimeout)
	defer cancel()

	start := time.Now()
	resp, err := r.h.transport.Append(rpcCtx, target, raftpb.AppendRequest{
		Term:         r.term,
		Leader:       r.h.nodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  r.h.logLayer.CommitIndex(),
	})
	if err != nil {
		return false
	}
	if r.h.metricsv != nil {
		r.h.metricsv.ObserveReplicate(time.Since(start))
	}
	if r.h.observeTerm(resp.Term) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if resp.Succeeded {
		if len(entries) > 0 {
			r.matchIndex[target] = entries[len(entries)-1].Index
			r.nextIndex[target] = r.matchIndex[target] + 1
		}
		return true
	}
	// Rejected: back off using the follower's hint.
	hint := resp.LogIndex + 1
	if hint < 1 {
		hint = 1
	}
	if hint < r.nextIndex[target] {
		r.nextIndex[target] = hint
	} else if r.nextIndex[target] > 1 {
		r.nextIndex[target]--
	}
	return false
}

func (r *replicator) installSnapshot(ctx context.Context, target string) bool {
	cur := r.h.snapshots.Current()
	if cur == nil {
		return false
	}
	reader, err := cur.Reader()
	if err != nil {
		return false
	}
	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)
	var offset uint32
	for {
		n, readErr := reader.Read(buf)
		complete := readErr != nil
		rpcCtx, cancel := rpcContext(ctx, r.h.rpcTimeout)
		resp, err := r.h.transport.Install(rpcCtx, target, raftpb.InstallRequest{
			Term:          r.term,
			Leader:        r.h.nodeID,
			SnapshotID:    cur.ID(),
			SnapshotIndex: cur.Index(),
			Offset:        offset,
			Data:          append([]byte(nil), buf[:n]...),
			Complete:      complete,
		})
		cancel()
		if err != nil {
			return false
		}
		if r.h.observeTerm(resp.Term) {
			return false
		}
		if !resp.Succeeded {
			return false
		}
		offset = resp.NextOffset
		if complete {
			r.mu.Lock()
			r.matchIndex[target] = cur.Index()
			r.nextIndex[target] = cur.Index() + 1
			r.mu.Unlock()
			return true
		}
	}
}

// advanceCommitIndex computes the highest N such that a majority of
// voting members have matchIndex >= N AND log[N].term == currentTerm.
// Entries from prior terms are committed only implicitly, once a
// current-term entry reaches commit.
func (r *replicator) advanceCommitIndex() {
	cfg := r.h.members.Effective()
	voters := cfg.VotingMembers()

	r.mu.Lock()
	matches := make([]raftpb.Index, 0, len(voters))
	for _, m := range voters {
		if m.NodeID == r.h.nodeID {
			matches = append(matches, r.h.logLayer.LastIndex())
			continue
		}
		matches = append(matches, r.matchIndex[m.NodeID])
	}
	r.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorum := cfg.Quorum()
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate <= r.h.logLayer.CommitIndex() {
		return
	}
	term, ok := r.h.logLayer.TermAt(candidate)
	if !ok || term != r.term {
		return
	}
	r.h.logLayer.Commit(candidate)
	if r.h.metricsv != nil {
		r.h.metricsv.CommitIndex.Set(float64(candidate))
	}
	r.h.applier.NotifyCommit()
	level.Debug(r.h.logger).Log("msg", "commit index advanced", "index", candidate)
}
