package role

import (
	"context"

	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/sched"
)

// leaderCheck returns an error if this server cannot service a
// leader-only request right now: the caller must be routed to the current
// leader, or told there isn't one.
func (h *Handler) leaderCheck() (raftpb.Term, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.role != raftpb.RoleLeader {
		if h.leaderID == "" {
			return 0, raftpb.NoLeaderError{ServerID: h.nodeID}
		}
		return 0, raftpb.NotLeaderError{ServerID: h.nodeID, KnownLeader: h.leaderID}
	}
	return h.currentTerm, nil
}

func (h *Handler) notifyReplication() {
	h.mu.RLock()
	repl := h.repl
	h.mu.RUnlock()
	if repl != nil {
		repl.notifyNewEntry()
	}
}

func (h *Handler) registerApplied(idx raftpb.Index) *sched.Future[struct{}] {
	fut := sched.NewFuture[struct{}]()
	h.pendingMu.Lock()
	h.pendingApplied[idx] = fut
	h.pendingMu.Unlock()
	return fut
}

func (h *Handler) registerCommand(idx raftpb.Index, session raftpb.Index, sequence uint64) *sched.Future[raftpb.CommandResponse] {
	fut := sched.NewFuture[raftpb.CommandResponse]()
	h.pendingMu.Lock()
	h.pendingCommands[idx] = fut
	h.pendingMeta[idx] = pendingCommandMeta{session: session, sequence: sequence}
	h.pendingMu.Unlock()
	return fut
}

// onEntryApplied is registered with the applier and runs after every entry
// applies, resolving whichever pending future (if any) is waiting on it.
func (h *Handler) onEntryApplied(index raftpb.Index) {
	h.pendingMu.Lock()
	appliedFut, hasApplied := h.pendingApplied[index]
	if hasApplied {
		delete(h.pendingApplied, index)
	}
	meta, hasMeta := h.pendingMeta[index]
	cmdFut, hasCmd := h.pendingCommands[index]
	if hasMeta && hasCmd {
		delete(h.pendingMeta, index)
		delete(h.pendingCommands, index)
	}
	h.pendingMu.Unlock()

	if hasApplied {
		appliedFut.Complete(struct{}{}, nil)
	}
	if hasMeta && hasCmd {
		result, appErr, _ := h.sessions.CheckSequence(meta.session, meta.sequence)
		cmdFut.Complete(raftpb.CommandResponse{Index: index, Result: result, Error: appErr}, nil)
	}
}

// waitApplied blocks until the entry at idx has been applied or ctx is
// cancelled.
func (h *Handler) waitApplied(ctx context.Context, idx raftpb.Index) error {
	fut := h.registerApplied(idx)
	select {
	case <-fut.Done():
		_, err := fut.Wait()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitCommand appends a command entry under the given session and waits
// for it to be applied, returning the state machine's result exactly once
// per (session, sequence) pair.
func (h *Handler) SubmitCommand(ctx context.Context, session raftpb.Index, sequence uint64, operation []byte) (raftpb.CommandResponse, error) {
	term, err := h.leaderCheck()
	if err != nil {
		return raftpb.CommandResponse{}, err
	}
	idx, err := h.logLayer.Append(raftpb.LogEntry{
		Term: term,
		Kind: raftpb.EntryCommand,
		Data: raftpb.EncodeCommandPayload(session, sequence, operation),
	})
	if err != nil {
		return raftpb.CommandResponse{}, raftpb.UnavailableError{Reason: err.Error()}
	}
	fut := h.registerCommand(idx, session, sequence)
	h.notifyReplication()

	select {
	case <-fut.Done():
		resp, _ := fut.Wait()
		if _, ok := resp.Error.(raftpb.UnavailableError); ok {
			// Failed by a leader step-down: report it as an error so the
			// caller retries against another server.
			return raftpb.CommandResponse{}, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return raftpb.CommandResponse{}, ctx.Err()
	}
}

// SubmitQuery serves a read-only operation per the requested consistency
// mode: linearizable queries route through the log exactly like a command
// (minus the session bookkeeping), sequential/eventual read directly
// against the current applied state.
func (h *Handler) SubmitQuery(ctx context.Context, machine QueryMachine, req raftpb.QueryRequest) (raftpb.QueryResponse, error) {
	switch req.Consistency {
	case raftpb.ConsistencyLinearizable:
		term, err := h.leaderCheck()
		if err != nil {
			return raftpb.QueryResponse{}, err
		}
		idx, err := h.logLayer.Append(raftpb.LogEntry{Term: term, Kind: raftpb.EntryQueryForLog})
		if err != nil {
			return raftpb.QueryResponse{}, raftpb.UnavailableError{Reason: err.Error()}
		}
		h.notifyReplication()
		if err := h.waitApplied(ctx, idx); err != nil {
			return raftpb.QueryResponse{}, err
		}
		result, err := machine.Query(idx, req.Operation)
		return raftpb.QueryResponse{Index: idx, Result: result, Error: err}, nil
	case raftpb.ConsistencySequential:
		if _, err := h.leaderCheck(); err != nil {
			return raftpb.QueryResponse{}, err
		}
		fallthrough
	default: // ConsistencyEventual
		idx := h.applier.AppliedIndex()
		result, err := machine.Query(idx, req.Operation)
		return raftpb.QueryResponse{Index: idx, Result: result, Error: err}, nil
	}
}

// OpenSession appends an open-session entry and waits for it to apply,
// returning the new session ID (its own log index).
func (h *Handler) OpenSession(ctx context.Context, client string, timeout int64) (raftpb.OpenSessionResponse, error) {
	term, err := h.leaderCheck()
	if err != nil {
		return raftpb.OpenSessionResponse{}, err
	}
	idx, err := h.logLayer.Append(raftpb.LogEntry{
		Term: term,
		Kind: raftpb.EntryOpenSession,
		Data: raftpb.EncodeOpenSessionPayload(client, timeout),
	})
	if err != nil {
		return raftpb.OpenSessionResponse{}, raftpb.UnavailableError{Reason: err.Error()}
	}
	h.notifyReplication()
	if err := h.waitApplied(ctx, idx); err != nil {
		return raftpb.OpenSessionResponse{}, err
	}
	return raftpb.OpenSessionResponse{Session: idx}, nil
}

// CloseSession appends a close-session entry and waits for it to apply.
func (h *Handler) CloseSession(ctx context.Context, session raftpb.Index) (raftpb.CloseSessionResponse, error) {
	term, err := h.leaderCheck()
	if err != nil {
		return raftpb.CloseSessionResponse{}, err
	}
	idx, err := h.logLayer.Append(raftpb.LogEntry{
		Term: term,
		Kind: raftpb.EntryCloseSession,
		Data: raftpb.EncodeCloseSessionPayload(session),
	})
	if err != nil {
		return raftpb.CloseSessionResponse{}, raftpb.UnavailableError{Reason: err.Error()}
	}
	h.notifyReplication()
	if err := h.waitApplied(ctx, idx); err != nil {
		return raftpb.CloseSessionResponse{}, err
	}
	return raftpb.CloseSessionResponse{}, nil
}

// KeepAlive appends a keep-alive entry renewing session's lease and
// acknowledging processed sequences/events, then reports current routing.
func (h *Handler) KeepAlive(ctx context.Context, req raftpb.KeepAliveRequest) (raftpb.KeepAliveResponse, error) {
	term, err := h.leaderCheck()
	if err != nil {
		return raftpb.KeepAliveResponse{}, err
	}
	idx, err := h.logLayer.Append(raftpb.LogEntry{
		Term: term,
		Kind: raftpb.EntryKeepAlive,
		Data: raftpb.EncodeKeepAlivePayload(req.Session, req.CommandSequence, req.EventIndex),
	})
	if err != nil {
		return raftpb.KeepAliveResponse{}, raftpb.UnavailableError{Reason: err.Error()}
	}
	h.notifyReplication()
	if err := h.waitApplied(ctx, idx); err != nil {
		return raftpb.KeepAliveResponse{}, err
	}

	s, ok := h.sessions.Get(req.Session)
	status := raftpb.SessionExpired
	if ok {
		status = s.State
	}
	cfg := h.members.Effective()
	return raftpb.KeepAliveResponse{Leader: h.Leader(), Members: cfg.Members, Status: status}, nil
}

// ConfigurationChange proposes a single-member join/leave and waits for it
// to commit. The change takes effect on append and becomes durable once
// committed.
func (h *Handler) ConfigurationChange(ctx context.Context, req raftpb.ConfigurationChangeRequest) (raftpb.ConfigurationChangeResponse, error) {
	term, err := h.leaderCheck()
	if err != nil {
		return raftpb.ConfigurationChangeResponse{}, err
	}
	next, err := h.members.ProposeChange(req.Member, req.Leave)
	if err != nil {
		return raftpb.ConfigurationChangeResponse{}, err
	}
	idx, err := h.logLayer.Append(raftpb.LogEntry{
		Term: term,
		Kind: raftpb.EntryConfiguration,
		Data: raftpb.EncodeConfiguration(next),
	})
	if err != nil {
		return raftpb.ConfigurationChangeResponse{}, raftpb.UnavailableError{Reason: err.Error()}
	}
	next.Index = idx
	h.members.OnAppend(next)
	h.notifyReplication()

	if err := h.waitApplied(ctx, idx); err != nil {
		return raftpb.ConfigurationChangeResponse{}, err
	}
	return raftpb.ConfigurationChangeResponse{Configuration: h.members.Committed()}, nil
}

func (h *Handler) handleCommandRPC(ctx context.Context, req raftpb.CommandRequest) (raftpb.CommandResponse, error) {
	return h.SubmitCommand(ctx, req.Session, req.Sequence, req.Operation)
}

func (h *Handler) handleKeepAliveRPC(ctx context.Context, req raftpb.KeepAliveRequest) (raftpb.KeepAliveResponse, error) {
	return h.KeepAlive(ctx, req)
}

func (h *Handler) handleOpenSessionRPC(ctx context.Context, req raftpb.OpenSessionRequest) (raftpb.OpenSessionResponse, error) {
	return h.OpenSession(ctx, req.Client, req.Timeout)
}

func (h *Handler) handleCloseSessionRPC(ctx context.Context, req raftpb.CloseSessionRequest) (raftpb.CloseSessionResponse, error) {
	return h.CloseSession(ctx, req.Session)
}

func (h *Handler) handleConfigureRPC(ctx context.Context, req raftpb.ConfigurationChangeRequest) (raftpb.ConfigurationChangeResponse, error) {
	return h.ConfigurationChange(ctx, req)
}

func (h *Handler) handleMetadataRPC(_ context.Context, _ raftpb.MetadataRequest) (raftpb.MetadataResponse, error) {
	cfg := h.members.Effective()
	return raftpb.MetadataResponse{Leader: h.Leader(), Members: cfg.Members}, nil
}

// handleQueryRPC answers a QueryRequest; the concrete state machine is
// wired in by Server (the role package only knows the narrow Query method
// needed here, to avoid an import cycle with raft/fsm).
func (h *Handler) handleQueryRPC(ctx context.Context, req raftpb.QueryRequest) (raftpb.QueryResponse, error) {
	if h.queryMachine == nil {
		return raftpb.QueryResponse{}, raftpb.ProtocolError{Reason: "query machine not wired"}
	}
	return h.SubmitQuery(ctx, h.queryMachine, req)
}
