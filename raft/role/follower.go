package role

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/quorumkit/raft/raftpb"
)

// handleAppendRPC answers an AppendRequest: rejects stale terms, steps
// down on a higher term, enforces the log-matching
// property at PrevLogIndex/PrevLogTerm, truncates any divergent suffix,
// appends the new entries, and advances the local commit index.
func (h *Handler) handleAppendRPC(_ context.Context, req raftpb.AppendRequest) (raftpb.AppendResponse, error) {
	h.mu.Lock()
	if req.Term < h.currentTerm {
		term := h.currentTerm
		h.mu.Unlock()
		return raftpb.AppendResponse{Term: term, Succeeded: false, LogIndex: h.logLayer.LastIndex()}, nil
	}
	if req.Term > h.currentTerm || h.role == raftpb.RoleCandidate {
		h.stepDownLocked(req.Term)
	}
	h.leaderID = req.Leader
	h.mu.Unlock()

	h.ctx.Submit(h.resetElectionTimer)

	if req.PrevLogIndex > 0 {
		localTerm, ok := h.logLayer.TermAt(req.PrevLogIndex)
		if !ok || localTerm != req.PrevLogTerm {
			// Nothing at or after PrevLogIndex matches the leader, so the
			// hint is capped just below it.
			hint := h.logLayer.LastIndex()
			if req.PrevLogIndex-1 < hint {
				hint = req.PrevLogIndex - 1
			}
			return raftpb.AppendResponse{Term: h.Term(), Succeeded: false, LogIndex: hint}, nil
		}
	}

	next := req.PrevLogIndex
	for _, e := range req.Entries {
		next++
		if existing, ok := h.logLayer.TermAt(next); ok {
			if existing == e.Term {
				continue
			}
			if err := h.logLayer.Truncate(next - 1); err != nil {
				level.Error(h.logger).Log("msg", "truncate on conflict failed", "index", next, "err", err)
				return raftpb.AppendResponse{Term: h.Term(), Succeeded: false, LogIndex: h.logLayer.LastIndex()}, nil
			}
			// An uncommitted configuration change beyond the truncation
			// point never took effect; revert to the prior configuration.
			h.members.RevertTo(next - 1)
		}
		e.Index = next
		if e.Kind == raftpb.EntryConfiguration {
			if cfg, err := raftpb.DecodeConfiguration(next, e.Data); err == nil {
				h.members.OnAppend(cfg)
			}
		}
		if err := h.logLayer.AppendAt(e); err != nil {
			level.Error(h.logger).Log("msg", "append entry failed", "index", next, "err", err)
			return raftpb.AppendResponse{Term: h.Term(), Succeeded: false, LogIndex: h.logLayer.LastIndex()}, nil
		}
	}

	lastLocal := h.logLayer.LastIndex()
	if req.CommitIndex > h.logLayer.CommitIndex() {
		commit := req.CommitIndex
		if commit > lastLocal {
			commit = lastLocal
		}
		h.logLayer.Commit(commit)
		h.applier.NotifyCommit()
	}

	return raftpb.AppendResponse{Term: h.Term(), Succeeded: true, LogIndex: lastLocal}, nil
}

// handleInstallRPC answers one chunk of an InstallRequest, implementing a
// five-step protocol: term check, create-pending-if-absent, offset
// validation, append-and-advance, and on the final chunk seal the
// snapshot, discard superseded log entries, and load it into the state
// machine.
func (h *Handler) handleInstallRPC(_ context.Context, req raftpb.InstallRequest) (raftpb.InstallResponse, error) {
	h.mu.Lock()
	if req.Term < h.currentTerm {
		term := h.currentTerm
		h.mu.Unlock()
		return raftpb.InstallResponse{Term: term, Succeeded: false}, nil
	}
	if req.Term > h.currentTerm {
		h.stepDownLocked(req.Term)
	}
	h.leaderID = req.Leader
	h.mu.Unlock()
	h.ctx.Submit(h.resetElectionTimer)

	snap := h.snapshots.GetOrCreate(req.SnapshotID, req.SnapshotIndex, 0)

	h.installMu.Lock()
	w, ok := h.installWriters[req.SnapshotID]
	if !ok {
		var err error
		w, err = snap.Writer()
		if err != nil {
			h.installMu.Unlock()
			level.Error(h.logger).Log("msg", "install: open writer failed", "err", err)
			return raftpb.InstallResponse{Term: h.Term(), Succeeded: false}, nil
		}
		h.installWriters[req.SnapshotID] = w
	}
	h.installMu.Unlock()

	if int64(req.Offset) != w.Offset() {
		return raftpb.InstallResponse{Term: h.Term(), Succeeded: false, NextOffset: uint32(w.Offset())}, nil
	}
	if len(req.Data) > 0 {
		if _, err := w.Write(req.Data); err != nil {
			level.Error(h.logger).Log("msg", "install: write chunk failed", "err", err)
			return raftpb.InstallResponse{Term: h.Term(), Succeeded: false}, nil
		}
	}

	if !req.Complete {
		return raftpb.InstallResponse{Term: h.Term(), Succeeded: true, NextOffset: uint32(w.Offset())}, nil
	}

	if err := w.Close(); err != nil {
		level.Error(h.logger).Log("msg", "install: close failed", "err", err)
		return raftpb.InstallResponse{Term: h.Term(), Succeeded: false}, nil
	}
	h.installMu.Lock()
	delete(h.installWriters, req.SnapshotID)
	h.installMu.Unlock()

	if err := h.logLayer.ResetToIndex(req.SnapshotIndex); err != nil {
		level.Error(h.logger).Log("msg", "install: reset log failed", "err", err)
		return raftpb.InstallResponse{Term: h.Term(), Succeeded: false}, nil
	}

	reader, err := snap.Reader()
	if err != nil {
		level.Error(h.logger).Log("msg", "install: open reader failed", "err", err)
		return raftpb.InstallResponse{Term: h.Term(), Succeeded: false}, nil
	}
	if err := h.applier.Restore(reader, req.SnapshotIndex); err != nil {
		level.Error(h.logger).Log("msg", "install: restore into state machine failed", "err", err)
		return raftpb.InstallResponse{Term: h.Term(), Succeeded: false}, nil
	}

	level.Info(h.logger).Log("msg", "installed snapshot", "index", req.SnapshotIndex, "id", req.SnapshotID)
	return raftpb.InstallResponse{Term: h.Term(), Succeeded: true, NextOffset: uint32(w.Offset())}, nil
}
