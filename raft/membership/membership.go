// Package membership implements cluster membership changes: they are
// proposed as configuration log entries, applied one member at a time to
// avoid split-brain across overlapping majorities, and take effect upon
// append rather than waiting for commit. The current configuration is a
// versioned, atomically-swapped value, so a reader on another goroutine
// never observes a torn in-between configuration while the role handler
// is mid-append.
package membership

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/quorumkit/raft/raftpb"
)

// Manager tracks the effective (append-time) and committed configuration.
// It is shared by the role handler (OnAppend, RevertTo) and the
// state-machine executor (OnCommit); mu guards its state.
type Manager struct {
	mu sync.RWMutex

	committed raftpb.Configuration
	effective raftpb.Configuration

	// history retains every configuration keyed by the log index that
	// introduced it, so a leader-change truncation can revert to exactly
	// the configuration in force before the reverted entry.
	history *immutable.SortedMap[raftpb.Index, raftpb.Configuration]
}

// NewManager creates a Manager seeded with an initial configuration (index
// 0, the bootstrap set).
func NewManager(initial raftpb.Configuration) *Manager {
	h := &immutable.SortedMap[raftpb.Index, raftpb.Configuration]{}
	h = h.Set(initial.Index, initial)
	return &Manager{committed: initial, effective: initial, history: h}
}

// Effective returns the configuration currently in force for replication
// and voting — the most recently appended one, whether or not committed.
func (m *Manager) Effective() raftpb.Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effective
}

// Committed returns the last configuration known to be committed.
func (m *Manager) Committed() raftpb.Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed
}

// HasUncommittedChange reports whether the effective configuration has not
// yet been committed — at most one may be outstanding at a time.
func (m *Manager) HasUncommittedChange() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effective.Index != m.committed.Index
}

// ProposeChange computes the next Configuration for a single join/leave/
// reconfigure operation, rejecting a second concurrent change. The caller
// is responsible for appending it to the log; OnAppend makes it effective.
func (m *Manager) ProposeChange(member raftpb.Member, leave bool) (raftpb.Configuration, error) {
	m.mu.RLock()
	cur := m.effective
	uncommitted := m.effective.Index != m.committed.Index
	m.mu.RUnlock()

	if uncommitted {
		return raftpb.Configuration{}, fmt.Errorf("membership: configuration change already in flight at index %d", cur.Index)
	}

	members := make([]raftpb.Member, 0, len(cur.Members)+1)
	found := false
	for _, existing := range cur.Members {
		if existing.NodeID == member.NodeID {
			found = true
			if !leave {
				members = append(members, member)
			}
			continue
		}
		members = append(members, existing)
	}
	if !found {
		if leave {
			return raftpb.Configuration{}, raftpb.IllegalMemberError{NodeID: member.NodeID, Reason: "not a member"}
		}
		members = append(members, member)
	}
	return raftpb.Configuration{Members: members}, nil
}

// OnAppend is invoked by the role handler the moment an EntryConfiguration is
// appended (not committed): it becomes effective immediately.
func (m *Manager) OnAppend(cfg raftpb.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.effective = cfg
	m.history = m.history.Set(cfg.Index, cfg)
}

// OnCommit is invoked by the applier once the configuration entry commits.
func (m *Manager) OnCommit(cfg raftpb.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = cfg
}

// RevertTo discards any configuration appended at an index greater than
// keepIndex, reverting the effective configuration to the one in force at
// keepIndex. This is used when a new leader truncates an uncommitted
// configuration change left by a previous leader.
func (m *Manager) RevertTo(keepIndex raftpb.Index) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best raftpb.Configuration
	it := m.history.Iterator()
	it.Last()
	var stale []raftpb.Index
	for !it.Done() {
		idx, cfg, _ := it.Prev()
		if idx <= keepIndex {
			best = cfg
			break
		}
		stale = append(stale, idx)
	}
	for _, idx := range stale {
		m.history = m.history.Delete(idx)
	}
	m.effective = best
	if m.committed.Index > best.Index {
		m.committed = best
	}
}
