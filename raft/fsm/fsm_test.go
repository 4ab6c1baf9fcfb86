package fsm

import (
	"io"
	"sync"
	"testing"
	"time"

	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/membership"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/session"
	"github.com/stretchr/testify/require"
)

type kvMachine struct {
	mu   sync.Mutex
	data map[string]string
}

func newKVMachine() *kvMachine { return &kvMachine{data: make(map[string]string)} }

func (m *kvMachine) Apply(_ raftpb.Index, sessionID raftpb.Index, operation []byte, pub Publisher) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(operation)] = "applied"
	pub.Publish(sessionID, operation)
	return []byte("ok"), nil
}

func (m *kvMachine) Query(_ raftpb.Index, operation []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []byte(m.data[string(operation)]), nil
}

func (m *kvMachine) Snapshot(w io.WriteCloser) error { return w.Close() }
func (m *kvMachine) Restore(r io.Reader) error       { return nil }

func newTestExecutor(t *testing.T) (*raftlog.Log, *Executor, *session.Manager) {
	t.Helper()
	l, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	sessions := session.NewManager()
	baseCfg := raftpb.Configuration{Members: []raftpb.Member{{NodeID: "n1", Type: raftpb.MemberActive}}}
	mem := membership.NewManager(baseCfg)
	exec := NewExecutor(l, newKVMachine(), sessions, mem, 0)
	t.Cleanup(exec.Stop)
	return l, exec, sessions
}

func waitApplied(t *testing.T, exec *Executor, want raftpb.Index) {
	t.Helper()
	require.Eventually(t, func() bool {
		return exec.AppliedIndex() >= want
	}, time.Second, time.Millisecond)
}

func TestExecutorAppliesOpenSessionThenCommand(t *testing.T) {
	l, exec, sessions := newTestExecutor(t)

	idx, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryOpenSession, Data: raftpb.EncodeOpenSessionPayload("client-a", int64(time.Second))})
	require.NoError(t, err)
	l.Commit(idx)
	exec.NotifyCommit()
	waitApplied(t, exec, idx)

	s, ok := sessions.Get(idx)
	require.True(t, ok)
	require.Equal(t, raftpb.SessionOpen, s.State)

	cmdIdx, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryCommand, Data: raftpb.EncodeCommandPayload(idx, 1, []byte("put-k"))})
	require.NoError(t, err)
	l.Commit(cmdIdx)
	exec.NotifyCommit()
	waitApplied(t, exec, cmdIdx)

	_, _, cached := sessions.CheckSequence(idx, 1)
	require.True(t, cached)

	pending, err := sessions.PendingEvents(idx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestExecutorDuplicateCommandNotReapplied(t *testing.T) {
	l, exec, sessions := newTestExecutor(t)

	sessIdx, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryOpenSession, Data: raftpb.EncodeOpenSessionPayload("client-a", int64(time.Second))})
	require.NoError(t, err)
	l.Commit(sessIdx)
	exec.NotifyCommit()
	waitApplied(t, exec, sessIdx)

	for i := 0; i < 2; i++ {
		idx, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryCommand, Data: raftpb.EncodeCommandPayload(sessIdx, 1, []byte("incr"))})
		require.NoError(t, err)
		l.Commit(idx)
		exec.NotifyCommit()
		waitApplied(t, exec, idx)
	}

	result, _, cached := sessions.CheckSequence(sessIdx, 1)
	require.True(t, cached)
	require.Equal(t, []byte("ok"), result)
}

func TestExecutorConfigurationEntryUpdatesMembership(t *testing.T) {
	l, exec, _ := newTestExecutor(t)

	cfg := raftpb.Configuration{Members: []raftpb.Member{
		{NodeID: "n1", Type: raftpb.MemberActive},
		{NodeID: "n2", Type: raftpb.MemberActive},
	}}
	idx, err := l.Append(raftpb.LogEntry{Term: 1, Kind: raftpb.EntryConfiguration, Data: raftpb.EncodeConfiguration(cfg)})
	require.NoError(t, err)
	l.Commit(idx)
	exec.NotifyCommit()
	waitApplied(t, exec, idx)

	require.Equal(t, idx, exec.membership.Committed().Index)
}
