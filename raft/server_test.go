package raft

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/quorumkit/raft/fsm"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/transport"
	"github.com/stretchr/testify/require"
)

// counterMachine applies "incr" operations by bumping an in-memory
// counter, and serves queries returning its current value, exercising
// Server's full submit/apply/query round trip.
type counterMachine struct{ n int }

func (m *counterMachine) Apply(_, _ raftpb.Index, _ []byte, _ fsm.Publisher) ([]byte, error) {
	m.n++
	return []byte(fmt.Sprintf("%d", m.n)), nil
}

func (m *counterMachine) Query(_ raftpb.Index, _ []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("%d", m.n)), nil
}

func (m *counterMachine) Snapshot(w io.WriteCloser) error {
	_, err := w.Write([]byte(fmt.Sprintf("%d", m.n)))
	if err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (m *counterMachine) Restore(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var n int
	fmt.Sscanf(string(buf), "%d", &n)
	m.n = n
	return nil
}

func newSingleNodeServer(t *testing.T) (*Server, *counterMachine) {
	t.Helper()
	mesh := transport.NewLoopback()
	cfg := DefaultConfig("n1", t.TempDir())
	cfg.Bootstrap = raftpb.Configuration{Members: []raftpb.Member{{NodeID: "n1", Type: raftpb.MemberActive}}}
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond

	machine := &counterMachine{}
	s, err := New(cfg, machine, mesh)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s, machine
}

func waitForLeader(t *testing.T, s *Server) {
	t.Helper()
	require.Eventually(t, s.IsLeader, time.Second, 5*time.Millisecond)
}

func TestServerSubmitAndQuery(t *testing.T) {
	s, _ := newSingleNodeServer(t)
	waitForLeader(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	open, err := s.OpenSession(ctx, "", DefaultSessionTimeout)
	require.NoError(t, err)

	resp, err := s.Submit(ctx, open.Session, 1, []byte("incr"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), resp.Result)

	resp, err = s.Submit(ctx, open.Session, 2, []byte("incr"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), resp.Result)

	qresp, err := s.Query(ctx, raftpb.QueryRequest{Consistency: raftpb.ConsistencyEventual})
	require.NoError(t, err)
	require.Equal(t, []byte("2"), qresp.Result)
}

func TestServerMetadataReportsSelfAsLeader(t *testing.T) {
	s, _ := newSingleNodeServer(t)
	waitForLeader(t, s)

	md := s.Metadata()
	require.Equal(t, "n1", md.Leader)
	require.Len(t, md.Members, 1)
}

// DefaultSessionTimeout mirrors raft/proxy's constant for tests that don't
// import the proxy package directly.
const DefaultSessionTimeout = 10 * time.Second
