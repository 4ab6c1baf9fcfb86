package proxy

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/quorumkit/raft/fsm"
	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/membership"
	"github.com/quorumkit/raft/metastore"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/role"
	"github.com/quorumkit/raft/session"
	"github.com/quorumkit/raft/snapshotstore"
	"github.com/quorumkit/raft/transport"
	"github.com/stretchr/testify/require"
)

// echoMachine records the last operation applied and echoes it back on
// query, exercising the client's submit/query round trip end to end
// through a real cluster.
type echoMachine struct {
	last string
}

func (m *echoMachine) Apply(_ raftpb.Index, _ raftpb.Index, operation []byte, _ fsm.Publisher) ([]byte, error) {
	m.last = string(operation)
	return []byte("ok:" + m.last), nil
}

func (m *echoMachine) Query(_ raftpb.Index, _ []byte) ([]byte, error) { return []byte(m.last), nil }
func (m *echoMachine) Snapshot(w io.WriteCloser) error                { return w.Close() }
func (m *echoMachine) Restore(r io.Reader) error                      { return nil }

func serverIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("n%d", i+1)
	}
	return out
}

func newTestCluster(t *testing.T, n int) *transport.Loopback {
	t.Helper()
	mesh := transport.NewLoopback()
	ids := serverIDs(n)
	members := make([]raftpb.Member, n)
	for i, id := range ids {
		members[i] = raftpb.Member{NodeID: id, Type: raftpb.MemberActive}
	}
	cfg := raftpb.Configuration{Members: members}

	for _, id := range ids {
		l, err := raftlog.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })

		meta, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
		require.NoError(t, err)
		t.Cleanup(func() { meta.Close() })

		mem := membership.NewManager(cfg)
		machine := &echoMachine{}
		sessions := session.NewManager()
		exec := fsm.NewExecutor(l, machine, sessions, mem, 0)
		t.Cleanup(exec.Stop)
		snaps := snapshotstore.NewMemStore()

		h, err := role.NewHandler(id, l, meta, mem, exec, sessions, mesh, snaps,
			role.WithElectionTimeout(20*time.Millisecond, 40*time.Millisecond),
			role.WithHeartbeatInterval(5*time.Millisecond),
			role.WithQueryMachine(machine),
		)
		require.NoError(t, err)
		t.Cleanup(h.Stop)
	}
	return mesh
}

func TestClientSubmitAndQuery(t *testing.T) {
	mesh := newTestCluster(t, 3)
	client := New(mesh, serverIDs(3), WithSessionTimeout(2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Open(ctx, "test-client"))
	defer client.Close(context.Background())

	resp, err := client.Submit(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok:hello"), resp.Result)

	qresp, err := client.Query(ctx, nil, raftpb.ConsistencyEventual)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), qresp.Result)
}

func TestClientRetriesUntilLeaderFound(t *testing.T) {
	mesh := newTestCluster(t, 3)
	// Routing starts at n1, which need not be the elected leader: the
	// client must follow NotLeaderError hints rather than failing outright.
	client := New(mesh, serverIDs(3), WithSessionTimeout(2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Open(ctx, "test-client-2"))
	defer client.Close(context.Background())

	_, err := client.Submit(ctx, []byte("a"))
	require.NoError(t, err)
}

func TestBackoffDelayRespectsCeiling(t *testing.T) {
	c := New(nil, nil, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	for attempt := 0; attempt < 10; attempt++ {
		d := c.backoffDelay(attempt)
		require.True(t, d <= 50*time.Millisecond)
		require.True(t, d >= 0)
	}
}
