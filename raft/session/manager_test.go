package session

import (
	"testing"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func TestManagerOpenAndKeepAlive(t *testing.T) {
	m := NewManager()
	s := m.Open(1, "client-a", int64(1000), 0)
	require.Equal(t, raftpb.SessionOpen, s.State)

	_, err := m.KeepAlive(1, 0, 0, 500)
	require.NoError(t, err)
	got, _ := m.Get(1)
	require.Equal(t, int64(500), got.LastHeartbeat)
}

func TestManagerKeepAliveUnknownSession(t *testing.T) {
	m := NewManager()
	_, err := m.KeepAlive(99, 0, 0, 0)
	require.ErrorAs(t, err, &raftpb.UnknownSessionError{})
}

func TestManagerExactlyOnceCommand(t *testing.T) {
	m := NewManager()
	m.Open(1, "client-a", int64(1000), 0)

	result, err, cached := m.CheckSequence(1, 5)
	require.False(t, cached)
	require.Nil(t, result)
	require.NoError(t, err)

	m.RecordResponse(1, 5, []byte("ok"), nil)

	result, err, cached = m.CheckSequence(1, 5)
	require.True(t, cached)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), result)

	// A lower, already-superseded sequence is also treated as duplicate.
	result, _, cached = m.CheckSequence(1, 3)
	require.True(t, cached)
	require.Nil(t, result)
}

func TestManagerCloseFiresListenerOnce(t *testing.T) {
	m := NewManager()
	m.Open(1, "client-a", int64(1000), 0)

	var fired int
	m.OnClose(func(raftpb.Index) { fired++ })

	require.NoError(t, m.Close(1))
	require.NoError(t, m.Close(1)) // idempotent
	require.Equal(t, 1, fired)
}

func TestManagerExpireStaleFiresOnClose(t *testing.T) {
	m := NewManager()
	m.Open(1, "client-a", int64(1000), 0)

	var fired []raftpb.Index
	m.OnClose(func(id raftpb.Index) { fired = append(fired, id) })

	m.ExpireStale(500) // within timeout, not yet expired
	s, _ := m.Get(1)
	require.Equal(t, raftpb.SessionOpen, s.State)

	m.ExpireStale(2000) // past timeout
	s, _ = m.Get(1)
	require.Equal(t, raftpb.SessionExpired, s.State)
	require.Equal(t, []raftpb.Index{1}, fired)
}

func TestManagerEventPublishAndKeepAliveEviction(t *testing.T) {
	m := NewManager()
	m.Open(1, "client-a", int64(1000), 0)

	i1, err := m.PublishEvent(1, []byte("e1"))
	require.NoError(t, err)
	i2, err := m.PublishEvent(1, []byte("e2"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), i1)
	require.Equal(t, uint64(2), i2)

	pending, err := m.PendingEvents(1, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = m.KeepAlive(1, 0, i1, 0)
	require.NoError(t, err)

	pending, err = m.PendingEvents(1, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(2), pending[0].Index)
}
