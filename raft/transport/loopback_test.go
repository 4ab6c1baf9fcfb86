package transport

import (
	"context"
	"testing"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func TestLoopbackDispatchesToRegisteredHandler(t *testing.T) {
	lb := NewLoopback()
	lb.Register("n1", Handlers{
		Vote: func(_ context.Context, req raftpb.VoteRequest) (raftpb.VoteResponse, error) {
			return raftpb.VoteResponse{Term: req.Term, Voted: true}, nil
		},
	})

	resp, err := lb.Vote(context.Background(), "n1", raftpb.VoteRequest{Term: 3})
	require.NoError(t, err)
	require.True(t, resp.Voted)
	require.Equal(t, raftpb.Term(3), resp.Term)
}

func TestLoopbackUnknownPeerErrors(t *testing.T) {
	lb := NewLoopback()
	_, err := lb.Append(context.Background(), "ghost", raftpb.AppendRequest{})
	require.Error(t, err)
	require.ErrorAs(t, err, &ErrNoSuchPeer{})
}

func TestLoopbackUnregisterMakesPeerUnreachable(t *testing.T) {
	lb := NewLoopback()
	lb.Register("n1", Handlers{
		Append: func(context.Context, raftpb.AppendRequest) (raftpb.AppendResponse, error) {
			return raftpb.AppendResponse{Succeeded: true}, nil
		},
	})
	_, err := lb.Append(context.Background(), "n1", raftpb.AppendRequest{})
	require.NoError(t, err)

	lb.Unregister("n1")
	_, err = lb.Append(context.Background(), "n1", raftpb.AppendRequest{})
	require.Error(t, err)
}
