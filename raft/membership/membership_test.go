package membership

import (
	"testing"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func baseConfig() raftpb.Configuration {
	return raftpb.Configuration{
		Index: 0,
		Members: []raftpb.Member{
			{NodeID: "n1", Type: raftpb.MemberActive},
			{NodeID: "n2", Type: raftpb.MemberActive},
			{NodeID: "n3", Type: raftpb.MemberActive},
		},
	}
}

func TestProposeChangeJoin(t *testing.T) {
	m := NewManager(baseConfig())
	cfg, err := m.ProposeChange(raftpb.Member{NodeID: "n4", Type: raftpb.MemberActive}, false)
	require.NoError(t, err)
	require.Len(t, cfg.Members, 4)
}

func TestProposeChangeLeaveUnknownMemberFails(t *testing.T) {
	m := NewManager(baseConfig())
	_, err := m.ProposeChange(raftpb.Member{NodeID: "ghost"}, true)
	require.Error(t, err)
}

func TestOnAppendEffectiveImmediately(t *testing.T) {
	m := NewManager(baseConfig())
	cfg, err := m.ProposeChange(raftpb.Member{NodeID: "n4", Type: raftpb.MemberActive}, false)
	require.NoError(t, err)
	cfg.Index = 5
	m.OnAppend(cfg)

	require.Equal(t, raftpb.Index(5), m.Effective().Index)
	require.Equal(t, raftpb.Index(0), m.Committed().Index) // not yet committed
	require.True(t, m.HasUncommittedChange())
}

func TestSecondChangeRejectedWhileUncommitted(t *testing.T) {
	m := NewManager(baseConfig())
	cfg, _ := m.ProposeChange(raftpb.Member{NodeID: "n4", Type: raftpb.MemberActive}, false)
	cfg.Index = 5
	m.OnAppend(cfg)

	_, err := m.ProposeChange(raftpb.Member{NodeID: "n5", Type: raftpb.MemberActive}, false)
	require.Error(t, err)
}

func TestRevertToDiscardsUncommittedChange(t *testing.T) {
	m := NewManager(baseConfig())
	cfg, _ := m.ProposeChange(raftpb.Member{NodeID: "n4", Type: raftpb.MemberActive}, false)
	cfg.Index = 5
	m.OnAppend(cfg)
	require.Len(t, m.Effective().Members, 4)

	m.RevertTo(4)
	require.Len(t, m.Effective().Members, 3)
	require.False(t, m.HasUncommittedChange())
}

func TestOnCommitAdvancesCommitted(t *testing.T) {
	m := NewManager(baseConfig())
	cfg, _ := m.ProposeChange(raftpb.Member{NodeID: "n4", Type: raftpb.MemberActive}, false)
	cfg.Index = 5
	m.OnAppend(cfg)
	m.OnCommit(cfg)

	require.Equal(t, raftpb.Index(5), m.Committed().Index)
	require.False(t, m.HasUncommittedChange())
}

func TestQuorumAndVotingMembers(t *testing.T) {
	cfg := baseConfig()
	require.Len(t, cfg.VotingMembers(), 3)
	require.Equal(t, 2, cfg.Quorum())

	cfg.Members = append(cfg.Members, raftpb.Member{NodeID: "p1", Type: raftpb.MemberPassive})
	require.Len(t, cfg.VotingMembers(), 3)
	require.Equal(t, 2, cfg.Quorum())
}
