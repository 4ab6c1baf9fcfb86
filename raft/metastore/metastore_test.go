package metastore

import (
	"path/filepath"
	"testing"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func TestSetAndGetTermAndVote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetTermAndVote(5, "n2"))

	term, err := s.CurrentTerm()
	require.NoError(t, err)
	require.Equal(t, raftpb.Term(5), term)

	votedFor, err := s.VotedFor()
	require.NoError(t, err)
	require.Equal(t, "n2", votedFor)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetTermAndVote(7, "n3"))
	require.NoError(t, s.SetLastConfigIndex(42))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	term, err := s2.CurrentTerm()
	require.NoError(t, err)
	require.Equal(t, raftpb.Term(7), term)

	idx, err := s2.LastConfigIndex()
	require.NoError(t, err)
	require.Equal(t, raftpb.Index(42), idx)
}

func TestDefaultsAreZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	term, err := s.CurrentTerm()
	require.NoError(t, err)
	require.Equal(t, raftpb.Term(0), term)

	votedFor, err := s.VotedFor()
	require.NoError(t, err)
	require.Equal(t, "", votedFor)
}
