package log

import (
	"testing"
	"time"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *Log, n int, term raftpb.Term) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(raftpb.LogEntry{Term: term, Kind: raftpb.EntryCommand, Data: []byte("v")})
		require.NoError(t, err)
	}
}

func TestLogAppendAssignsDenseIndexes(t *testing.T) {
	l := openTestLog(t)
	for i := 1; i <= 5; i++ {
		idx, err := l.Append(raftpb.LogEntry{Term: 1, Data: []byte("x")})
		require.NoError(t, err)
		require.Equal(t, raftpb.Index(i), idx)
	}
	require.Equal(t, raftpb.Index(5), l.LastIndex())
}

func TestLogAppendAtRequiresNextIndex(t *testing.T) {
	l := openTestLog(t)
	err := l.AppendAt(raftpb.LogEntry{Index: 2, Term: 1})
	require.ErrorIs(t, err, raftpb.ErrOutOfRange)

	require.NoError(t, l.AppendAt(raftpb.LogEntry{Index: 1, Term: 1}))
	require.Equal(t, raftpb.Index(1), l.LastIndex())
}

func TestLogCommitMonotonic(t *testing.T) {
	l := openTestLog(t)
	appendN(t, l, 3, 1)
	l.Commit(2)
	require.Equal(t, raftpb.Index(2), l.CommitIndex())
	l.Commit(1) // regression, ignored
	require.Equal(t, raftpb.Index(2), l.CommitIndex())
	l.Commit(3)
	require.Equal(t, raftpb.Index(3), l.CommitIndex())
}

func TestLogTruncateSuffix(t *testing.T) {
	l := openTestLog(t)
	appendN(t, l, 5, 1)
	require.NoError(t, l.Truncate(3))
	require.Equal(t, raftpb.Index(3), l.LastIndex())
	_, err := l.GetEntry(4)
	require.ErrorIs(t, err, raftpb.ErrNotFound)

	// Log is usable again after truncation.
	idx, err := l.Append(raftpb.LogEntry{Term: 2, Data: []byte("y")})
	require.NoError(t, err)
	require.Equal(t, raftpb.Index(4), idx)
	e, err := l.GetEntry(4)
	require.NoError(t, err)
	require.Equal(t, raftpb.Term(2), e.Term)
}

func TestLogReaderCommittedModeClamps(t *testing.T) {
	l := openTestLog(t)
	appendN(t, l, 5, 1)
	l.Commit(3)

	r := l.NewReader(1, ReadCommitted)
	var seen []raftpb.Index
	for r.HasNext() {
		e, err := r.Next()
		require.NoError(t, err)
		seen = append(seen, e.Index)
	}
	require.Equal(t, []raftpb.Index{1, 2, 3}, seen)

	all := l.NewReader(1, ReadAll)
	var allSeen []raftpb.Index
	for all.HasNext() {
		e, err := all.Next()
		require.NoError(t, err)
		allSeen = append(allSeen, e.Index)
	}
	require.Len(t, allSeen, 5)
}

func TestLogSegmentRotationAndCompact(t *testing.T) {
	l := openTestLog(t, WithMaxEntries(2))
	appendN(t, l, 6, 1)
	l.Commit(6)

	// Give the background rotation goroutine a moment to seal full
	// segments before compacting.
	require.Eventually(t, func() bool {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		return l.loadState().tail.FirstIndex() > 1
	}, time.Second, time.Millisecond)

	require.NoError(t, l.Compact(5))
	// Entries below the compacted segments are gone, but the tail region
	// around the compaction point survives.
	_, err := l.GetEntry(6)
	require.NoError(t, err)
}

func TestLogResetToIndex(t *testing.T) {
	l := openTestLog(t)
	appendN(t, l, 3, 1)
	require.NoError(t, l.ResetToIndex(10))
	require.Equal(t, raftpb.Index(10), l.LastIndex())
	require.Equal(t, raftpb.Index(10), l.CommitIndex())

	idx, err := l.Append(raftpb.LogEntry{Term: 2, Data: []byte("z")})
	require.NoError(t, err)
	require.Equal(t, raftpb.Index(11), idx)
}

func TestLogRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	appendN(t, l, 4, 1)
	l.Commit(4)
	require.NoError(t, l.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, raftpb.Index(4), l2.LastIndex())
	e, err := l2.GetEntry(2)
	require.NoError(t, err)
	require.Equal(t, raftpb.Index(2), e.Index)
}
