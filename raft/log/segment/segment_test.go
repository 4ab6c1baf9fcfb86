package segment

import (
	"testing"
	"time"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func newTestDescriptor(first raftpb.Index) Descriptor {
	return Descriptor{
		Version:        1,
		ID:             1,
		FirstIndex:     first,
		MaxSegmentSize: 1024 * 1024,
		MaxEntries:     100,
		Created:        time.Now().UnixNano(),
		LastIndex:      first - 1,
	}
}

func TestSegmentAppendAndRead(t *testing.T) {
	f := NewMemFile()
	s, err := Create(f, newTestDescriptor(1))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(raftpb.LogEntry{
			Term: 1,
			Kind: raftpb.EntryCommand,
			Data: []byte{byte(i)},
		}))
	}
	require.Equal(t, raftpb.Index(5), s.LastIndex())

	for i := 1; i <= 5; i++ {
		e, err := s.GetEntry(raftpb.Index(i))
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, e.Data)
		require.Equal(t, raftpb.Index(i), e.Index)
	}

	_, err = s.GetEntry(6)
	require.ErrorIs(t, err, raftpb.ErrNotFound)
}

func TestSegmentTruncate(t *testing.T) {
	f := NewMemFile()
	s, err := Create(f, newTestDescriptor(1))
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(raftpb.LogEntry{Term: 1, Data: []byte{byte(i)}}))
	}

	require.NoError(t, s.Truncate(3))
	require.Equal(t, raftpb.Index(3), s.LastIndex())
	_, err = s.GetEntry(4)
	require.ErrorIs(t, err, raftpb.ErrNotFound)

	e, err := s.GetEntry(3)
	require.NoError(t, err)
	require.Equal(t, []byte{3}, e.Data)
}

func TestSegmentSealThenOpen(t *testing.T) {
	f := NewMemFile()
	s, err := Create(f, newTestDescriptor(1))
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Append(raftpb.LogEntry{Term: 2, Data: []byte{byte(i)}}))
	}
	require.NoError(t, s.Seal())
	require.True(t, s.Sealed())

	desc := s.Descriptor()
	reopened, err := Open(f, desc)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		e, err := reopened.GetEntry(raftpb.Index(i))
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, e.Data)
	}
}

func TestSegmentRecoverTailTruncatesTornFrame(t *testing.T) {
	f := NewMemFile()
	s, err := Create(f, newTestDescriptor(1))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Append(raftpb.LogEntry{Term: 1, Data: []byte{byte(i)}}))
	}
	goodSize := f.Size()
	// Simulate a torn write: append garbage bytes that look like a frame
	// header promising more data than actually follows.
	_, err = f.Append([]byte{0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0})
	require.NoError(t, err)

	recovered, err := RecoverTail(f, newTestDescriptor(1))
	require.NoError(t, err)
	require.Equal(t, raftpb.Index(3), recovered.LastIndex())
	require.Equal(t, goodSize, f.Size())
}

func TestSegmentFullBySize(t *testing.T) {
	f := NewMemFile()
	desc := newTestDescriptor(1)
	desc.MaxSegmentSize = DescriptorLen + 30
	s, err := Create(f, desc)
	require.NoError(t, err)
	require.NoError(t, s.Append(raftpb.LogEntry{Term: 1, Data: make([]byte, 20)}))
	require.True(t, s.Full())
}
