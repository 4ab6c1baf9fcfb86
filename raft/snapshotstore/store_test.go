package snapshotstore

import (
	"io"
	"testing"

	"github.com/quorumkit/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func TestMemStoreWriteAndRead(t *testing.T) {
	ms := NewMemStore()
	snap, err := ms.New(42, 1000)
	require.NoError(t, err)
	require.False(t, snap.Complete())

	w, err := snap.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.True(t, snap.Complete())
	require.Equal(t, raftpb.Index(42), snap.Index())

	r, err := snap.Reader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
	require.Equal(t, int64(len("hello world")), r.Size())
}

func TestMemStoreReaderRejectsIncomplete(t *testing.T) {
	ms := NewMemStore()
	snap, err := ms.New(1, 0)
	require.NoError(t, err)
	_, err = snap.Reader()
	require.Error(t, err)
}

func TestMemStoreSecondWriterRejected(t *testing.T) {
	ms := NewMemStore()
	snap, err := ms.New(1, 0)
	require.NoError(t, err)
	_, err = snap.Writer()
	require.NoError(t, err)
	_, err = snap.Writer()
	require.Error(t, err)
}

func TestMemStoreCurrentTracksHighestComplete(t *testing.T) {
	ms := NewMemStore()
	s1, _ := ms.New(1, 0)
	w1, _ := s1.Writer()
	w1.Write([]byte("a"))
	w1.Close()

	s2, _ := ms.New(2, 0)
	require.Equal(t, s1, ms.Current())

	w2, _ := s2.Writer()
	w2.Write([]byte("b"))
	w2.Close()
	require.Equal(t, s2, ms.Current())
}

func TestMemStoreDelete(t *testing.T) {
	ms := NewMemStore()
	snap, _ := ms.New(1, 0)
	require.NoError(t, ms.Delete(snap))
	_, ok := ms.Get(snap.ID(), 1)
	require.False(t, ok)
	require.Empty(t, ms.List())
}

func TestFileStoreRecoversSealedSnapshot(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	snap, err := fs.New(7, 99)
	require.NoError(t, err)
	w, err := snap.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte("payload-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fs2, err := NewFileStore(dir)
	require.NoError(t, err)
	cur := fs2.Current()
	require.NotNil(t, cur)
	require.Equal(t, raftpb.Index(7), cur.Index())

	r, err := cur.Reader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "payload-bytes", string(got))
}

func TestFileStoreRecoversPendingSnapshotAsIncomplete(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	snap, err := fs.New(3, 0)
	require.NoError(t, err)
	_, err = snap.Writer()
	require.NoError(t, err)
	// No Close(): simulates a crash mid-snapshot.

	fs2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, ok := fs2.Get(snap.ID(), 3)
	require.True(t, ok)
	require.False(t, got.Complete())
}
