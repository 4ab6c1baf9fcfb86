package raftpb

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 256)
	for i := 0; i < 200; i++ {
		var e LogEntry
		f.Fuzz(&e.Term)
		f.Fuzz(&e.Timestamp)
		f.Fuzz(&e.Data)
		e.Kind = EntryKind(uint8(i) % 7)

		encoded := EncodeEntry(e)
		got, err := DecodeEntry(Index(i+1), encoded)
		require.NoError(t, err)

		e.Index = Index(i + 1)
		require.Equal(t, e, got)
	}
}

func TestDecodeEntryRejectsShortFrame(t *testing.T) {
	_, err := DecodeEntry(1, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestEncodeDecodeConfigurationRoundTrip(t *testing.T) {
	cfg := Configuration{
		Index: 42,
		Members: []Member{
			{NodeID: "n1", Type: MemberActive},
			{NodeID: "n2", Type: MemberPassive},
			{NodeID: "n3", Type: MemberReserve},
		},
	}
	encoded := EncodeConfiguration(cfg)
	got, err := DecodeConfiguration(42, encoded)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}
