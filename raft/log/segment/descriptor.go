package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/quorumkit/raft/raftpb"
)

// DescriptorLen is the fixed on-disk size of a segment descriptor: magic,
// version, id, first index, max size, max entries, creation time, and a
// locked flag.
const DescriptorLen = 64

const magic = "LOG\x00"

// Descriptor is the 64-byte header at the start of every segment file.
type Descriptor struct {
	Version        uint8
	ID             uint64
	FirstIndex     raftpb.Index
	MaxSegmentSize uint32
	MaxEntries     uint32
	Created        int64
	Locked         bool

	// LastIndex and IndexStart are not part of the persisted 64-byte
	// descriptor (they mutate as the tail is written) but travel with it
	// in memory alongside the immutable header fields.
	LastIndex  raftpb.Index
	IndexStart int64
}

// Encode serializes the fixed portion of the descriptor into a 64-byte
// frame.
func (d Descriptor) Encode() [DescriptorLen]byte {
	var buf [DescriptorLen]byte
	copy(buf[0:4], magic)
	buf[4] = d.Version
	binary.LittleEndian.PutUint64(buf[8:16], d.ID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(d.FirstIndex))
	binary.LittleEndian.PutUint32(buf[24:28], d.MaxSegmentSize)
	binary.LittleEndian.PutUint32(buf[28:32], d.MaxEntries)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(d.Created))
	if d.Locked {
		buf[40] = 1
	}
	return buf
}

// DecodeDescriptor parses a 64-byte descriptor frame.
func DecodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) < DescriptorLen {
		return Descriptor{}, fmt.Errorf("%w: descriptor too short", raftpb.ErrCorrupt)
	}
	if string(buf[0:4]) != magic {
		return Descriptor{}, fmt.Errorf("%w: bad segment magic", raftpb.ErrCorrupt)
	}
	var d Descriptor
	d.Version = buf[4]
	d.ID = binary.LittleEndian.Uint64(buf[8:16])
	d.FirstIndex = raftpb.Index(binary.LittleEndian.Uint64(buf[16:24]))
	d.MaxSegmentSize = binary.LittleEndian.Uint32(buf[24:28])
	d.MaxEntries = binary.LittleEndian.Uint32(buf[28:32])
	d.Created = int64(binary.LittleEndian.Uint64(buf[32:40]))
	d.Locked = buf[40] != 0
	return d, nil
}
