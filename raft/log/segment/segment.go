package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/quorumkit/raft/raftpb"
)

// frameHeaderLen is the fixed portion of a frame: length(4) + checksum(4).
const frameHeaderLen = 8

// MaxEntrySize bounds a single encoded entry to guard against a corrupt
// length field causing a huge allocation.
const MaxEntrySize = 64 * 1024 * 1024

// Segment is a single append-only (while unsealed) file covering a
// contiguous, dense range of log indexes. It tracks its own in-memory
// offset index while it is the tail, so random reads never need a second
// disk lookup.
type Segment struct {
	desc Descriptor
	file File

	// offsets[i] is the byte offset of the frame for index FirstIndex+i.
	// Create and RecoverTail build it as frames are appended or scanned,
	// and Seal leaves it in place; Open fills it from the on-disk index
	// block when the descriptor records one. Random reads therefore don't
	// need to touch disk for a second lookup.
	offsets []int64
}

// Create initializes a brand new segment file with the given descriptor.
func Create(file File, desc Descriptor) (*Segment, error) {
	hdr := desc.Encode()
	if _, err := file.Append(hdr[:]); err != nil {
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, err
	}
	return &Segment{desc: desc, file: file}, nil
}

// Open loads an existing sealed segment, reading its index block into
// memory.
func Open(file File, desc Descriptor) (*Segment, error) {
	s := &Segment{desc: desc, file: file}
	if desc.Locked && desc.IndexStart > 0 {
		n := int(desc.LastIndex-desc.FirstIndex) + 1
		s.offsets = make([]int64, n)
		buf := make([]byte, n*4)
		if _, err := file.ReadAt(buf, desc.IndexStart); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for i := 0; i < n; i++ {
			s.offsets[i] = int64(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}
	return s, nil
}

// RecoverTail re-derives the in-memory offset index for an unsealed segment
// by scanning its frames from just past the descriptor, truncating at the
// first corrupt or torn frame found.
func RecoverTail(file File, desc Descriptor) (*Segment, error) {
	s := &Segment{desc: desc, file: file}
	off := int64(DescriptorLen)
	size := file.Size()
	idx := desc.FirstIndex
	for off < size {
		hdr := make([]byte, frameHeaderLen)
		n, err := file.ReadAt(hdr, off)
		if err != nil && !(errors.Is(err, io.EOF) && n == frameHeaderLen) {
			break
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		checksum := binary.LittleEndian.Uint32(hdr[4:8])
		if int64(length) > MaxEntrySize || off+frameHeaderLen+int64(length) > size {
			break
		}
		payload := make([]byte, length)
		if _, err := file.ReadAt(payload, off+frameHeaderLen); err != nil && !errors.Is(err, io.EOF) {
			break
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			break
		}
		s.offsets = append(s.offsets, off)
		off += frameHeaderLen + int64(length)
		idx++
	}
	if off < size {
		// Torn or corrupt tail frame: truncate the file back to the last
		// good boundary so future appends land cleanly.
		if err := file.Truncate(off); err != nil {
			return nil, err
		}
	}
	if len(s.offsets) > 0 {
		s.desc.LastIndex = desc.FirstIndex + raftpb.Index(len(s.offsets)) - 1
	}
	return s, nil
}

// Descriptor returns a copy of this segment's current descriptor.
func (s *Segment) Descriptor() Descriptor { return s.desc }

// FirstIndex is the lowest index stored in this segment.
func (s *Segment) FirstIndex() raftpb.Index { return s.desc.FirstIndex }

// LastIndex is the highest index stored in this segment, or FirstIndex-1 if
// empty.
func (s *Segment) LastIndex() raftpb.Index { return s.desc.LastIndex }

// Len returns the number of entries currently stored.
func (s *Segment) Len() int { return len(s.offsets) }

// Sealed reports whether this segment has been sealed (is read-only).
func (s *Segment) Sealed() bool { return s.desc.Locked }

// Full reports whether the segment has reached its configured size or
// entry-count limit and should be sealed before the next append.
func (s *Segment) Full() bool {
	if s.desc.MaxEntries > 0 && uint32(len(s.offsets)) >= s.desc.MaxEntries {
		return true
	}
	if s.desc.MaxSegmentSize > 0 && s.file.Size() >= int64(s.desc.MaxSegmentSize) {
		return true
	}
	return false
}

// Append writes one entry to the tail of this (unsealed) segment.
func (s *Segment) Append(e raftpb.LogEntry) error {
	if s.desc.Locked {
		return raftpb.ErrSealed
	}
	payload := raftpb.EncodeEntry(e)
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderLen:], payload)

	off, err := s.file.Append(frame)
	if err != nil {
		return err
	}
	s.offsets = append(s.offsets, off)
	if len(s.offsets) == 1 {
		s.desc.LastIndex = s.desc.FirstIndex
	} else {
		s.desc.LastIndex++
	}
	return s.file.Sync()
}

// GetEntry reads the entry at idx.
func (s *Segment) GetEntry(idx raftpb.Index) (raftpb.LogEntry, error) {
	if idx < s.desc.FirstIndex || (len(s.offsets) > 0 && idx > s.desc.LastIndex) {
		return raftpb.LogEntry{}, raftpb.ErrNotFound
	}
	pos := int(idx - s.desc.FirstIndex)
	if pos >= len(s.offsets) {
		return raftpb.LogEntry{}, raftpb.ErrNotFound
	}
	off := s.offsets[pos]

	hdr := make([]byte, frameHeaderLen)
	if _, err := s.file.ReadAt(hdr, off); err != nil && !errors.Is(err, io.EOF) {
		return raftpb.LogEntry{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	checksum := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxEntrySize {
		return raftpb.LogEntry{}, fmt.Errorf("%w: frame exceeds MaxEntrySize", raftpb.ErrCorrupt)
	}
	payload := make([]byte, length)
	if _, err := s.file.ReadAt(payload, off+frameHeaderLen); err != nil && !errors.Is(err, io.EOF) {
		return raftpb.LogEntry{}, err
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return raftpb.LogEntry{}, raftpb.ErrCorrupt
	}
	return raftpb.DecodeEntry(idx, payload)
}

// Truncate removes all entries after idx (inclusive cut), leaving LastIndex
// == idx. idx must be >= FirstIndex-1. A sealed segment that is truncated
// reverts to unsealed (its on-disk index block, which always sits past any
// valid cut point, is discarded along with the truncated tail) so it can
// become the tail again, which happens when a follower's divergent suffix
// reaches back past its most recently sealed segment.
func (s *Segment) Truncate(idx raftpb.Index) error {
	if idx < s.desc.FirstIndex-1 {
		return raftpb.ErrOutOfRange
	}
	keep := int(idx - s.desc.FirstIndex + 1)
	if keep < 0 {
		keep = 0
	}
	if keep >= len(s.offsets) {
		return nil
	}
	cutOffset := s.file.Size()
	if keep < len(s.offsets) {
		cutOffset = s.offsets[keep]
	}
	if err := s.file.Truncate(cutOffset); err != nil {
		return err
	}
	s.offsets = s.offsets[:keep]
	if keep == 0 {
		s.desc.LastIndex = s.desc.FirstIndex - 1
	} else {
		s.desc.LastIndex = idx
	}
	s.desc.Locked = false
	s.desc.IndexStart = 0
	return nil
}

// Seal writes the offset index block and marks the segment read-only. It
// must only be called once, when this segment stops being the tail.
func (s *Segment) Seal() error {
	if s.desc.Locked {
		return nil
	}
	indexStart := s.file.Size()
	buf := make([]byte, len(s.offsets)*4)
	for i, off := range s.offsets {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(off))
	}
	if _, err := s.file.Append(buf); err != nil {
		return err
	}
	s.desc.IndexStart = indexStart
	s.desc.Locked = true
	return s.file.Sync()
}

// Close releases the underlying file.
func (s *Segment) Close() error {
	return s.file.Close()
}
