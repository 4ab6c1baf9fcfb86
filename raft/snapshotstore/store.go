// Package snapshotstore implements the snapshot subsystem: create, list,
// load, and install snapshots, with identical file-backed and
// memory-backed variants built over the same underlying byte-stream
// abstraction the log segments use (github.com/quorumkit/raft/log/segment.File).
// A snapshot moves through a pending -> writer -> complete -> reader
// lifecycle: a single growing file with a header, checkpointed and made
// durable without requiring a second pass.
package snapshotstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quorumkit/raft/log/segment"
	"github.com/quorumkit/raft/raftpb"
)

const magic = "SNP\x00"

// DescriptorLen is the fixed on-disk size of a snapshot descriptor.
const DescriptorLen = 64

// lengthPrefixLen is the size of the u32 payload-length field stamped
// immediately after the descriptor once a snapshot is sealed.
const lengthPrefixLen = 4

// payloadBase is the fixed offset of the payload region: descriptor,
// then length prefix, then payload.
const payloadBase = DescriptorLen + lengthPrefixLen

// Snapshot is a sealed (once complete) byte stream tagged with
// (snapshotID, index, timestamp).
type Snapshot struct {
	mu sync.Mutex

	id        string
	index     raftpb.Index
	timestamp int64
	file      segment.File

	locked     bool
	length     int64
	hasWriter  bool
	hasReader  bool
}

// ID returns the snapshot's identifier.
func (s *Snapshot) ID() string { return s.id }

// Index returns the last applied log index this snapshot captures.
func (s *Snapshot) Index() raftpb.Index { return s.index }

// Timestamp returns the creation time (unix nanos).
func (s *Snapshot) Timestamp() int64 { return s.timestamp }

// Complete reports whether complete() has been called.
func (s *Snapshot) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Writer returns the exclusive writer for this pending snapshot. Only one
// writer may exist per snapshot, and none may be taken once the snapshot
// is complete.
func (s *Snapshot) Writer() (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, fmt.Errorf("snapshot %s: already complete", s.id)
	}
	if s.hasWriter {
		return nil, fmt.Errorf("snapshot %s: writer already taken", s.id)
	}
	s.hasWriter = true
	return &Writer{snap: s}, nil
}

// Reader returns a reader over this snapshot's payload. It requires the
// snapshot to be complete (locked); readers may not open an incomplete
// snapshot.
func (s *Snapshot) Reader() (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return nil, fmt.Errorf("snapshot %s: not complete", s.id)
	}
	return &Reader{snap: s}, nil
}

func (s *Snapshot) complete(length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.length = length
	s.locked = true
}

// Writer appends bytes to a pending snapshot's payload.
type Writer struct {
	snap   *Snapshot
	offset int64
}

// Offset returns the number of payload bytes written so far through this
// writer, for validating a chunked install's expected next offset.
func (w *Writer) Offset() int64 { return w.offset }

// Write appends p to the snapshot payload (after the descriptor and
// length-prefix region).
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := w.snap.file.Append(p); err != nil {
		return 0, err
	}
	w.offset += int64(len(p))
	return len(p), nil
}

// Close seals the snapshot: stamps the length prefix and marks it
// complete. It must be called exactly once, and no further writes are
// permitted afterward.
func (w *Writer) Close() error {
	var lenBuf [lengthPrefixLen]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(w.offset))
	if _, err := w.snap.file.WriteAt(lenBuf[:], DescriptorLen); err != nil {
		return err
	}
	if err := w.snap.file.Sync(); err != nil {
		return err
	}
	w.snap.complete(w.offset)
	return nil
}

// Reader reads a complete snapshot's payload from the beginning.
type Reader struct {
	snap *Snapshot
	pos  int64
}

// Read implements io.Reader over the snapshot payload, starting after the
// header region.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.snap.file.ReadAt(p, payloadBase+r.pos)
	r.pos += int64(n)
	if err == io.EOF && n > 0 {
		return n, nil
	}
	return n, err
}

// Size returns the total payload length.
func (r *Reader) Size() int64 { return r.snap.length }

// newPendingSnapshot writes the fixed descriptor header and an all-ones
// length-prefix placeholder to f, then returns a pending Snapshot wrapping
// it. The file must be empty.
func newPendingSnapshot(id string, index raftpb.Index, timestamp int64, f segment.File) (*Snapshot, error) {
	var hdr [DescriptorLen]byte
	copy(hdr[0:4], magic)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(index))
	binary.BigEndian.PutUint64(hdr[12:20], uint64(timestamp))
	if _, err := f.Append(hdr[:]); err != nil {
		return nil, err
	}
	// The all-ones placeholder reads back as a length longer than any
	// payload on disk, so openSnapshot treats an unsealed file as pending.
	lenPlaceholder := [lengthPrefixLen]byte{0xff, 0xff, 0xff, 0xff}
	if _, err := f.Append(lenPlaceholder[:]); err != nil {
		return nil, err
	}
	return &Snapshot{id: id, index: index, timestamp: timestamp, file: f}, nil
}

// openSnapshot reconstructs a Snapshot from an existing file, reading back
// the descriptor and (if sealed) the length prefix.
func openSnapshot(id string, f segment.File) (*Snapshot, error) {
	var hdr [DescriptorLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("snapshot %s: read descriptor: %w", id, err)
	}
	if string(hdr[0:4]) != magic {
		return nil, fmt.Errorf("snapshot %s: %w", id, raftpb.ErrCorrupt)
	}
	index := raftpb.Index(binary.BigEndian.Uint64(hdr[4:12]))
	timestamp := int64(binary.BigEndian.Uint64(hdr[12:20]))

	snap := &Snapshot{id: id, index: index, timestamp: timestamp, file: f}

	size := f.Size()
	if size < payloadBase {
		// Header written but never sealed: still pending.
		return snap, nil
	}
	var lenBuf [lengthPrefixLen]byte
	if _, err := f.ReadAt(lenBuf[:], DescriptorLen); err != nil {
		return nil, fmt.Errorf("snapshot %s: read length prefix: %w", id, err)
	}
	length := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if payloadBase+length > size {
		// Never sealed (placeholder still in place) or torn write (the
		// length prefix was stamped but the payload is short). Treat as
		// pending so a fresh writer can redo it.
		return snap, nil
	}
	snap.length = length
	snap.locked = true
	return snap, nil
}

// Store creates, lists, loads and installs snapshots.
type Store interface {
	// New creates a pending snapshot. At most one snapshot exists per
	// (id, index).
	New(index raftpb.Index, timestamp int64) (*Snapshot, error)
	// Current returns the highest-index completed snapshot, or nil.
	Current() *Snapshot
	// List returns every known snapshot, completed or pending.
	List() []*Snapshot
	// Get looks up a snapshot by ID.
	Get(id string, index raftpb.Index) (*Snapshot, bool)
	// GetOrCreate returns the snapshot with the given ID, creating a
	// pending one if absent — used by the follower side of the install
	// protocol.
	GetOrCreate(id string, index raftpb.Index, timestamp int64) *Snapshot
	// Delete removes a snapshot. Idempotent.
	Delete(s *Snapshot) error
}
