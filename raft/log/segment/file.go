// Package segment implements the on-disk (and in-memory, for tests and the
// memory-backed log variant) segment file format: a 64-byte descriptor
// header followed by framed entries {length:u32, checksum:u32, payload},
// plus a parallel offset index for O(1) lookup by log index. Segments
// work over either a real os.File or an in-memory byte buffer through the
// same File interface.
package segment

import (
	"io"
	"os"
	"sync"
)

// File is the typed binary stream a segment is built on: a plain
// byte-addressable region supporting positional reads, append writes, and
// durability. The spec treats byte-buffer mechanics as an abstracted
// collaborator; this is that collaborator's contract.
type File interface {
	io.ReaderAt
	io.Closer
	// Append writes p at the current end of the file and returns the
	// offset it was written at.
	Append(p []byte) (offset int64, err error)
	// WriteAt overwrites bytes at an existing offset (used to stamp
	// header fields, e.g. a descriptor's length prefix, after the
	// fact). It never extends the file.
	WriteAt(p []byte, off int64) (int, error)
	// Sync flushes any buffered data to stable storage.
	Sync() error
	// Size returns the current length of the file.
	Size() int64
	// Truncate shrinks the file to size bytes.
	Truncate(size int64) error
}

// osFile is a File backed by a real *os.File.
type osFile struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenOSFile opens (creating if necessary) path as an osFile.
func OpenOSFile(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &osFile{f: f, size: info.Size()}, nil
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off)
}

func (o *osFile) Append(p []byte) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	off := o.size
	n, err := o.f.WriteAt(p, off)
	o.size += int64(n)
	if err != nil {
		return off, err
	}
	return off, nil
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, err := o.f.WriteAt(p, off)
	if end := off + int64(n); end > o.size {
		o.size = end
	}
	return n, err
}

func (o *osFile) Sync() error {
	return o.f.Sync()
}

func (o *osFile) Size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

func (o *osFile) Truncate(size int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.f.Truncate(size); err != nil {
		return err
	}
	o.size = size
	return nil
}

func (o *osFile) Close() error {
	return o.f.Close()
}

// memFile is a File backed by an in-memory buffer, used by the
// memory-backed snapshot/log variants and by tests.
type memFile struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemFile creates an empty in-memory File.
func NewMemFile() File {
	return &memFile{}
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) Append(p []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := int64(len(m.buf))
	m.buf = append(m.buf, p...)
	return off, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[off:end], p)
	return n, nil
}

func (m *memFile) Sync() error { return nil }

func (m *memFile) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buf))
}

func (m *memFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size > int64(len(m.buf)) {
		return io.ErrShortBuffer
	}
	m.buf = m.buf[:size]
	return nil
}

func (m *memFile) Close() error { return nil }
