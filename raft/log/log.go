// Package log implements a durable, ordered, append-only sequence of
// entries held in a set of segment files, with fast random read by index,
// tailable reads, and prefix truncation via snapshot install. State is
// held in an immutable snapshot swapped atomically under an exclusive
// write lock, so readers never observe a torn mutation and a background
// rotation can seal a full segment without blocking appends to the next
// one.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/quorumkit/raft/log/segment"
	"github.com/quorumkit/raft/metrics"
	"github.com/quorumkit/raft/raftpb"
)

// DefaultMaxSegmentSize is the byte size at which a segment is sealed and
// rotated if no smaller size is configured.
const DefaultMaxSegmentSize = 64 * 1024 * 1024

// DefaultMaxEntries bounds how many entries a segment holds regardless of
// byte size, so the in-memory offset index never grows unbounded.
const DefaultMaxEntries = 1 << 20

// ReadMode selects what a Reader is allowed to observe.
type ReadMode uint8

const (
	// ReadAll exposes every appended entry, including uncommitted ones.
	// Used by the leader's replication path and by followers applying the
	// leader's stream.
	ReadAll ReadMode = iota
	// ReadCommitted clamps reads to the commit index: HasNext only
	// reports true while NextIndex <= CommitIndex.
	ReadCommitted
)

// Log is one server's replicated log store.
type Log struct {
	dir         string
	segmentSize int
	maxEntries  int
	logger      log.Logger
	metrics     *metrics.Server

	s atomic.Value // *state

	writeMu sync.Mutex
	closed  uint32

	triggerRotate chan struct{}
	awaitRotate   chan struct{}
}

// Option configures a Log at Open time.
type Option func(*Log)

// WithSegmentSize sets the byte size at which a segment is sealed.
func WithSegmentSize(n int) Option { return func(l *Log) { l.segmentSize = n } }

// WithMaxEntries sets the entry count at which a segment is sealed.
func WithMaxEntries(n int) Option { return func(l *Log) { l.maxEntries = n } }

// WithLogger sets the logger used for background errors.
func WithLogger(logger log.Logger) Option { return func(l *Log) { l.logger = logger } }

// WithMetrics attaches a metrics.Server.
func WithMetrics(m *metrics.Server) Option { return func(l *Log) { l.metrics = m } }

// Open opens (or creates) the log store rooted at dir.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{
		dir:           dir,
		segmentSize:   DefaultMaxSegmentSize,
		maxEntries:    DefaultMaxEntries,
		logger:        log.NewNopLogger(),
		triggerRotate: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st, err := l.recover()
	if err != nil {
		return nil, err
	}
	l.s.Store(&st)

	go l.runRotate()
	return l, nil
}

func (l *Log) loadState() *state {
	return l.s.Load().(*state)
}

func (l *Log) acquireState() (*state, func()) {
	s := l.loadState()
	return s, s.acquire()
}

// FirstIndex returns the first index stored, or 0 if the log is empty.
func (l *Log) FirstIndex() raftpb.Index {
	s, release := l.acquireState()
	defer release()
	return s.firstIndex()
}

// LastIndex returns the last index stored, or 0 if the log is empty.
func (l *Log) LastIndex() raftpb.Index {
	s, release := l.acquireState()
	defer release()
	return s.lastIndex()
}

// CommitIndex returns the current commit marker.
func (l *Log) CommitIndex() raftpb.Index {
	s, release := l.acquireState()
	defer release()
	return s.commitIndex
}

// TermAt returns the term of the entry at idx, if present.
func (l *Log) TermAt(idx raftpb.Index) (raftpb.Term, bool) {
	if idx == 0 {
		return 0, true
	}
	s, release := l.acquireState()
	defer release()
	return s.termAt(idx)
}

// GetEntry reads the entry at idx.
func (l *Log) GetEntry(idx raftpb.Index) (raftpb.LogEntry, error) {
	if err := l.checkClosed(); err != nil {
		return raftpb.LogEntry{}, err
	}
	s, release := l.acquireState()
	defer release()
	if l.metrics != nil {
		l.metrics.EntriesRead.Inc()
	}
	return s.getEntry(idx)
}

// Append assigns the next index and appends one entry through the leader
// path. Returns the assigned index.
func (l *Log) Append(e raftpb.LogEntry) (raftpb.Index, error) {
	if err := l.checkClosed(); err != nil {
		return 0, err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s, release := l.acquireState()
	defer release()

	next := s.lastIndex() + 1
	e.Index = next
	if err := l.appendLocked(s, e); err != nil {
		return 0, err
	}
	return next, nil
}

// AppendAt appends one entry through the follower path: e.Index must
// equal the current nextIndex, otherwise the caller must Truncate first.
func (l *Log) AppendAt(e raftpb.LogEntry) error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s, release := l.acquireState()
	defer release()

	next := s.lastIndex() + 1
	if e.Index != next {
		return fmt.Errorf("%w: append at %d but next index is %d", raftpb.ErrOutOfRange, e.Index, next)
	}
	return l.appendLocked(s, e)
}

func (l *Log) appendLocked(s *state, e raftpb.LogEntry) error {
	start := time.Now()
	tail := s.tail
	if tail == nil {
		created, err := l.createSegment(e.Index)
		if err != nil {
			return err
		}
		tail = created
		newS := l.loadState().clone()
		newS.tail = tail
		newS.segments = newS.segments.Set(tail.FirstIndex(), tail)
		l.s.Store(&newS)
	}

	if err := tail.Append(e); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.Appends.Inc()
		l.metrics.EntriesWritten.Inc()
		l.metrics.EntryBytesWritten.Add(float64(len(e.Data)))
		l.metrics.ObserveAppend(time.Since(start))
	}

	if tail.Full() {
		select {
		case l.triggerRotate <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Log) createSegment(firstIndex raftpb.Index) (*segment.Segment, error) {
	s := l.loadState()
	id := s.nextSegID
	desc := segment.Descriptor{
		Version:        1,
		ID:             id,
		FirstIndex:     firstIndex,
		LastIndex:      firstIndex - 1,
		MaxSegmentSize: uint32(l.segmentSize),
		MaxEntries:     uint32(l.maxEntries),
		Created:        time.Now().UnixNano(),
	}
	file, err := segment.OpenOSFile(l.segmentPath(id))
	if err != nil {
		return nil, err
	}
	seg, err := segment.Create(file, desc)
	if err != nil {
		return nil, err
	}

	newS := l.loadState().clone()
	newS.nextSegID = id + 1
	l.s.Store(&newS)
	return seg, nil
}

func (l *Log) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%020d.seg", id))
}

// Commit advances the commit marker. Regressions are rejected silently.
func (l *Log) Commit(idx raftpb.Index) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	if idx <= s.commitIndex {
		return
	}
	newS := s.clone()
	newS.commitIndex = idx
	l.s.Store(&newS)
	if l.metrics != nil {
		l.metrics.CommitIndex.Set(float64(idx))
	}
}

// Truncate removes all entries with index > idx.
func (l *Log) Truncate(idx raftpb.Index) error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s, release := l.acquireState()
	defer release()

	newS := s.clone()
	var toClose []*segment.Segment
	newS.tail = nil
	segs := s.allSegmentsAscending()
	for i := len(segs) - 1; i >= 0; i-- {
		seg := segs[i]
		if seg.FirstIndex() > idx {
			newS.segments = newS.segments.Delete(seg.FirstIndex())
			toClose = append(toClose, seg)
			continue
		}
		if idx < seg.LastIndex() {
			if err := seg.Truncate(idx); err != nil {
				return err
			}
		}
		newS.tail = seg
		break
	}
	if newS.tail == nil {
		// Truncated away everything; leave the log empty. The next
		// Append will create a fresh segment starting at resetIndex+1.
		newS.resetIndex = idx
	}
	l.s.Store(&newS)
	for _, seg := range toClose {
		seg.Close()
		os.Remove(l.segmentPath(seg.Descriptor().ID))
	}
	return nil
}

// ResetToIndex empties the log and sets the next append index to idx+1,
// without any entry actually present at idx. This is used after a
// snapshot install discards every log entry at or below the snapshot's
// index.
func (l *Log) ResetToIndex(idx raftpb.Index) error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s, release := l.acquireState()
	defer release()

	newS := newEmptyState()
	newS.nextSegID = s.nextSegID
	newS.commitIndex = idx
	newS.resetIndex = idx

	var toClose []*segment.Segment
	for _, seg := range s.allSegmentsAscending() {
		toClose = append(toClose, seg)
	}
	s.finalizer.Store(func() {
		for _, seg := range toClose {
			seg.Close()
			os.Remove(l.segmentPath(seg.Descriptor().ID))
		}
	})
	l.s.Store(&newS)
	return nil
}

// Compact discards full (sealed) segments whose LastIndex < idx; it never
// removes a partial segment.
func (l *Log) Compact(idx raftpb.Index) error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s, release := l.acquireState()
	defer release()

	newS := s.clone()
	var toClose []*segment.Segment
	for _, seg := range s.allSegmentsAscending() {
		if seg.Sealed() && seg.LastIndex() < idx {
			newS.segments = newS.segments.Delete(seg.FirstIndex())
			toClose = append(toClose, seg)
		}
	}
	if len(toClose) == 0 {
		return nil
	}

	// Finalizer runs once every reader holding the *old* state has
	// released it, so a live reader's current segment is never pulled out
	// from under it mid-read.
	s.finalizer.Store(func() {
		for _, seg := range toClose {
			seg.Close()
			if err := os.Remove(l.segmentPath(seg.Descriptor().ID)); err != nil {
				level.Error(l.logger).Log("msg", "failed to remove compacted segment", "err", err)
			}
		}
	})
	l.s.Store(&newS)
	return nil
}

func (l *Log) runRotate() {
	for range l.triggerRotate {
		if atomic.LoadUint32(&l.closed) == 1 {
			return
		}
		l.writeMu.Lock()
		if err := l.rotateLocked(); err != nil {
			level.Error(l.logger).Log("msg", "segment rotation failed", "err", err)
		}
		l.writeMu.Unlock()
	}
}

func (l *Log) rotateLocked() error {
	s := l.loadState()
	if s.tail == nil || !s.tail.Full() {
		return nil
	}
	if err := s.tail.Seal(); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.SegmentRotations.Inc()
	}
	next, err := l.createSegment(s.tail.LastIndex() + 1)
	if err != nil {
		return err
	}
	newS := l.loadState().clone()
	newS.segments = newS.segments.Set(next.FirstIndex(), next)
	newS.tail = next
	l.s.Store(&newS)
	return nil
}

func (l *Log) checkClosed() error {
	if atomic.LoadUint32(&l.closed) != 0 {
		return raftpb.ErrClosed
	}
	return nil
}

// Close shuts down the log, closing all open segment files.
func (l *Log) Close() error {
	if !atomic.CompareAndSwapUint32(&l.closed, 0, 1) {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	close(l.triggerRotate)

	s := l.loadState()
	for _, seg := range s.allSegmentsAscending() {
		seg.Close()
	}
	return nil
}

func (l *Log) recover() (state, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return state{}, err
	}
	st := newEmptyState()
	var maxID uint64
	var segs []*segment.Segment
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".seg" {
			continue
		}
		path := filepath.Join(l.dir, ent.Name())
		file, err := segment.OpenOSFile(path)
		if err != nil {
			return state{}, err
		}
		hdr := make([]byte, segment.DescriptorLen)
		if _, err := file.ReadAt(hdr, 0); err != nil {
			return state{}, err
		}
		desc, err := segment.DecodeDescriptor(hdr)
		if err != nil {
			return state{}, err
		}
		if desc.ID > maxID {
			maxID = desc.ID
		}
		if desc.Locked {
			seg, err := segment.Open(file, desc)
			if err != nil {
				return state{}, err
			}
			segs = append(segs, seg)
		} else {
			seg, err := segment.RecoverTail(file, desc)
			if err != nil {
				return state{}, err
			}
			segs = append(segs, seg)
			st.tail = seg
		}
	}
	for _, seg := range segs {
		st.segments = st.segments.Set(seg.FirstIndex(), seg)
	}
	if len(segs) > 0 {
		st.nextSegID = maxID + 1
	}
	return st, nil
}

// Reader is a forward cursor over the log, starting at fromIndex.
type Reader struct {
	l       *Log
	next    raftpb.Index
	mode    ReadMode
}

// NewReader returns a cursor starting at fromIndex in the given mode.
func (l *Log) NewReader(fromIndex raftpb.Index, mode ReadMode) *Reader {
	return &Reader{l: l, next: fromIndex, mode: mode}
}

// HasNext reports whether another entry is available under this reader's
// mode. In ReadCommitted mode this clamps to the current commit index.
func (r *Reader) HasNext() bool {
	last := r.l.LastIndex()
	if r.mode == ReadCommitted {
		commit := r.l.CommitIndex()
		if commit < last {
			last = commit
		}
	}
	return r.next <= last && r.next > 0
}

// Next returns the next entry and advances the cursor.
func (r *Reader) Next() (raftpb.LogEntry, error) {
	e, err := r.l.GetEntry(r.next)
	if err != nil {
		return raftpb.LogEntry{}, err
	}
	r.next++
	return e, nil
}

// NextIndex returns the index the next call to Next will read.
func (r *Reader) NextIndex() raftpb.Index { return r.next }
