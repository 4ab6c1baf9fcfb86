package log

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/quorumkit/raft/log/segment"
	"github.com/quorumkit/raft/raftpb"
)

// state is an immutable snapshot of the log's segment table, read without a
// lock by readers and swapped atomically by the single writer.
// Acquire/release refcounting ensures an in-flight reader never has its
// current segment pulled out from under it by a concurrent compaction.
type state struct {
	segments    *immutable.SortedMap[raftpb.Index, *segment.Segment]
	commitIndex raftpb.Index
	nextSegID   uint64
	tail        *segment.Segment

	// resetIndex floors lastIndex() when there are no segments (or the
	// tail is empty): it is set after a snapshot install or a truncate
	// that empties the log, so the next append continues from the right
	// index instead of restarting at 1.
	resetIndex raftpb.Index

	refs      int32
	finalizer atomic.Value // func()
}

func newEmptyState() state {
	return state{
		segments: &immutable.SortedMap[raftpb.Index, *segment.Segment]{},
	}
}

func (s *state) clone() state {
	return state{
		segments:    s.segments,
		commitIndex: s.commitIndex,
		nextSegID:   s.nextSegID,
		tail:        s.tail,
		resetIndex:  s.resetIndex,
	}
}

// acquire marks this state as in-use by a reader/writer; release must be
// called exactly once when done.
func (s *state) acquire() func() {
	atomic.AddInt32(&s.refs, 1)
	return func() { s.release() }
}

func (s *state) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		if fn, ok := s.finalizer.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

func (s *state) firstIndex() raftpb.Index {
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.Len() > 0 {
			return seg.FirstIndex()
		}
	}
	return 0
}

func (s *state) lastIndex() raftpb.Index {
	if s.tail != nil && s.tail.Len() > 0 {
		return s.tail.LastIndex()
	}
	it := s.segments.Iterator()
	it.Last()
	for !it.Done() {
		_, seg, _ := it.Prev()
		if seg.Len() > 0 {
			return seg.LastIndex()
		}
	}
	return s.resetIndex
}

// findSegment returns the segment that contains idx, if any, by scanning
// from the tail backwards (segments are few; the tail is the hot path).
func (s *state) findSegment(idx raftpb.Index) (*segment.Segment, bool) {
	it := s.segments.Iterator()
	it.Last()
	for !it.Done() {
		_, seg, _ := it.Prev()
		if seg.Len() == 0 {
			continue
		}
		if idx >= seg.FirstIndex() && idx <= seg.LastIndex() {
			return seg, true
		}
	}
	return nil, false
}

func (s *state) getEntry(idx raftpb.Index) (raftpb.LogEntry, error) {
	seg, ok := s.findSegment(idx)
	if !ok {
		return raftpb.LogEntry{}, raftpb.ErrNotFound
	}
	return seg.GetEntry(idx)
}

func (s *state) termAt(idx raftpb.Index) (raftpb.Term, bool) {
	e, err := s.getEntry(idx)
	if err != nil {
		return 0, false
	}
	return e.Term, true
}

// allSegmentsAscending returns every segment in first-index order.
func (s *state) allSegmentsAscending() []*segment.Segment {
	var out []*segment.Segment
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		out = append(out, seg)
	}
	return out
}
