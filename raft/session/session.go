// Package session implements exactly-once command semantics, keep-alive
// lease renewal, and ordered event publication from the state machine
// back to clients.
//
// Session state lives entirely inside the committed-entry applier
// (raft/fsm.Executor drives every method here from applied log entries), so
// every replica reaches the same session state deterministically — there is
// no independent session goroutine or lock beyond the registry's own
// bookkeeping, which is only ever touched from the applier's single context.
//
// The registry keeps its sessions in a mutex-guarded map; each session's
// response cache and event buffer are immutable sorted maps, replaced on
// every update rather than mutated in place.
package session

import (
	"github.com/benbjohnson/immutable"
	"github.com/quorumkit/raft/raftpb"
)

// Event is one published, not-yet-acknowledged notification for a session.
type Event struct {
	Index uint64
	Data  []byte
}

// cachedResponse records a command's result keyed by its sequence number, so
// duplicate submissions return the cached response byte-for-byte.
type cachedResponse struct {
	sequence uint64
	result   []byte
	err      error
}

// Session is one server-side client presence.
type Session struct {
	ID      raftpb.Index
	Client  string
	Timeout int64 // nanoseconds

	State         raftpb.SessionState
	LastHeartbeat int64 // unix nanos, from the entry that last touched this session

	lastSequence uint64
	responses    *immutable.SortedMap[uint64, cachedResponse]
	events       *immutable.SortedMap[uint64, Event]
	nextEvent    uint64
}

func newSession(id raftpb.Index, client string, timeout, now int64) *Session {
	return &Session{
		ID:            id,
		Client:        client,
		Timeout:       timeout,
		State:         raftpb.SessionOpen,
		LastHeartbeat: now,
		responses:     &immutable.SortedMap[uint64, cachedResponse]{},
		events:        &immutable.SortedMap[uint64, Event]{},
	}
}

// expired reports whether, given a reference time (the applier's current
// entry timestamp, never wall-clock), this session's lease has lapsed.
func (s *Session) expired(now int64) bool {
	return s.State == raftpb.SessionOpen && s.LastHeartbeat+s.Timeout < now
}

// PendingEvents returns buffered events with index > afterIndex, in order.
func (s *Session) PendingEvents(afterIndex uint64) []Event {
	var out []Event
	it := s.events.Iterator()
	for !it.Done() {
		idx, ev, _ := it.Next()
		if idx > afterIndex {
			out = append(out, ev)
		}
	}
	return out
}
