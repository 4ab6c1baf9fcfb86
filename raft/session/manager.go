package session

import (
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/quorumkit/raft/raftpb"
)

// CloseListener is notified exactly once when a session transitions to
// closed or expired. The registry is the sole owner of session state;
// resource-scoped views hold only a sessionId plus a reference back here.
type CloseListener func(sessionID raftpb.Index)

// Manager is the session registry, driven exclusively from applied log
// entries: every method here must be called from the FSM executor's
// single context so every replica computes identical state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[raftpb.Index]*Session

	closeListeners []CloseListener
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[raftpb.Index]*Session)}
}

// OnClose registers a listener fired once per session close or expiration.
func (m *Manager) OnClose(fn CloseListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeListeners = append(m.closeListeners, fn)
}

// Open allocates a new session whose ID is the log index of the
// open-session entry, giving it cluster-wide uniqueness for free.
func (m *Manager) Open(entryIndex raftpb.Index, client string, timeout, now int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := newSession(entryIndex, client, timeout, now)
	m.sessions[entryIndex] = s
	return s
}

// Get looks up a session by ID.
func (m *Manager) Get(id raftpb.Index) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// KeepAlive renews a session's lease and evicts acknowledged response-cache
// entries and events. Returns UnknownSessionError if id is unknown, or a
// ClosedSessionError carrying the session's current state if it is not open.
func (m *Manager) KeepAlive(id raftpb.Index, commandSequence, eventIndex uint64, now int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, raftpb.UnknownSessionError{Session: id}
	}
	if s.State != raftpb.SessionOpen {
		return s, raftpb.ClosedSessionError{Session: id, State: s.State}
	}
	s.LastHeartbeat = now
	s.responses = evictResponsesThrough(s.responses, commandSequence)
	s.events = evictEventsThrough(s.events, eventIndex)
	return s, nil
}

// Close transitions a session to closed and fires onClose.
func (m *Manager) Close(id raftpb.Index) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return raftpb.UnknownSessionError{Session: id}
	}
	already := s.State != raftpb.SessionOpen
	s.State = raftpb.SessionClosed
	listeners := append([]CloseListener(nil), m.closeListeners...)
	m.mu.Unlock()

	if already {
		return nil
	}
	for _, fn := range listeners {
		fn(id)
	}
	return nil
}

// ExpireStale transitions every open session whose lease has lapsed as of
// now (the applied entry's timestamp, never wall clock) to expired, firing
// onClose for each — deterministic across replicas because every replica
// applies the identical sequence of timestamped entries.
func (m *Manager) ExpireStale(now int64) {
	m.mu.Lock()
	var toFire []raftpb.Index
	for id, s := range m.sessions {
		if s.expired(now) {
			s.State = raftpb.SessionExpired
			toFire = append(toFire, id)
		}
	}
	listeners := append([]CloseListener(nil), m.closeListeners...)
	m.mu.Unlock()

	for _, id := range toFire {
		for _, fn := range listeners {
			fn(id)
		}
	}
}

// CheckSequence implements exactly-once command semantics: if sequence has
// already been applied, it returns the cached response and cached=true so the
// applier must not re-execute the command. Queries never call this (they
// do not advance sequence).
func (m *Manager) CheckSequence(id raftpb.Index, sequence uint64) (result []byte, err error, cached bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil, false
	}
	if sequence > s.lastSequence {
		return nil, nil, false
	}
	if v, ok := s.responses.Get(sequence); ok {
		return v.result, v.err, true
	}
	// Already applied but its cache entry was evicted by an acknowledged
	// keep-alive; the command must not be re-executed, but no response
	// bytes remain to return.
	return nil, nil, true
}

// RecordResponse stores a command's result under its sequence number and
// advances the session's applied-sequence high-water mark.
func (m *Manager) RecordResponse(id raftpb.Index, sequence uint64, result []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.responses = s.responses.Set(sequence, cachedResponse{sequence: sequence, result: result, err: err})
	if sequence > s.lastSequence {
		s.lastSequence = sequence
	}
}

// PublishEvent appends a monotonically increasing, per-session event
// published by the user state machine during command application.
// Returns the assigned event index.
func (m *Manager) PublishEvent(id raftpb.Index, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, raftpb.UnknownSessionError{Session: id}
	}
	s.nextEvent++
	idx := s.nextEvent
	s.events = s.events.Set(idx, Event{Index: idx, Data: data})
	return idx, nil
}

// PendingEvents returns a session's buffered, unacknowledged events after
// afterIndex, for best-effort delivery/replay within the retention window.
func (m *Manager) PendingEvents(id raftpb.Index, afterIndex uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, raftpb.UnknownSessionError{Session: id}
	}
	return s.PendingEvents(afterIndex), nil
}

func evictResponsesThrough(m *immutable.SortedMap[uint64, cachedResponse], through uint64) *immutable.SortedMap[uint64, cachedResponse] {
	var stale []uint64
	it := m.Iterator()
	for !it.Done() {
		seq, _, _ := it.Next()
		if seq <= through {
			stale = append(stale, seq)
		}
	}
	for _, seq := range stale {
		m = m.Delete(seq)
	}
	return m
}

func evictEventsThrough(m *immutable.SortedMap[uint64, Event], through uint64) *immutable.SortedMap[uint64, Event] {
	var stale []uint64
	it := m.Iterator()
	for !it.Done() {
		idx, _, _ := it.Next()
		if idx <= through {
			stale = append(stale, idx)
		}
	}
	for _, idx := range stale {
		m = m.Delete(idx)
	}
	return m
}
