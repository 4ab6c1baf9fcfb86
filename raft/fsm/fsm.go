// Package fsm implements the state-machine executor: it applies committed
// log entries, in index order, to a user-supplied StateMachine,
// deterministically driving the session and membership appliers so every
// replica reaches identical state. The executor runs on its own
// single-goroutine context (raft/sched.Context), the sole owner of the
// applied-index counter and the snapshot-policy bookkeeping.
package fsm

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	raftlog "github.com/quorumkit/raft/log"
	"github.com/quorumkit/raft/membership"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/sched"
	"github.com/quorumkit/raft/session"
)

// StateMachine is the user-supplied, opaque command/query interpreter: an
// external collaborator described here only by contract.
type StateMachine interface {
	// Apply executes a command's opaque operation bytes, returning its
	// opaque result bytes or an ApplicationError-wrappable error. pub lets
	// the command publish events to any session as a side effect of
	// application.
	Apply(index raftpb.Index, sessionID raftpb.Index, operation []byte, pub Publisher) ([]byte, error)
	// Query executes a read-only opaque operation against the state as of
	// index (or the latest state, for eventual/sequential consistency).
	Query(index raftpb.Index, operation []byte) ([]byte, error)
	// Snapshot serializes the complete current state to w.
	Snapshot(w io.WriteCloser) error
	// Restore replaces the current state with the image read from r.
	Restore(r io.Reader) error
}

// Publisher lets a StateMachine publish an event to a session mid-Apply.
// The executor passes one bound to the entry currently being applied.
type Publisher interface {
	Publish(sessionID raftpb.Index, data []byte) (eventIndex uint64, err error)
}

// Executor applies committed entries from the log, in order, exactly once
// per replica.
type Executor struct {
	log        *raftlog.Log
	machine    StateMachine
	sessions   *session.Manager
	membership *membership.Manager
	logger     log.Logger

	ctx     *sched.Context
	applied raftpb.Index

	// appliedListeners are notified, on the executor's context, after
	// every entry applies — used by the role handler to know when a
	// configuration commits.
	appliedListeners []func(raftpb.Index)

	// snapshotThreshold and lastSnapshotIndex implement the automatic
	// snapshot policy: trigger when
	// (applied - lastSnapshotIndex) > threshold. Zero threshold disables
	// automatic snapshotting.
	snapshotThreshold raftpb.Index
	lastSnapshotIndex raftpb.Index
	onSnapshotDue      func(appliedIndex raftpb.Index)
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithLogger sets the logger used for apply-time diagnostics.
func WithLogger(logger log.Logger) Option { return func(e *Executor) { e.logger = logger } }

// WithSnapshotPolicy enables the automatic snapshot trigger: onDue is
// invoked on the executor's context once
// (appliedIndex - lastSnapshotIndex) exceeds threshold. The caller must
// call MarkSnapshotted once the snapshot it triggers actually completes.
func WithSnapshotPolicy(threshold raftpb.Index, onDue func(appliedIndex raftpb.Index)) Option {
	return func(e *Executor) {
		e.snapshotThreshold = threshold
		e.onSnapshotDue = onDue
	}
}

// NewExecutor creates an Executor bound to l, applying into machine and
// driving sessions/config. appliedFloor is the index already applied (e.g.
// from a restored snapshot), so the executor resumes exactly after it.
func NewExecutor(l *raftlog.Log, machine StateMachine, sessions *session.Manager, mem *membership.Manager, appliedFloor raftpb.Index, opts ...Option) *Executor {
	e := &Executor{
		log:        l,
		machine:    machine,
		sessions:   sessions,
		membership: mem,
		logger:     log.NewNopLogger(),
		ctx:        sched.NewContext("fsm-executor"),
		applied:    appliedFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnApplied registers a listener fired with the new applied index after
// every entry is applied.
func (e *Executor) OnApplied(fn func(raftpb.Index)) {
	e.ctx.Submit(func() {
		e.appliedListeners = append(e.appliedListeners, fn)
	})
}

// AppliedIndex returns the highest index applied so far. Safe to call from
// any goroutine; it submits onto the executor's context and waits.
func (e *Executor) AppliedIndex() raftpb.Index {
	fut := sched.NewFuture[raftpb.Index]()
	e.ctx.Submit(func() { fut.Complete(e.applied, nil) })
	idx, _ := fut.Wait()
	return idx
}

// drain applies every entry committed so far (log.CommitIndex()) that has
// not yet been applied, in index order. It must run on the executor's
// context; NotifyCommit schedules it there after every commit-index advance.
func (e *Executor) drain() {
	commit := e.log.CommitIndex()
	for e.applied < commit {
		next := e.applied + 1
		entry, err := e.log.GetEntry(next)
		if err != nil {
			level.Error(e.logger).Log("msg", "failed to read committed entry", "index", next, "err", err)
			return
		}
		e.applyEntry(entry)
		e.applied = next
		for _, fn := range e.appliedListeners {
			fn(e.applied)
		}
	}
	if e.snapshotThreshold > 0 && e.onSnapshotDue != nil && e.applied-e.lastSnapshotIndex > e.snapshotThreshold {
		e.onSnapshotDue(e.applied)
	}
}

// MarkSnapshotted records that a snapshot capturing up to idx has
// completed, resetting the threshold counter. Safe to call from any
// goroutine: the update is submitted to the executor's context.
func (e *Executor) MarkSnapshotted(idx raftpb.Index) {
	e.ctx.Submit(func() {
		if idx > e.lastSnapshotIndex {
			e.lastSnapshotIndex = idx
		}
	})
}

// NotifyCommit must be called (from any goroutine) whenever the log's
// commit index advances; it schedules a drain on the executor's own
// context, preserving in-order application across replicas.
func (e *Executor) NotifyCommit() {
	e.ctx.Submit(e.drain)
}

// Stop halts the executor's context.
func (e *Executor) Stop() { e.ctx.Stop() }

// Restore loads a received snapshot into the state machine and
// fast-forwards the applied index past it, the final step of a snapshot
// install. It submits the restore to the executor's context and blocks
// until it finishes, so it must be called from outside that context.
func (e *Executor) Restore(r io.Reader, index raftpb.Index) error {
	fut := sched.NewFuture[struct{}]()
	e.ctx.Submit(func() {
		err := e.machine.Restore(r)
		if err == nil {
			e.applied = index
			e.lastSnapshotIndex = index
		}
		fut.Complete(struct{}{}, err)
	})
	_, err := fut.Wait()
	return err
}

func (e *Executor) applyEntry(entry raftpb.LogEntry) {
	e.sessions.ExpireStale(entry.Timestamp)

	switch entry.Kind {
	case raftpb.EntryCommand:
		e.applyCommand(entry)
	case raftpb.EntryQueryForLog:
		// Log-ordered read path: applying is a no-op besides advancing
		// `applied`; the role handler runs the query against the state
		// machine once this entry has applied.
	case raftpb.EntryOpenSession:
		e.applyOpenSession(entry)
	case raftpb.EntryCloseSession:
		e.applyCloseSession(entry)
	case raftpb.EntryKeepAlive:
		e.applyKeepAlive(entry)
	case raftpb.EntryConfiguration:
		e.applyConfiguration(entry)
	case raftpb.EntryInitialize:
		// No-op append on leader election; nothing to apply.
	default:
		level.Error(e.logger).Log("msg", "unknown entry kind", "kind", entry.Kind, "index", entry.Index)
	}
}

// Publish implements Publisher, routing a command's published events
// through the session registry.
func (e *Executor) Publish(sessionID raftpb.Index, data []byte) (uint64, error) {
	return e.sessions.PublishEvent(sessionID, data)
}

func (e *Executor) applyCommand(entry raftpb.LogEntry) {
	sessionID, sequence, operation, err := raftpb.DecodeCommandPayload(entry.Data)
	if err != nil {
		level.Error(e.logger).Log("msg", "malformed command entry", "index", entry.Index, "err", err)
		return
	}
	if _, _, cached := e.sessions.CheckSequence(sessionID, sequence); cached {
		return
	}
	result, appErr := e.machine.Apply(entry.Index, sessionID, operation, e)
	e.sessions.RecordResponse(sessionID, sequence, result, appErr)
}

func (e *Executor) applyOpenSession(entry raftpb.LogEntry) {
	client, timeout, err := raftpb.DecodeOpenSessionPayload(entry.Data)
	if err != nil {
		level.Error(e.logger).Log("msg", "malformed open-session entry", "index", entry.Index, "err", err)
		return
	}
	e.sessions.Open(entry.Index, client, timeout, entry.Timestamp)
}

func (e *Executor) applyCloseSession(entry raftpb.LogEntry) {
	sessionID, err := raftpb.DecodeCloseSessionPayload(entry.Data)
	if err != nil {
		level.Error(e.logger).Log("msg", "malformed close-session entry", "index", entry.Index, "err", err)
		return
	}
	if err := e.sessions.Close(sessionID); err != nil {
		level.Debug(e.logger).Log("msg", "close-session: unknown session", "session", sessionID)
	}
}

func (e *Executor) applyKeepAlive(entry raftpb.LogEntry) {
	sessionID, cmdSeq, eventIdx, err := raftpb.DecodeKeepAlivePayload(entry.Data)
	if err != nil {
		level.Error(e.logger).Log("msg", "malformed keep-alive entry", "index", entry.Index, "err", err)
		return
	}
	if _, err := e.sessions.KeepAlive(sessionID, cmdSeq, eventIdx, entry.Timestamp); err != nil {
		level.Debug(e.logger).Log("msg", "keep-alive: session not open", "session", sessionID, "err", err)
	}
}

func (e *Executor) applyConfiguration(entry raftpb.LogEntry) {
	cfg, err := raftpb.DecodeConfiguration(entry.Index, entry.Data)
	if err != nil {
		level.Error(e.logger).Log("msg", "malformed configuration entry", "index", entry.Index, "err", err)
		return
	}
	e.membership.OnCommit(cfg)
}
