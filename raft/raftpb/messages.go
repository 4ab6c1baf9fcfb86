package raftpb

// AppendRequest is sent by the leader to replicate entries (or, when Entries
// is empty, as a heartbeat).
type AppendRequest struct {
	Term         Term
	Leader       string
	PrevLogIndex Index
	PrevLogTerm  Term
	Entries      []LogEntry
	CommitIndex  Index
}

// AppendResponse answers an AppendRequest. LogIndex is the responder's last
// matching index (on a log-matching rejection: its last index, capped below
// the rejected PrevLogIndex), used by the leader to back off nextIndex on
// rejection.
type AppendResponse struct {
	Term      Term
	Succeeded bool
	LogIndex  Index
}

// VoteRequest is sent by a candidate (or pre-vote poller) to request a vote.
type VoteRequest struct {
	Term         Term
	Candidate    string
	LastLogIndex Index
	LastLogTerm  Term
	// Poll marks a pre-vote round: receivers answer without persisting a
	// vote or adopting the term, so a partitioned server probing for
	// quorum support never disrupts a healthy leader's term.
	Poll bool
}

// VoteResponse answers a VoteRequest or a pre-vote PollRequest.
type VoteResponse struct {
	Term  Term
	Voted bool
}

// InstallRequest carries one chunk of a snapshot from leader to follower.
type InstallRequest struct {
	Term          Term
	Leader        string
	SnapshotID    string
	SnapshotIndex Index
	Offset        uint32
	Data          []byte
	Complete      bool
}

// InstallResponse answers an InstallRequest.
type InstallResponse struct {
	Term       Term
	Succeeded  bool
	NextOffset uint32
}

// CommandRequest submits a state-changing operation under a session.
type CommandRequest struct {
	Session   Index
	Sequence  uint64
	Operation []byte
}

// CommandResponse answers a CommandRequest.
type CommandResponse struct {
	Index      Index
	EventIndex uint64
	Result     []byte
	Error      error
}

// QueryRequest submits a read-only operation.
type QueryRequest struct {
	Session     Index
	Sequence    uint64
	LastIndex   Index
	Operation   []byte
	Consistency Consistency
}

// QueryResponse answers a QueryRequest.
type QueryResponse struct {
	Index  Index
	Result []byte
	Error  error
}

// KeepAliveRequest renews a session's lease and acknowledges processed
// command sequences and published events.
type KeepAliveRequest struct {
	Session         Index
	CommandSequence uint64
	EventIndex      uint64
}

// KeepAliveResponse answers a KeepAliveRequest with current cluster routing
// information.
type KeepAliveResponse struct {
	Leader  string
	Members []Member
	Status  SessionState
}

// OpenSessionRequest registers a new client session.
type OpenSessionRequest struct {
	Client  string
	Timeout int64 // nanoseconds
}

// OpenSessionResponse returns the newly allocated session ID.
type OpenSessionResponse struct {
	Session Index
	Error   error
}

// CloseSessionRequest explicitly tears down a session.
type CloseSessionRequest struct {
	Session Index
}

// CloseSessionResponse acknowledges a CloseSessionRequest.
type CloseSessionResponse struct {
	Error error
}

// ConfigurationChangeRequest proposes a single-member join/leave/reconfigure.
type ConfigurationChangeRequest struct {
	Member Member
	Leave  bool
}

// ConfigurationChangeResponse is returned once the change is committed (or
// fails).
type ConfigurationChangeResponse struct {
	Configuration Configuration
	Error         error
}

// MetadataRequest asks a server for its view of cluster routing.
type MetadataRequest struct{}

// MetadataResponse reports the current leader and members as seen by the
// responder.
type MetadataResponse struct {
	Leader  string
	Members []Member
}
