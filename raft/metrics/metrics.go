// Package metrics defines the Prometheus metrics emitted by a raft
// server: log writes and reads, segment rotations and truncations,
// snapshot activity, role transitions and elections, commit/apply
// progress, session churn, and request latency.
package metrics

import (
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Server bundles every metric a raft server exports.
type Server struct {
	// Log
	EntriesWritten   prometheus.Counter
	EntryBytesWritten prometheus.Counter
	EntriesRead      prometheus.Counter
	Appends          prometheus.Counter
	SegmentRotations prometheus.Counter
	EntriesTruncated *prometheus.CounterVec
	Truncations      *prometheus.CounterVec

	// Snapshot
	SnapshotsTaken      prometheus.Counter
	SnapshotInstalls    prometheus.Counter
	LastSnapshotIndex   prometheus.Gauge

	// Role / election
	Role              prometheus.Gauge
	Term              prometheus.Gauge
	Elections         prometheus.Counter
	ElectionsWon      prometheus.Counter
	LeaderChanges     prometheus.Counter

	// Commit / apply
	CommitIndex  prometheus.Gauge
	AppliedIndex prometheus.Gauge

	// Sessions
	SessionsOpen    prometheus.Gauge
	SessionsExpired prometheus.Counter

	// Latency histograms give high-resolution, allocation-light tracking
	// of the hot request paths.
	appendLatency    *hdrhistogram.Histogram
	replicateLatency *hdrhistogram.Histogram
	commitLatency    *hdrhistogram.Histogram
}

// NewServer registers all metrics on reg, which may be a sub-registry
// scoped to a single server instance.
func NewServer(reg prometheus.Registerer) *Server {
	return &Server{
		EntriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_log_entries_written_total",
			Help: "Number of log entries appended.",
		}),
		EntryBytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_log_entry_bytes_written_total",
			Help: "Bytes of log entry payload appended.",
		}),
		EntriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_log_entries_read_total",
			Help: "Number of log entries read.",
		}),
		Appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_log_append_calls_total",
			Help: "Number of append batches processed.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_log_segment_rotations_total",
			Help: "Number of times the log moved to a new segment file.",
		}),
		EntriesTruncated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raft_log_entries_truncated_total",
			Help: "Number of log entries truncated, by direction.",
		}, []string{"direction"}),
		Truncations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raft_log_truncations_total",
			Help: "Number of truncate calls, by direction and outcome.",
		}, []string{"direction", "success"}),
		SnapshotsTaken: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_snapshots_taken_total",
			Help: "Number of snapshots completed by this server.",
		}),
		SnapshotInstalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_snapshot_installs_total",
			Help: "Number of snapshot installs received from a leader.",
		}),
		LastSnapshotIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_last_snapshot_index",
			Help: "Log index of the most recently completed snapshot.",
		}),
		Role: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_role",
			Help: "Current server role (0=inactive,1=reserve,2=passive,3=follower,4=candidate,5=leader).",
		}),
		Term: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_term",
			Help: "Current term.",
		}),
		Elections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_elections_started_total",
			Help: "Number of elections this server started as a candidate.",
		}),
		ElectionsWon: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_elections_won_total",
			Help: "Number of elections this server won.",
		}),
		LeaderChanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_leader_changes_total",
			Help: "Number of times this server observed a new leader.",
		}),
		CommitIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_commit_index",
			Help: "Highest log index known committed.",
		}),
		AppliedIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_applied_index",
			Help: "Highest log index applied to the state machine.",
		}),
		SessionsOpen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raft_sessions_open",
			Help: "Number of sessions currently open.",
		}),
		SessionsExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raft_sessions_expired_total",
			Help: "Number of sessions that have transitioned to expired.",
		}),
		appendLatency:    hdrhistogram.New(1, 10_000_000, 3),
		replicateLatency: hdrhistogram.New(1, 10_000_000, 3),
		commitLatency:    hdrhistogram.New(1, 10_000_000, 3),
	}
}

// ObserveAppend records the time taken for a local log append, in
// microseconds.
func (s *Server) ObserveAppend(d time.Duration) {
	_ = s.appendLatency.RecordValue(d.Microseconds())
}

// ObserveReplicate records the time taken for a follower to acknowledge an
// AppendRequest, in microseconds.
func (s *Server) ObserveReplicate(d time.Duration) {
	_ = s.replicateLatency.RecordValue(d.Microseconds())
}

// ObserveCommit records the time from append to commit for an index, in
// microseconds.
func (s *Server) ObserveCommit(d time.Duration) {
	_ = s.commitLatency.RecordValue(d.Microseconds())
}

// AppendLatencyPercentile returns the append-latency percentile (0-100) in
// microseconds.
func (s *Server) AppendLatencyPercentile(p float64) int64 {
	return s.appendLatency.ValueAtQuantile(p)
}

// ReplicateLatencyPercentile returns the replicate-latency percentile
// (0-100) in microseconds.
func (s *Server) ReplicateLatencyPercentile(p float64) int64 {
	return s.replicateLatency.ValueAtQuantile(p)
}

// CommitLatencyPercentile returns the commit-latency percentile (0-100) in
// microseconds.
func (s *Server) CommitLatencyPercentile(p float64) int64 {
	return s.commitLatency.ValueAtQuantile(p)
}
