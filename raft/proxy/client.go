// Package proxy implements a client-facing proxy: a single logical
// session multiplexed over whichever server currently believes itself
// leader, with automatic leader discovery, retry on transient failures,
// and background keep-alive pacing.
package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/quorumkit/raft/raftpb"
	"github.com/quorumkit/raft/transport"
	"golang.org/x/time/rate"
)

// Default retry/backoff/keep-alive parameters.
const (
	DefaultSessionTimeout = 10 * time.Second
	DefaultBaseBackoff    = 20 * time.Millisecond
	DefaultMaxBackoff     = 1 * time.Second
	DefaultMaxAttempts    = 8
)

// Client is a single logical client session against a raft cluster. It is
// safe for concurrent use by multiple goroutines submitting commands and
// queries; the session itself is serialized by a monotonic sequence
// counter: exactly-once semantics require a gap-free sequence per
// session.
type Client struct {
	t       transport.Transport
	servers []string
	logger  log.Logger

	sessionTimeout time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	maxAttempts    int

	// keepAliveLimiter paces the background keep-alive loop to at most one
	// keep-alive per half the session timeout.
	keepAliveLimiter *rate.Limiter

	mu         sync.Mutex
	leader     string
	session    raftpb.Index
	sequence   uint64
	lastEvent  uint64
	clientName string

	stopKeepAlive func()
}

// Option configures a Client at construction.
type Option func(*Client)

// WithLogger sets the logger used for retry/routing diagnostics.
func WithLogger(logger log.Logger) Option { return func(c *Client) { c.logger = logger } }

// WithSessionTimeout overrides the lease duration requested at Open.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Client) { c.sessionTimeout = d }
}

// WithBackoff overrides the retry backoff window (base doubled per
// attempt, capped at max, with full jitter).
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) { c.baseBackoff, c.maxBackoff = base, max }
}

// WithMaxAttempts overrides how many times Submit/Query retry a
// transient failure before giving up.
func WithMaxAttempts(n int) Option { return func(c *Client) { c.maxAttempts = n } }

// New constructs a Client against the given set of candidate server IDs
// (as registered with t), without yet opening a session.
func New(t transport.Transport, servers []string, opts ...Option) *Client {
	c := &Client{
		t:                t,
		servers:          append([]string(nil), servers...),
		logger:           log.NewNopLogger(),
		sessionTimeout:   DefaultSessionTimeout,
		baseBackoff:      DefaultBaseBackoff,
		maxBackoff:       DefaultMaxBackoff,
		maxAttempts:      DefaultMaxAttempts,
		keepAliveLimiter: rate.NewLimiter(rate.Every(DefaultSessionTimeout/2), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.servers) > 0 {
		c.leader = c.servers[0]
	}
	return c
}

// Open registers a new session with the cluster under the given client
// name, an opaque identifier the application chooses. An empty name mints
// a random uuid, matching the convention used elsewhere in this module
// for client and snapshot identifiers. It must be called before
// Submit/Query/Close.
func (c *Client) Open(ctx context.Context, clientName string) error {
	if clientName == "" {
		clientName = uuid.NewString()
	}
	c.mu.Lock()
	c.clientName = clientName
	c.mu.Unlock()

	resp, err := callWithRetry(c, ctx, func(ctx context.Context, target string) (raftpb.OpenSessionResponse, error) {
		return c.t.OpenSession(ctx, target, raftpb.OpenSessionRequest{
			Client:  clientName,
			Timeout: int64(c.sessionTimeout),
		})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = resp.Session
	c.sequence = 0
	c.keepAliveLimiter = rate.NewLimiter(rate.Every(c.sessionTimeout/2), 1)
	c.mu.Unlock()

	c.startKeepAlive()
	level.Info(c.logger).Log("msg", "session opened", "session", resp.Session, "client", clientName)
	return nil
}

// Close tears down the session and stops the background keep-alive loop.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.stopKeepAlive != nil {
		c.stopKeepAlive()
		c.stopKeepAlive = nil
	}
	session := c.session
	c.mu.Unlock()

	_, err := callWithRetry(c, ctx, func(ctx context.Context, target string) (raftpb.CloseSessionResponse, error) {
		return c.t.CloseSession(ctx, target, raftpb.CloseSessionRequest{Session: session})
	})
	return err
}

// Submit proposes a state-changing operation and waits for it to commit
// and apply, returning the state machine's result exactly once per logical
// submission even if retried.
func (c *Client) Submit(ctx context.Context, operation []byte) (raftpb.CommandResponse, error) {
	c.mu.Lock()
	c.sequence++
	seq := c.sequence
	session := c.session
	c.mu.Unlock()

	resp, err := callWithRetry(c, ctx, func(ctx context.Context, target string) (raftpb.CommandResponse, error) {
		return c.t.Command(ctx, target, raftpb.CommandRequest{
			Session:   session,
			Sequence:  seq,
			Operation: operation,
		})
	})
	if err == nil && resp.EventIndex > 0 {
		c.mu.Lock()
		if resp.EventIndex > c.lastEvent {
			c.lastEvent = resp.EventIndex
		}
		c.mu.Unlock()
	}
	return resp, err
}

// Query serves a read-only operation at the requested consistency level.
func (c *Client) Query(ctx context.Context, operation []byte, consistency raftpb.Consistency) (raftpb.QueryResponse, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	return callWithRetry(c, ctx, func(ctx context.Context, target string) (raftpb.QueryResponse, error) {
		return c.t.Query(ctx, target, raftpb.QueryRequest{
			Session:     session,
			Operation:   operation,
			Consistency: consistency,
		})
	})
}

// startKeepAlive launches the background loop that renews the session's
// lease at roughly half its timeout, each tick also waiting on
// keepAliveLimiter.
func (c *Client) startKeepAlive() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopKeepAlive = cancel
	interval := c.sessionTimeout / 2
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.keepAliveLimiter.Wait(ctx); err != nil {
					return
				}
				if err := c.keepAliveOnce(ctx); err != nil {
					level.Warn(c.logger).Log("msg", "keep-alive failed", "err", err)
				}
			}
		}
	}()
}

func (c *Client) keepAliveOnce(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	seq := c.sequence
	lastEvent := c.lastEvent
	c.mu.Unlock()

	resp, err := callWithRetry(c, ctx, func(ctx context.Context, target string) (raftpb.KeepAliveResponse, error) {
		return c.t.KeepAlive(ctx, target, raftpb.KeepAliveRequest{
			Session:         session,
			CommandSequence: seq,
			EventIndex:      lastEvent,
		})
	})
	if err != nil {
		return err
	}
	if resp.Leader != "" {
		c.mu.Lock()
		c.leader = resp.Leader
		c.mu.Unlock()
	}
	return nil
}

// routingOrder returns the servers to try this round, starting from the
// last known leader (if any) followed by the rest in a fixed order — a
// client with no leader hint simply round-robins the configured set.
func (c *Client) routingOrder() []string {
	c.mu.Lock()
	leader := c.leader
	servers := c.servers
	c.mu.Unlock()

	if leader == "" {
		return servers
	}
	out := make([]string, 0, len(servers))
	out = append(out, leader)
	for _, s := range servers {
		if s != leader {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) setLeader(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.leader = id
	c.mu.Unlock()
}

// backoffDelay computes a fully-jittered exponential backoff for the given
// attempt (0-indexed): random between 0 and min(max, base*2^attempt).
func (c *Client) backoffDelay(attempt int) time.Duration {
	window := c.baseBackoff << uint(attempt)
	if window <= 0 || window > c.maxBackoff {
		window = c.maxBackoff
	}
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}

// callWithRetry runs fn against the current routing order, following
// NotLeaderError hints, retrying NoLeaderError/UnavailableError with
// backoff, and giving up immediately on any terminal error: ProtocolError,
// UnknownSessionError, ClosedSessionError, ApplicationError, and
// IllegalMemberError are never retried.
func callWithRetry[T any](c *Client, ctx context.Context, fn func(context.Context, string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		for _, target := range c.routingOrder() {
			resp, err := fn(ctx, target)
			if err == nil {
				c.setLeader(target)
				return resp, nil
			}
			lastErr = err

			switch e := err.(type) {
			case raftpb.NotLeaderError:
				c.setLeader(e.KnownLeader)
				continue
			case raftpb.NoLeaderError:
				continue
			case transport.ErrNoSuchPeer:
				continue
			case raftpb.UnavailableError:
				continue
			default:
				return zero, err
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(c.backoffDelay(attempt)):
		}
	}
	return zero, fmt.Errorf("proxy: exhausted %d attempts: %w", c.maxAttempts, lastErr)
}

