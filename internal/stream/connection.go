package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/agentconsole/internal/clock"
)

// Backoff defaults for reconnection after a transport failure.
const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Connection owns at most one physical connection to a single endpoint and
// reconnects with exponential backoff. It is created and driven by a Hub;
// consumers never touch it directly.
type Connection struct {
	url       string
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	initial   time.Duration
	max       time.Duration

	// deliver fans a decoded event read by connection gen out to
	// subscribers.
	deliver func(gen uint64, ev Event)
	// retry is invoked when a reconnect timer fires; the hub decides whether
	// demand still exists.
	retry func(token uint64)

	mu        sync.Mutex
	open      bool
	gen       uint64
	cancel    context.CancelFunc
	attempt   int
	retryTok  uint64
	retryTime clock.Timer
	opens     int
}

// ConnectionState is a point-in-time view of a Connection.
type ConnectionState struct {
	Open         bool
	Attempt      int
	RetryPending bool
	Opens        int
}

// State returns the connection's current state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		Open:         c.open,
		Attempt:      c.attempt,
		RetryPending: c.retryTime != nil,
		Opens:        c.opens,
	}
}

// connect opens the transport unless it is already open. Any pending
// reconnect timer is cancelled because the new connection supersedes it.
func (c *Connection) connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		c.logger.Debug("event stream already open", "url", c.url)
		return
	}
	c.stopRetryLocked()

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.open = true
	c.opens++

	c.logger.Debug("event stream connecting", "url", c.url, "attempt", c.attempt)
	go c.run(ctx, gen)
}

// disconnect closes the transport, cancels any pending reconnect and resets
// backoff.
func (c *Connection) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		c.cancel()
		c.cancel = nil
		c.open = false
	}
	c.gen++
	c.stopRetryLocked()
	c.attempt = 0
	c.logger.Debug("event stream disconnected", "url", c.url)
}

func (c *Connection) run(ctx context.Context, gen uint64) {
	err := c.transport.Stream(ctx, c.url, func(frame []byte) {
		c.handleFrame(gen, frame)
	})
	c.handleFailure(gen, err)
}

func (c *Connection) handleFrame(gen uint64, frame []byte) {
	ev, err := Decode(frame)
	if err != nil {
		c.logger.Warn("dropping malformed event", "url", c.url, "error", err)
		return
	}

	c.mu.Lock()
	if !c.open || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.mu.Unlock()

	c.deliver(gen, ev)
}

// current reports whether gen is the open connection.
func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && c.gen == gen
}

func (c *Connection) handleFailure(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.gen != gen {
		// Closed on purpose by disconnect.
		return
	}
	c.cancel()
	c.cancel = nil
	c.open = false

	delay := c.backoffLocked()
	c.attempt++
	c.retryTok++
	tok := c.retryTok
	c.retryTime = c.clock.AfterFunc(delay, func() { c.retry(tok) })

	level := slog.LevelWarn
	if errors.Is(err, ErrStreamClosed) {
		level = slog.LevelInfo
	}
	c.logger.Log(context.Background(), level, "event stream lost, reconnect scheduled",
		"url", c.url, "error", err, "attempt", c.attempt, "delay", delay)
}

// backoffLocked returns min(initial * 2^attempt, max).
func (c *Connection) backoffLocked() time.Duration {
	delay := c.initial
	for i := 0; i < c.attempt; i++ {
		delay *= 2
		if delay >= c.max {
			return c.max
		}
	}
	if delay > c.max {
		return c.max
	}
	return delay
}

// claimRetry reports whether tok identifies the currently pending reconnect
// timer, clearing it if so.
func (c *Connection) claimRetry(tok uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTime == nil || tok != c.retryTok {
		return false
	}
	c.retryTime = nil
	return true
}

func (c *Connection) stopRetryLocked() {
	if c.retryTime != nil {
		c.retryTime.Stop()
		c.retryTime = nil
	}
	c.retryTok++
}
