package realtime

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// Connection is one live socket bound to a user in a session. A user may
// hold several connections in the same session.
type Connection struct {
	ID        string
	UserID    string
	SessionID string

	socket  Socket
	limiter *rate.Limiter

	mu          sync.Mutex
	state       ConnectionState
	connectedAt time.Time
	lastPing    time.Time
	lastPong    time.Time
	latency     time.Duration
	sent        uint64
	received    uint64
	failed      uint64

	closeOnce sync.Once
}

// ConnectionStats is a point-in-time view of a connection's counters
type ConnectionStats struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	SessionID   string          `json:"sessionId"`
	State       ConnectionState `json:"state"`
	ConnectedAt time.Time       `json:"connectedAt"`
	LastPing    time.Time       `json:"lastPing,omitempty"`
	LastPong    time.Time       `json:"lastPong,omitempty"`
	LatencyMs   int64           `json:"latencyMs"`
	Sent        uint64          `json:"messagesSent"`
	Received    uint64          `json:"messagesReceived"`
	Failed      uint64          `json:"sendFailures"`
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Stats returns a snapshot of the connection's counters
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStats{
		ID:          c.ID,
		UserID:      c.UserID,
		SessionID:   c.SessionID,
		State:       c.state,
		ConnectedAt: c.connectedAt,
		LastPing:    c.lastPing,
		LastPong:    c.lastPong,
		LatencyMs:   c.latency.Milliseconds(),
		Sent:        c.sent,
		Received:    c.received,
		Failed:      c.failed,
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// live reports whether messages may still be delivered
func (c *Connection) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected || c.state == StateReconnecting
}

func (c *Connection) recordSent() {
	c.mu.Lock()
	c.sent++
	if c.state == StateReconnecting {
		c.state = StateConnected
	}
	c.mu.Unlock()
}

func (c *Connection) recordFailure() {
	c.mu.Lock()
	c.failed++
	if c.state == StateConnected {
		c.state = StateReconnecting
	}
	c.mu.Unlock()
}

func (c *Connection) recordReceived() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *Connection) markPing(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

// markPong records a pong and returns the round trip since the last ping
func (c *Connection) markPong(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = now
	if !c.lastPing.IsZero() && !now.Before(c.lastPing) {
		c.latency = now.Sub(c.lastPing)
	}
	return c.latency
}

// stale reports whether the last ping has gone unanswered for longer than
// timeout. Age is taken from lastPing, not lastPong: with a 30s interval
// and a 10s timeout a healthy connection's last pong is routinely older
// than the timeout.
func (c *Connection) stale(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPing.IsZero() || !c.lastPong.Before(c.lastPing) {
		return false
	}
	return now.Sub(c.lastPing) > timeout
}
