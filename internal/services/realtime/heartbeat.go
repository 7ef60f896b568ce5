package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatOptions configures the heartbeat monitor
type HeartbeatOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    func() time.Time
}

func (o *HeartbeatOptions) norm() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// HeartbeatResult summarises one CheckConnections pass
type HeartbeatResult struct {
	Pinged       int
	Disconnected int
}

// HeartbeatMonitor pings every live connection and force-disconnects the
// ones whose last ping went unanswered for longer than Timeout.
// Learning: same ticker + context + WaitGroup shape as the lock sweeper
type HeartbeatMonitor struct {
	transport *Transport
	opts      HeartbeatOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

func NewHeartbeatMonitor(transport *Transport, opts HeartbeatOptions, logger zerolog.Logger) *HeartbeatMonitor {
	opts.norm()
	ctx, cancel := context.WithCancel(context.Background())
	return &HeartbeatMonitor{
		transport: transport,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
	}
}

// CheckConnections runs one heartbeat tick. Stale connections go through
// the normal unregister path, so listeners run exactly as for a close.
func (h *HeartbeatMonitor) CheckConnections(ctx context.Context) HeartbeatResult {
	var result HeartbeatResult
	now := h.opts.Clock()

	for _, conn := range h.transport.registry.All() {
		if !conn.live() {
			continue
		}

		if conn.stale(now, h.opts.Timeout) {
			h.logger.Warn().
				Str("connection_id", conn.ID).
				Str("session_id", conn.SessionID).
				Str("user_id", conn.UserID).
				Err(ErrConnectionTimeout).
				Msg("no pong, disconnecting")
			h.transport.disconnect(ctx, conn, "heartbeat_timeout")
			result.Disconnected++
			continue
		}

		conn.markPing(now)
		if err := conn.socket.Ping(); err != nil {
			// The next tick finds the ping unanswered
			h.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("ping failed")
		}
		result.Pinged++
	}

	return result
}

// Start runs CheckConnections every Interval until Stop
func (h *HeartbeatMonitor) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.opts.Interval)
		defer ticker.Stop()

		h.logger.Info().
			Dur("interval", h.opts.Interval).
			Dur("timeout", h.opts.Timeout).
			Msg("heartbeat monitor started")

		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.CheckConnections(h.ctx)
			}
		}
	}()
}

// Stop halts the monitor and waits for the loop to exit
func (h *HeartbeatMonitor) Stop() {
	h.once.Do(h.cancel)
	h.wg.Wait()
	h.logger.Info().Msg("heartbeat monitor stopped")
}
