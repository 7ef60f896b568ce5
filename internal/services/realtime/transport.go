package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collab-core/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

/*
LEARNING: TRANSPORT

RegisterConnection starts one handler goroutine per connection that drains
Socket.Inbound(). That loop:
1. Applies the per-connection rate limit
2. Answers application pings itself
3. Hands every other message to the MessageHandler
4. Unregisters the connection when the socket closes

Outbound sends never block: a failed send goes to the retry queue for
that one connection and the caller carries on.
*/

// MessageHandler processes inbound messages that the transport does not
// answer itself
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *Connection, msg models.SyncMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(ctx context.Context, conn *Connection, msg models.SyncMessage)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, conn *Connection, msg models.SyncMessage) {
	f(ctx, conn, msg)
}

// DisconnectListener runs after a connection has been removed
type DisconnectListener func(ctx context.Context, conn *Connection, reason string)

// DefaultMaxMessageSize bounds a frame, and an inflated payload, when
// Options.MaxMessageSize is unset
const DefaultMaxMessageSize = 1 << 20

// Options configures a Transport
type Options struct {
	MaxMessageSize       int
	CompressionThreshold int
	Compressor           Compressor // nil disables compression
	RateLimit            float64    // inbound messages per second; 0 disables
	Retry                RetryOptions
	Clock                func() time.Time
}

func (o *Options) norm() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = 1024
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Retry.Clock == nil {
		o.Retry.Clock = o.Clock
	}
}

// Stats summarises the transport
type Stats struct {
	Connections      int               `json:"connections"`
	Sessions         int               `json:"sessions"`
	QueueDepth       int               `json:"retryQueueDepth"`
	MessagesSent     uint64            `json:"messagesSent"`
	MessagesReceived uint64            `json:"messagesReceived"`
	Dropped          uint64            `json:"messagesDropped"`
	RetriesDropped   uint64            `json:"retriesExhausted"`
	PerConnection    []ConnectionStats `json:"perConnection"`
}

// Transport owns connection lifecycle and message delivery
type Transport struct {
	opts     Options
	registry *Registry
	retry    *RetryQueue

	handlerMu sync.RWMutex
	handler   MessageHandler
	listeners []DisconnectListener

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewTransport(opts Options, logger zerolog.Logger) *Transport {
	opts.norm()
	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:     opts,
		registry: registry,
		retry:    NewRetryQueue(registry, opts.Retry, logger),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "transport").Logger(),
	}
}

func (t *Transport) Registry() *Registry {
	return t.registry
}

func (t *Transport) Retry() *RetryQueue {
	return t.retry
}

// SetHandler installs the handler for inbound messages
func (t *Transport) SetHandler(h MessageHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// OnDisconnect registers a listener run after every unregister
func (t *Transport) OnDisconnect(fn DisconnectListener) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// RegisterConnection tracks a socket for userID in sessionID, starts its
// handler loop and sends the connect acknowledgment
func (t *Transport) RegisterConnection(ctx context.Context, socket Socket, userID, sessionID string) (*Connection, error) {
	if socket == nil {
		return nil, fmt.Errorf("socket is required")
	}
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("user id and session id are required")
	}

	now := t.opts.Clock()
	conn := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionID:   sessionID,
		socket:      socket,
		limiter:     newLimiter(t.opts.RateLimit),
		state:       StateConnecting,
		connectedAt: now,
	}

	t.registry.add(conn)
	conn.setState(StateConnected)

	t.logger.Info().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("connection registered")

	ack, err := models.NewSyncMessage(models.MessageConnect, sessionID, userID, models.ConnectData{
		ConnectionID: conn.ID,
		SessionID:    sessionID,
		UserID:       userID,
		ServerTime:   now.UTC(),
	})
	if err != nil {
		t.registry.remove(conn.ID)
		return nil, err
	}
	if err := t.SendMessage(ctx, conn, ack); err != nil {
		t.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("connect ack not sent")
	}

	t.wg.Add(1)
	go t.serve(conn)

	return conn, nil
}

// UnregisterConnection sends a best effort disconnect, closes the socket
// and removes the connection. Repeated calls for the same connection are
// no-ops.
func (t *Transport) UnregisterConnection(ctx context.Context, connectionID, reason string) error {
	conn, ok := t.registry.Get(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	t.disconnect(ctx, conn, reason)
	return nil
}

func (t *Transport) disconnect(ctx context.Context, conn *Connection, reason string) {
	conn.closeOnce.Do(func() {
		bye, err := models.NewSyncMessage(models.MessageDisconnect, conn.SessionID, conn.UserID, models.DisconnectData{
			ConnectionID: conn.ID,
			Reason:       reason,
		})
		if err == nil {
			if frame, err := t.encode(bye); err == nil {
				_ = conn.socket.Send(frame)
			}
		}

		conn.setState(StateDisconnected)
		t.registry.remove(conn.ID)
		if err := conn.socket.Close(); err != nil {
			t.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("socket close failed")
		}

		t.logger.Info().
			Str("connection_id", conn.ID).
			Str("session_id", conn.SessionID).
			Str("user_id", conn.UserID).
			Str("reason", reason).
			Msg("connection unregistered")

		t.handlerMu.RLock()
		listeners := t.listeners
		t.handlerMu.RUnlock()
		for _, fn := range listeners {
			fn(ctx, conn, reason)
		}
	})
}

// SendMessage delivers msg to one connection. Oversized messages are
// dropped with ErrMessageTooLarge; a failed socket send is queued for
// retry and does not surface as an error.
func (t *Transport) SendMessage(ctx context.Context, conn *Connection, msg models.SyncMessage) error {
	frame, err := t.encode(msg)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Str("message_id", msg.ID).
			Str("type", string(msg.Type)).
			Msg("message dropped")
		return err
	}
	if !conn.live() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, conn.ID)
	}

	t.deliver(conn, msg, frame)
	return nil
}

// SendTo is SendMessage by connection id
func (t *Transport) SendTo(ctx context.Context, connectionID string, msg models.SyncMessage) error {
	conn, ok := t.registry.Get(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	return t.SendMessage(ctx, conn, msg)
}

// BroadcastMessage sends msg to every connection in the session except
// those owned by excludeUserID. It returns how many connections got the
// message immediately.
func (t *Transport) BroadcastMessage(ctx context.Context, sessionID string, msg models.SyncMessage, excludeUserID string) (int, error) {
	frame, err := t.encode(msg)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("message_id", msg.ID).
			Str("type", string(msg.Type)).
			Msg("broadcast dropped")
		return 0, err
	}

	delivered := 0
	var failed []string
	for _, conn := range t.registry.BySession(sessionID) {
		if excludeUserID != "" && conn.UserID == excludeUserID {
			continue
		}
		if !conn.live() {
			continue
		}
		if err := conn.socket.Send(frame); err != nil {
			conn.recordFailure()
			failed = append(failed, conn.ID)
			continue
		}
		conn.recordSent()
		t.sent.Add(1)
		delivered++
	}

	if len(failed) > 0 {
		t.logger.Debug().
			Err(ErrTransportSend).
			Str("session_id", sessionID).
			Str("message_id", msg.ID).
			Strs("connection_ids", failed).
			Msg("broadcast partially failed, queued for retry")
		t.retry.Enqueue(msg, frame, failed...)
	}
	return delivered, nil
}

func (t *Transport) deliver(conn *Connection, msg models.SyncMessage, frame []byte) {
	if err := conn.socket.Send(frame); err != nil {
		conn.recordFailure()
		t.logger.Debug().
			Err(fmt.Errorf("%w: %v", ErrTransportSend, err)).
			Str("connection_id", conn.ID).
			Str("message_id", msg.ID).
			Msg("send failed, queued for retry")
		t.retry.Enqueue(msg, frame, conn.ID)
		return
	}
	conn.recordSent()
	t.sent.Add(1)
}

// encode size-checks, optionally compresses and serializes msg
func (t *Transport) encode(msg models.SyncMessage) ([]byte, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(frame) > t.opts.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(frame), t.opts.MaxMessageSize)
	}

	if t.opts.Compressor == nil || msg.Compressed || len(msg.Data) <= t.opts.CompressionThreshold {
		return frame, nil
	}

	packed, err := t.opts.Compressor.Compress(msg.Data)
	if errors.Is(err, errIncompressible) {
		return frame, nil
	}
	if err != nil {
		t.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("compression failed, sending uncompressed")
		return frame, nil
	}

	// json encodes []byte as a base64 string
	data, err := json.Marshal(packed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compressed payload: %w", err)
	}
	msg.Data = data
	msg.Compressed = true
	msg.Encoding = t.opts.Compressor.Name()
	return json.Marshal(msg)
}

// Decode parses an inbound frame, inflating a compressed payload to at
// most maxSize bytes
func Decode(frame []byte, maxSize int) (models.SyncMessage, error) {
	var msg models.SyncMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return models.SyncMessage{}, fmt.Errorf("invalid message: %w", err)
	}
	if !msg.Compressed {
		return msg, nil
	}

	c, err := CompressorFor(msg.Encoding)
	if err != nil {
		return models.SyncMessage{}, err
	}
	var packed []byte
	if err := json.Unmarshal(msg.Data, &packed); err != nil {
		return models.SyncMessage{}, fmt.Errorf("invalid compressed payload: %w", err)
	}
	data, err := c.Decompress(packed, maxSize)
	if err != nil {
		return models.SyncMessage{}, err
	}
	msg.Data = data
	msg.Compressed = false
	msg.Encoding = ""
	return msg, nil
}

// serve drains one connection's inbound events until the socket closes
func (t *Transport) serve(conn *Connection) {
	defer t.wg.Done()

	reason := "socket_closed"
	for ev := range conn.socket.Inbound() {
		switch ev.Kind {
		case SocketMessage:
			t.handleFrame(conn, ev.Data)
		case SocketPong:
			latency := conn.markPong(t.opts.Clock())
			t.logger.Debug().Str("connection_id", conn.ID).Dur("latency", latency).Msg("pong")
		case SocketError:
			t.logger.Warn().Err(ev.Err).Str("connection_id", conn.ID).Msg("socket error")
		case SocketClosed:
			if ev.Err != nil {
				reason = "socket_error"
			}
		}
	}

	t.disconnect(t.ctx, conn, reason)
}

func (t *Transport) handleFrame(conn *Connection, frame []byte) {
	conn.recordReceived()
	t.received.Add(1)

	if conn.limiter != nil && !conn.limiter.Allow() {
		t.dropped.Add(1)
		t.logger.Warn().Err(ErrRateLimited).Str("connection_id", conn.ID).Str("user_id", conn.UserID).Msg("message dropped")
		t.reply(conn, models.MessageRateLimit, models.RateLimitData{LimitPerSecond: t.opts.RateLimit})
		return
	}

	msg, err := Decode(frame, t.opts.MaxMessageSize)
	if errors.Is(err, ErrMessageTooLarge) {
		t.dropped.Add(1)
		t.logger.Warn().Err(err).Str("connection_id", conn.ID).Str("user_id", conn.UserID).Msg("inbound message dropped")
		t.reply(conn, models.MessageError, models.ErrorData{Code: "message_too_large", Message: err.Error()})
		return
	}
	if err != nil {
		t.reply(conn, models.MessageError, models.ErrorData{Code: "invalid_message", Message: err.Error()})
		return
	}

	switch msg.Type {
	case models.MessagePing:
		conn.markPong(t.opts.Clock())
		t.reply(conn, models.MessagePong, models.PongData{ClientTimestamp: msg.Timestamp, ServerTime: t.opts.Clock().UTC()})
		return
	case models.MessagePong:
		conn.markPong(t.opts.Clock())
		return
	}

	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h == nil {
		return
	}
	h.HandleMessage(t.ctx, conn, msg)
}

func (t *Transport) reply(conn *Connection, msgType models.MessageType, data any) {
	msg, err := models.NewSyncMessage(msgType, conn.SessionID, conn.UserID, data)
	if err != nil {
		return
	}
	_ = t.SendMessage(t.ctx, conn, msg)
}

// Stats returns transport-wide and per-connection counters
func (t *Transport) Stats() Stats {
	conns := t.registry.All()
	per := make([]ConnectionStats, 0, len(conns))
	for _, c := range conns {
		per = append(per, c.Stats())
	}
	return Stats{
		Connections:      len(conns),
		Sessions:         t.registry.SessionCount(),
		QueueDepth:       t.retry.Len(),
		MessagesSent:     t.sent.Load(),
		MessagesReceived: t.received.Load(),
		Dropped:          t.dropped.Load(),
		RetriesDropped:   t.retry.Dropped(),
		PerConnection:    per,
	}
}

// Start launches the retry processor
func (t *Transport) Start() {
	t.retry.Start()
}

// Stop unregisters every connection, waits for handler loops and stops
// the retry processor
func (t *Transport) Stop(ctx context.Context) {
	for _, conn := range t.registry.All() {
		t.disconnect(ctx, conn, "server_shutdown")
	}
	t.cancel()
	t.wg.Wait()
	t.retry.Stop()
}
