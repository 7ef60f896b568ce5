package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSOptions tunes a gorilla WebSocket adapter
type WSOptions struct {
	SendBuffer   int
	WriteWait    time.Duration
	ReadLimit    int64
	InboundQueue int
}

func (o *WSOptions) norm() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = 64
	}
}

// WSSocket adapts a gorilla/websocket connection to Socket.
// Learning: one goroutine reads, one goroutine writes; gorilla allows a
// single concurrent reader and writer plus WriteControl and Close from anywhere.
type WSSocket struct {
	conn *websocket.Conn
	opts WSOptions

	send    chan []byte
	inbound chan SocketEvent
	done    chan struct{}

	// closeMu orders Send against Close: once Close holds it, no Send
	// can report success
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewWSSocket wraps conn and starts its read and write pumps
func NewWSSocket(conn *websocket.Conn, opts WSOptions, logger zerolog.Logger) *WSSocket {
	opts.norm()
	s := &WSSocket{
		conn:    conn,
		opts:    opts,
		send:    make(chan []byte, opts.SendBuffer),
		inbound: make(chan SocketEvent, opts.InboundQueue),
		done:    make(chan struct{}),
		logger:  logger,
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}

	go s.writePump()
	go s.readPump()
	return s
}

// Send queues a text frame. A full buffer fails fast so the caller can
// hand the message to the retry queue.
func (s *WSSocket) Send(frame []byte) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrConnectionClosed
	}

	select {
	case s.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping writes a protocol-level ping control frame
func (s *WSSocket) Ping() error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait))
}

// Close sends a close frame and tears down the connection. Safe to call
// more than once.
func (s *WSSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.done)
		s.closeMu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
		err = s.conn.Close()
	})
	return err
}

func (s *WSSocket) Inbound() <-chan SocketEvent {
	return s.inbound
}

// readPump forwards frames and pongs until the connection fails.
// No read deadline is set; liveness belongs to the heartbeat monitor.
func (s *WSSocket) readPump() {
	defer func() {
		_ = s.Close()
		close(s.inbound)
	}()

	s.conn.SetPongHandler(func(string) error {
		s.push(SocketEvent{Kind: SocketPong})
		return nil
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read failed")
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				err = ErrMessageTooLarge
			}
			s.push(SocketEvent{Kind: SocketClosed, Err: err})
			return
		}
		s.push(SocketEvent{Kind: SocketMessage, Data: frame})
	}
}

// writePump drains the send buffer, one frame per WebSocket message
func (s *WSSocket) writePump() {
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write failed")
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// push delivers ev unless the socket was closed locally
func (s *WSSocket) push(ev SocketEvent) {
	select {
	case s.inbound <- ev:
	case <-s.done:
	}
}
