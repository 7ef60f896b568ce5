// Package realtimetest provides an in-memory Socket for tests
package realtimetest

import (
	"encoding/json"
	"errors"
	"sync"

	"collab-core/internal/models"
	"collab-core/internal/services/realtime"
)

// ErrInjected is returned by Send while failures are injected
var ErrInjected = errors.New("injected send failure")

// Socket records outbound frames and lets tests inject inbound traffic
type Socket struct {
	mu        sync.Mutex
	frames    [][]byte
	pings     int
	closed    bool
	failSends int // <0 fails every send

	inbound chan realtime.SocketEvent
}

func NewSocket() *Socket {
	return &Socket{inbound: make(chan realtime.SocketEvent, 256)}
}

func (s *Socket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrConnectionClosed
	}
	if s.failSends != 0 {
		if s.failSends > 0 {
			s.failSends--
		}
		return ErrInjected
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *Socket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrConnectionClosed
	}
	s.pings++
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Socket) Inbound() <-chan realtime.SocketEvent {
	return s.inbound
}

// FailSends makes the next n sends fail; n < 0 fails all of them until
// FailSends(0)
func (s *Socket) FailSends(n int) {
	s.mu.Lock()
	s.failSends = n
	s.mu.Unlock()
}

// Deliver injects an inbound message as a client would send it
func (s *Socket) Deliver(msg models.SyncMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.DeliverRaw(frame)
	return nil
}

// DeliverRaw injects an inbound frame as is
func (s *Socket) DeliverRaw(frame []byte) {
	s.push(realtime.SocketEvent{Kind: realtime.SocketMessage, Data: frame})
}

// Pong injects a protocol-level pong
func (s *Socket) Pong() {
	s.push(realtime.SocketEvent{Kind: realtime.SocketPong})
}

// Drop simulates the peer going away
func (s *Socket) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbound <- realtime.SocketEvent{Kind: realtime.SocketClosed, Err: err}
	s.closeLocked()
}

func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Sent decodes every frame sent so far
func (s *Socket) Sent() []models.SyncMessage {
	s.mu.Lock()
	frames := append([][]byte(nil), s.frames...)
	s.mu.Unlock()

	msgs := make([]models.SyncMessage, 0, len(frames))
	for _, f := range frames {
		msg, err := realtime.Decode(f, realtime.DefaultMaxMessageSize)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// SentOfType filters Sent by message type
func (s *Socket) SentOfType(t models.MessageType) []models.SyncMessage {
	var out []models.SyncMessage
	for _, msg := range s.Sent() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// Frames returns the raw frames sent so far
func (s *Socket) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *Socket) push(ev realtime.SocketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbound <- ev
}

func (s *Socket) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.inbound)
}
