package realtime

/*
LEARNING: SOCKET CAPABILITY

The transport never touches a WebSocket library directly. A Socket can:
- Send a frame (must not block on a slow peer)
- Ping the peer at the protocol level
- Close, idempotently
- Report inbound traffic on a channel

Instead of callbacks, every inbound frame, pong and the final close arrive
on Inbound(). One goroutine per connection drains that channel, so I/O
never runs inside a session's critical section.
*/

// SocketEventKind classifies an inbound socket event
type SocketEventKind int

const (
	SocketMessage SocketEventKind = iota
	SocketPong
	SocketError
	SocketClosed
)

func (k SocketEventKind) String() string {
	switch k {
	case SocketMessage:
		return "message"
	case SocketPong:
		return "pong"
	case SocketError:
		return "error"
	case SocketClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SocketEvent is one inbound socket event. SocketError is informational;
// SocketClosed is terminal and the channel is closed right after it.
type SocketEvent struct {
	Kind SocketEventKind
	Data []byte
	Err  error
}

// Socket is the transport handle behind a Connection
type Socket interface {
	Send(frame []byte) error
	Ping() error
	Close() error
	Inbound() <-chan SocketEvent
}
