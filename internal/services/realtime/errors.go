package realtime

import "errors"

var (
	ErrMessageTooLarge    = errors.New("message exceeds maximum size")
	ErrTransportSend      = errors.New("transport send failed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionTimeout  = errors.New("connection timed out")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrRateLimited        = errors.New("rate limit exceeded")
)
