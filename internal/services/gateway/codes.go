package gateway

import (
	"errors"

	"collab-core/internal/services/collaboration"
	"collab-core/internal/services/realtime"
)

var errInvalidMessage = errors.New("invalid message")

// ErrorCode maps an error to the code carried in an error SyncMessage
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, collaboration.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, collaboration.ErrSessionExists):
		return "session_exists"
	case errors.Is(err, collaboration.ErrSessionFull):
		return "session_full"
	case errors.Is(err, collaboration.ErrPermissionDenied),
		errors.Is(err, collaboration.ErrParticipantNotFound):
		return "permission_denied"
	case errors.Is(err, collaboration.ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, collaboration.ErrResourceLocked):
		return "resource_locked"
	case errors.Is(err, realtime.ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, realtime.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, errInvalidMessage),
		errors.Is(err, collaboration.ErrInvalidArgument):
		return "invalid_message"
	default:
		return "internal"
	}
}
