package collaboration

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrSessionFull         = errors.New("session is full")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrResourceLocked      = errors.New("resource is locked")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// LockConflictError reports who holds a conflicting lock.
// errors.Is(err, ErrResourceLocked) is true for it.
type LockConflictError struct {
	ResourceID string
	HolderID   string
	ExpiresAt  time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s until %s",
		e.ResourceID, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockConflictError) Unwrap() error {
	return ErrResourceLocked
}
