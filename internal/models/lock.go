package models

import (
	"fmt"
	"time"
)

// ResourceKind is the kind of resource a lock protects
type ResourceKind string

const (
	ResourceFile      ResourceKind = "file"
	ResourceComponent ResourceKind = "component"
	ResourceSection   ResourceKind = "section"
)

// ParseResourceKind validates a resource kind. Empty defaults to file.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch ResourceKind(s) {
	case "":
		return ResourceFile, nil
	case ResourceFile, ResourceComponent, ResourceSection:
		return ResourceKind(s), nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
}

// ResourceLock is a reservation on a resource scoped to one session
type ResourceLock struct {
	ResourceID   string       `json:"resourceId"`
	ResourceKind ResourceKind `json:"resourceType"`
	SessionID    string       `json:"sessionId"`
	OwnerID      string       `json:"ownerId"`
	AcquiredAt   time.Time    `json:"acquiredAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	Exclusive    bool         `json:"exclusive"`
}

// IsExpired reports whether the lock is past its expiry at now
func (l *ResourceLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
