package models

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a collaboration session
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionPaused SessionState = "paused"
	SessionEnded  SessionState = "ended"
)

// Role is a participant's role within a session
type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
)

// ParseRole validates a role name received from the outside world
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleEditor, RoleViewer, RoleCommenter:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ParticipantStatus is the presence state of a participant
type ParticipantStatus string

const (
	StatusActive  ParticipantStatus = "active"
	StatusIdle    ParticipantStatus = "idle"
	StatusAway    ParticipantStatus = "away"
	StatusOffline ParticipantStatus = "offline"
)

// ParseStatus validates a presence status name
func ParseStatus(s string) (ParticipantStatus, error) {
	switch ParticipantStatus(s) {
	case StatusActive, StatusIdle, StatusAway, StatusOffline:
		return ParticipantStatus(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Permission is a single capability granted to a participant
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionComment Permission = "comment"
	PermissionDelete  Permission = "delete"
	PermissionAdmin   Permission = "admin"
	PermissionShare   Permission = "share"
)

// PermissionsForRole returns the fixed permission set for a role.
// Owners get everything.
func PermissionsForRole(role Role) []Permission {
	switch role {
	case RoleOwner:
		return []Permission{
			PermissionRead, PermissionWrite, PermissionComment,
			PermissionDelete, PermissionAdmin, PermissionShare,
		}
	case RoleEditor:
		return []Permission{PermissionRead, PermissionWrite, PermissionComment}
	case RoleViewer:
		return []Permission{PermissionRead}
	case RoleCommenter:
		return []Permission{PermissionRead, PermissionComment}
	default:
		return nil
	}
}

// ColorPalette is assigned round-robin to participants as they join
var ColorPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEAA7", "#DDA0DD", "#98D8C8", "#F7DC6F",
}

// CursorPosition represents where a user's cursor is in a resource
type CursorPosition struct {
	ResourceID string `json:"resourceId,omitempty"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	// Optional selection end, same resource
	SelectionLine   *int `json:"selectionLine,omitempty"`
	SelectionColumn *int `json:"selectionColumn,omitempty"`
}

// Participant is a user's membership record within a session
type Participant struct {
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName"`
	Role        Role              `json:"role"`
	Status      ParticipantStatus `json:"status"`
	Color       string            `json:"color"`
	Cursor      *CursorPosition   `json:"cursor,omitempty"`
	Permissions []Permission      `json:"permissions"`
	JoinedAt    time.Time         `json:"joinedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// HasPermission reports whether the participant was granted perm
func (p *Participant) HasPermission(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Session is a point-in-time snapshot of a collaboration session.
// Participants are listed in join order.
type Session struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	Participants []Participant  `json:"participants"`
	Locks        []ResourceLock `json:"locks"`
	State        SessionState   `json:"state"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
}

// SessionIDForProject derives the session id for a project.
// There is at most one live session per project.
func SessionIDForProject(projectID string) string {
	return "session-" + projectID
}
