package models

import (
	"encoding/json"
	"time"
)

// EventType enumerates collaboration events
type EventType string

const (
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventUserStatusChanged EventType = "user_status_changed"
	EventCursorMoved       EventType = "cursor_moved"
	EventContentChanged    EventType = "content_changed"
	EventFileCreated       EventType = "file_created"
	EventFileDeleted       EventType = "file_deleted"
	EventFileRenamed       EventType = "file_renamed"
	EventResourceLocked    EventType = "resource_locked"
	EventResourceUnlocked  EventType = "resource_unlocked"
	EventMessageSent       EventType = "message_sent"
	EventCommentAdded      EventType = "comment_added"
	EventSyncRequired      EventType = "sync_required"
	EventConflictDetected  EventType = "conflict_detected"
)

// CollaborationEvent is one entry in a session's ordered event stream.
// SequenceNumber starts at 1 per session and never repeats.
type CollaborationEvent struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	Type           EventType       `json:"type"`
	UserID         string          `json:"userId"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
	SequenceNumber uint64          `json:"sequenceNumber"`

	// Ephemeral events (cursor, presence) are broadcast but never retained
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// Event payloads

type UserJoinedData struct {
	Participant Participant `json:"participant"`
	Rejoined    bool        `json:"rejoined,omitempty"`
}

type UserLeftData struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type StatusChangedData struct {
	UserID string            `json:"userId"`
	Status ParticipantStatus `json:"status,omitempty"`
	Role   Role              `json:"role,omitempty"`
}

type CursorMovedData struct {
	UserID string          `json:"userId"`
	Color  string          `json:"color"`
	Cursor *CursorPosition `json:"cursor"`
}

type LockEventData struct {
	Lock   ResourceLock `json:"lock"`
	Reason string       `json:"reason,omitempty"`
}

type CommentData struct {
	ResourceID string          `json:"resourceId,omitempty"`
	Text       string          `json:"text"`
	Position   *CursorPosition `json:"position,omitempty"`
}

type ChatMessageData struct {
	Text string `json:"text"`
}

type FileEventData struct {
	Path    string `json:"path"`
	OldPath string `json:"oldPath,omitempty"`
}

type SyncRequiredData struct {
	Reason string `json:"reason,omitempty"`
}
