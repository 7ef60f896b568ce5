package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the type of a SyncMessage on the wire
type MessageType string

const (
	MessageConnect    MessageType = "connect"
	MessageDisconnect MessageType = "disconnect"
	MessagePing       MessageType = "ping"
	MessagePong       MessageType = "pong"
	MessageDelta      MessageType = "delta"
	MessageFullSync   MessageType = "full_sync"
	MessageAck        MessageType = "ack"
	MessageEvent      MessageType = "event"
	MessageBroadcast  MessageType = "broadcast"
	MessageError      MessageType = "error"
	MessageRateLimit  MessageType = "rate_limit"
)

// Priority is a delivery hint; it does not reorder the outbound queue
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// SyncMessage is the JSON unit exchanged over a WebSocket.
// When Compressed is set, Data holds a JSON string with the base64
// encoding of the compressed payload and Encoding names the algorithm.
type SyncMessage struct {
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Encoding   string          `json:"encoding,omitempty"`
	Priority   Priority        `json:"priority,omitempty"`
}

// NewSyncMessage builds a message with a fresh id and the JSON encoding of data
func NewSyncMessage(msgType MessageType, sessionID, userID string, data any) (SyncMessage, error) {
	msg := SyncMessage{
		ID:        uuid.NewString(),
		Type:      msgType,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return SyncMessage{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// DeltaOperation is the kind of change a delta describes
type DeltaOperation string

const (
	DeltaOpInsert DeltaOperation = "insert"
	DeltaOpDelete DeltaOperation = "delete"
	DeltaOpUpdate DeltaOperation = "update"
)

// DeltaUpdate is an opaque change descriptor. The core orders and
// forwards deltas but never merges them.
type DeltaUpdate struct {
	ResourceID   string         `json:"resourceId"`
	ResourceType ResourceKind   `json:"resourceType"`
	Operation    DeltaOperation `json:"operation"`
	Position     *int           `json:"position,omitempty"`
	Content      *string        `json:"content,omitempty"`
	OldContent   *string        `json:"oldContent,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"userId"`
}

// Validate checks the fields the core relies on
func (d *DeltaUpdate) Validate() error {
	if d.ResourceID == "" {
		return fmt.Errorf("delta: resourceId is required")
	}
	switch d.Operation {
	case DeltaOpInsert, DeltaOpDelete, DeltaOpUpdate:
	default:
		return fmt.Errorf("delta: unknown operation %q", d.Operation)
	}
	return nil
}

// Wire payloads

type ConnectData struct {
	ConnectionID string    `json:"connectionId"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	ServerTime   time.Time `json:"serverTime"`
}

type DisconnectData struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
}

type PongData struct {
	ClientTimestamp time.Time `json:"clientTimestamp,omitempty"`
	ServerTime      time.Time `json:"serverTime"`
}

type AckData struct {
	MessageID string `json:"messageId"`
}

type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type RateLimitData struct {
	LimitPerSecond float64 `json:"limitPerSecond"`
	DroppedID      string  `json:"droppedId,omitempty"`
}

type FullSyncData struct {
	RequestID string          `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// ClientEvent is the payload of an inbound "event" message
type ClientEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type LockRequest struct {
	ResourceID   string       `json:"resourceId"`
	ResourceType ResourceKind `json:"resourceType,omitempty"`
	Exclusive    *bool        `json:"exclusive,omitempty"`
}

type PresenceRequest struct {
	Status ParticipantStatus `json:"status"`
}
