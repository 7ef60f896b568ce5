package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: EVENT ARCHIVE

Live session state is in memory only. Retained collaboration events are
copied into an append-only table so history can be inspected after a
session is gone.

Flow:
  Session Manager issues event → archiver queue → worker → INSERT
*/

// EventRecord stores a single retained collaboration event
type EventRecord struct {
	ID             string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	EventID        string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"event_id"`
	SessionID      string    `gorm:"type:varchar(128);not null;index:idx_session_seq,priority:1" json:"session_id"`
	SequenceNumber uint64    `gorm:"not null;index:idx_session_seq,priority:2" json:"sequence_number"`
	Type           string    `gorm:"type:varchar(32);not null" json:"type"`
	UserID         string    `gorm:"type:varchar(128)" json:"user_id"`
	Data           []byte    `gorm:"type:jsonb" json:"-"`
	OccurredAt     time.Time `gorm:"not null" json:"occurred_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (r *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (EventRecord) TableName() string {
	return "collaboration_events"
}

// NewEventRecord copies an event into its storage form
func NewEventRecord(ev CollaborationEvent) *EventRecord {
	data := []byte(ev.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	return &EventRecord{
		EventID:        ev.ID,
		SessionID:      ev.SessionID,
		SequenceNumber: ev.SequenceNumber,
		Type:           string(ev.Type),
		UserID:         ev.UserID,
		Data:           data,
		OccurredAt:     ev.Timestamp,
	}
}

// Event converts the record back into a CollaborationEvent
func (r *EventRecord) Event() CollaborationEvent {
	return CollaborationEvent{
		ID:             r.EventID,
		SessionID:      r.SessionID,
		Type:           EventType(r.Type),
		UserID:         r.UserID,
		Timestamp:      r.OccurredAt,
		Data:           r.Data,
		SequenceNumber: r.SequenceNumber,
	}
}
