package repository

import (
	"context"
	"fmt"

	"collab-core/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: EVENT ARCHIVE PERSISTENCE

Retained collaboration events are append only. Storing them allows:
1. Replaying a session's history after it ended
2. Auditing who changed or locked what
3. Surviving a server restart (live state does not, the archive does)

Query patterns:
- StoreEvent: INSERT, idempotent on event_id
- GetEventsSince: incremental read ordered by sequence number
- DeleteOldEvents: keep the newest N per session
*/

// EventRepository handles EventRecord storage
type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// StoreEvent inserts a record. A duplicate event id is ignored, so a
// retried write cannot create two rows for one event.
func (r *EventRepository) StoreEvent(ctx context.Context, record *models.EventRecord) error {
	if err := r.insertEvent(ctx, record).Error; err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// insertEvent ignores a second write of the same event id
func (r *EventRepository) insertEvent(ctx context.Context, record *models.EventRecord) *gorm.DB {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(record)
}

// GetEventsSince returns events with sequence > since in sequence order.
// limit <= 0 means no limit.
func (r *EventRepository) GetEventsSince(ctx context.Context, sessionID string, since uint64, limit int) ([]*models.EventRecord, error) {
	var records []*models.EventRecord
	if err := r.eventsSince(ctx, sessionID, since, limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return records, nil
}

func (r *EventRepository) eventsSince(ctx context.Context, sessionID string, since uint64, limit int) *gorm.DB {
	q := r.db.WithContext(ctx).
		Where("session_id = ? AND sequence_number > ?", sessionID, since).
		Order("sequence_number ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

// LatestSequence returns the highest archived sequence number of a
// session, 0 when nothing was archived
func (r *EventRepository) LatestSequence(ctx context.Context, sessionID string) (uint64, error) {
	var seq uint64
	err := r.db.WithContext(ctx).
		Model(&models.EventRecord{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get latest sequence: %w", err)
	}
	return seq, nil
}

// DeleteOldEvents keeps the newest keepCount events of a session.
// Call periodically to prevent unbounded growth.
func (r *EventRepository) DeleteOldEvents(ctx context.Context, sessionID string, keepCount int) (int64, error) {
	latest, err := r.LatestSequence(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if latest <= uint64(keepCount) {
		return 0, nil // Nothing to delete
	}

	// Sequence numbers are gapless, so the cutoff is arithmetic
	cutoff := latest - uint64(keepCount)
	result := r.db.WithContext(ctx).
		Where("session_id = ? AND sequence_number <= ?", sessionID, cutoff).
		Delete(&models.EventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
