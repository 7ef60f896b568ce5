package collaboration

import (
	"context"
	"encoding/json"

	"collab-core/internal/models"

	"github.com/google/uuid"
)

// EventSink receives every event the manager issues, in sequence order
// per session. Publish is called without the session's state lock held
// but while the session's publish order is reserved, so a sink must not
// call back into the SessionManager for the same session.
type EventSink interface {
	Publish(ctx context.Context, event models.CollaborationEvent)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, event models.CollaborationEvent)

func (f EventSinkFunc) Publish(ctx context.Context, event models.CollaborationEvent) {
	f(ctx, event)
}

// issue assigns the next sequence number and records the event in the
// history unless it is ephemeral. Caller holds s.mu.
func (s *session) issue(eventType models.EventType, userID string, data any, ephemeral bool) models.CollaborationEvent {
	s.seq++

	raw, _ := json.Marshal(data)
	ev := models.CollaborationEvent{
		ID:             uuid.NewString(),
		SessionID:      s.id,
		Type:           eventType,
		UserID:         userID,
		Timestamp:      s.now().UTC(),
		Data:           raw,
		SequenceNumber: s.seq,
		Ephemeral:      ephemeral,
	}

	if !ephemeral && s.historyLimit > 0 {
		s.history = append(s.history, ev)
		if over := len(s.history) - s.historyLimit; over > 0 {
			// Drop the oldest entries; copy so the backing array does not grow forever
			s.history = append([]models.CollaborationEvent(nil), s.history[over:]...)
		}
	}

	return ev
}

// eventsSince returns retained events with sequence > since. Caller holds s.mu.
func (s *session) eventsSince(since uint64) []models.CollaborationEvent {
	result := make([]models.CollaborationEvent, 0)
	for _, ev := range s.history {
		if ev.SequenceNumber > since {
			result = append(result, ev)
		}
	}
	return result
}

// commit hands the session's state lock over to its publish lock and
// delivers events to every sink. Caller holds s.mu; commit releases it.
func (sm *SessionManager) commit(ctx context.Context, s *session, events []models.CollaborationEvent) {
	if len(events) == 0 {
		s.mu.Unlock()
		return
	}

	s.publishMu.Lock()
	s.mu.Unlock()
	defer s.publishMu.Unlock()

	sm.sinkMu.RLock()
	sinks := sm.sinks
	sm.sinkMu.RUnlock()

	for _, ev := range events {
		sm.logger.Debug().
			Str("session_id", ev.SessionID).
			Str("event", string(ev.Type)).
			Uint64("seq", ev.SequenceNumber).
			Msg("event issued")

		for _, sink := range sinks {
			sink.Publish(ctx, ev)
		}
	}
}
