package services

import (
	"context"

	"collab-core/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented.
This package is the CONSUMER of the event archive, so EventStore lives
here and repository.EventRepository satisfies it without knowing.

  // ❌ BAD: Interface in repository package
  package repository
  type EventStore interface { ... }

  // ✅ GOOD: Interface in services package (consumer)
  package services
  type EventStore interface { ... }
*/

// EventStore defines what the archiver needs from event storage
type EventStore interface {
	StoreEvent(ctx context.Context, record *models.EventRecord) error
	GetEventsSince(ctx context.Context, sessionID string, since uint64, limit int) ([]*models.EventRecord, error)
}

// Sink is an event consumer that can fail. FanOut logs the failure and
// carries on with the next sink.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event models.CollaborationEvent) error
}
