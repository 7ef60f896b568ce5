package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"collab-core/internal/models"

	"github.com/google/uuid"
)

// DeltaSynchronizer frames opaque deltas and full-sync exchanges.
// Deltas are forwarded in arrival order and never merged.
type DeltaSynchronizer struct {
	transport *Transport
}

func NewDeltaSynchronizer(transport *Transport) *DeltaSynchronizer {
	return &DeltaSynchronizer{transport: transport}
}

// SendDelta broadcasts delta to the session at High priority, skipping
// connections of excludeUserID
func (d *DeltaSynchronizer) SendDelta(ctx context.Context, sessionID string, delta models.DeltaUpdate, excludeUserID string) (models.SyncMessage, int, error) {
	if err := delta.Validate(); err != nil {
		return models.SyncMessage{}, 0, err
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = d.transport.opts.Clock().UTC()
	}

	msg, err := models.NewSyncMessage(models.MessageDelta, sessionID, delta.UserID, delta)
	if err != nil {
		return models.SyncMessage{}, 0, err
	}
	msg.Priority = models.PriorityHigh

	n, err := d.transport.BroadcastMessage(ctx, sessionID, msg, excludeUserID)
	return msg, n, err
}

// RequestFullSync asks one connection to replace its delta history with a
// fresh snapshot. It returns the request id the reply will carry.
func (d *DeltaSynchronizer) RequestFullSync(ctx context.Context, conn *Connection, reason string) (string, error) {
	requestID := uuid.NewString()
	msg, err := models.NewSyncMessage(models.MessageFullSync, conn.SessionID, conn.UserID, models.FullSyncData{
		RequestID: requestID,
		Reason:    reason,
	})
	if err != nil {
		return "", err
	}
	msg.Priority = models.PriorityCritical

	if err := d.transport.SendMessage(ctx, conn, msg); err != nil {
		return "", fmt.Errorf("full sync request: %w", err)
	}
	return requestID, nil
}

// RespondFullSync sends a snapshot built elsewhere back to the connection
// that asked for it
func (d *DeltaSynchronizer) RespondFullSync(ctx context.Context, conn *Connection, requestID string, snapshot json.RawMessage) error {
	msg, err := models.NewSyncMessage(models.MessageFullSync, conn.SessionID, conn.UserID, models.FullSyncData{
		RequestID: requestID,
		Snapshot:  snapshot,
	})
	if err != nil {
		return err
	}
	msg.Priority = models.PriorityCritical

	if err := d.transport.SendMessage(ctx, conn, msg); err != nil {
		return fmt.Errorf("full sync response: %w", err)
	}
	return nil
}
