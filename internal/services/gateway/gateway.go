package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"collab-core/internal/middleware"
	"collab-core/internal/models"
	"collab-core/internal/services/collaboration"
	"collab-core/internal/services/realtime"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: GATEWAY

The gateway is the only place that knows about both sessions and sockets:
- Inbound: transport → HandleMessage → SessionManager / LockManager / deltas
- Outbound: SessionManager → Publish (EventSink) → BroadcastMessage
- Lifecycle: last connection of a user closes → LeaveSession → locks released
             session ends → every connection in it is closed

Publish runs while the session's publish order is held, so it only sends
and never calls back into the SessionManager.
*/

// Identity is who is on the other end of a socket, as supplied by the
// identity provider at connect time
type Identity struct {
	UserID      string
	DisplayName string
	Role        models.Role
}

// SnapshotProvider builds full-state snapshots for full_sync requests.
// Snapshot contents are opaque to the core.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, sessionID, userID string) (json.RawMessage, error)
}

// Option configures a Gateway
type Option func(*Gateway)

// WithSnapshotProvider answers client full_sync requests from p
func WithSnapshotProvider(p SnapshotProvider) Option {
	return func(g *Gateway) { g.snapshots = p }
}

// Gateway binds realtime connections to collaboration sessions
type Gateway struct {
	sessions  *collaboration.SessionManager
	transport *realtime.Transport
	deltas    *realtime.DeltaSynchronizer
	snapshots SnapshotProvider
	members   memberLocks
	logger    zerolog.Logger
}

// memberLocks serializes membership changes per session and user, so a
// closing tab cannot count connections between a new tab's join and
// its registration
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	sync.Mutex
	refs int
}

func (l *memberLocks) lock(sessionID, userID string) (unlock func()) {
	key := sessionID + "/" + userID

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*memberLock)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &memberLock{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// New wires the gateway into both sides: it becomes the transport's
// message handler and disconnect listener and a session event sink
func New(sessions *collaboration.SessionManager, transport *realtime.Transport, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		sessions:  sessions,
		transport: transport,
		deltas:    realtime.NewDeltaSynchronizer(transport),
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}

	transport.SetHandler(g)
	transport.OnDisconnect(g.handleDisconnect)
	sessions.AddSink(g)
	sessions.OnSessionEnded(g.closeSession)
	return g
}

// Connect admits the identity into the session, registers the socket and
// sends the current session state
func (g *Gateway) Connect(ctx context.Context, sessionID string, socket realtime.Socket, id Identity) (*realtime.Connection, models.Participant, error) {
	ctx, span := middleware.StartSpan(ctx, "Gateway.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", id.UserID),
	)
	defer span.End()

	role := id.Role
	if role == "" {
		role = models.RoleEditor
	}

	unlock := g.members.lock(sessionID, id.UserID)
	participant, err := g.sessions.JoinSession(ctx, sessionID, id.UserID, id.DisplayName, role)
	if err != nil {
		unlock()
		middleware.AddSpanError(ctx, err)
		return nil, models.Participant{}, err
	}

	conn, err := g.transport.RegisterConnection(ctx, socket, id.UserID, sessionID)
	if err != nil {
		if len(g.transport.Registry().UserConnections(sessionID, id.UserID)) == 0 {
			_ = g.sessions.LeaveSession(ctx, sessionID, id.UserID, "connect_failed")
		}
		unlock()
		middleware.AddSpanError(ctx, err)
		return nil, models.Participant{}, err
	}
	unlock()

	g.sendInitialState(ctx, conn)
	return conn, participant, nil
}

// sendInitialState gives a new connection the session snapshot so it does
// not depend on having seen earlier events
func (g *Gateway) sendInitialState(ctx context.Context, conn *realtime.Connection) {
	snapshot, err := g.sessions.GetSession(conn.SessionID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", conn.SessionID).Msg("failed to encode session snapshot")
		return
	}
	msg, err := models.NewSyncMessage(models.MessageFullSync, conn.SessionID, conn.UserID, models.FullSyncData{
		Reason:   "initial_state",
		Snapshot: raw,
	})
	if err != nil {
		return
	}
	_ = g.transport.SendMessage(ctx, conn, msg)
}

// Publish broadcasts a collaboration event to the session's connections
func (g *Gateway) Publish(ctx context.Context, ev models.CollaborationEvent) {
	msg, err := models.NewSyncMessage(models.MessageBroadcast, ev.SessionID, ev.UserID, ev)
	if err != nil {
		g.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to frame event")
		return
	}
	msg.Priority = priorityFor(ev)

	exclude := ""
	if echoSuppressed(ev) {
		exclude = ev.UserID
	}
	if _, err := g.transport.BroadcastMessage(ctx, ev.SessionID, msg, exclude); err != nil {
		g.logger.Warn().Err(err).Str("session_id", ev.SessionID).Str("event", string(ev.Type)).Msg("event broadcast failed")
	}
}

// echoSuppressed reports whether the originator already knows about ev
func echoSuppressed(ev models.CollaborationEvent) bool {
	switch ev.Type {
	case models.EventCursorMoved, models.EventContentChanged:
		return true
	case models.EventUserStatusChanged:
		return ev.Ephemeral
	default:
		return false
	}
}

func priorityFor(ev models.CollaborationEvent) models.Priority {
	switch {
	case ev.Ephemeral:
		return models.PriorityLow
	case ev.Type == models.EventResourceLocked, ev.Type == models.EventResourceUnlocked, ev.Type == models.EventConflictDetected:
		return models.PriorityHigh
	default:
		return models.PriorityNormal
	}
}

// HandleMessage dispatches one inbound client message
func (g *Gateway) HandleMessage(ctx context.Context, conn *realtime.Connection, msg models.SyncMessage) {
	ctx, span := middleware.StartSpan(ctx, "Gateway.HandleMessage",
		attribute.String("session.id", conn.SessionID),
		attribute.String("connection.id", conn.ID),
		attribute.String("message.type", string(msg.Type)),
		attribute.Int("message.size", len(msg.Data)),
	)
	defer span.End()

	g.logger.Debug().
		Str("connection_id", conn.ID).
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("inbound message")

	var err error
	switch msg.Type {
	case models.MessageDelta:
		err = g.handleDelta(ctx, conn, msg)
	case models.MessageEvent:
		err = g.handleEvent(ctx, conn, msg)
	case models.MessageFullSync:
		err = g.handleFullSync(ctx, conn, msg)
	case models.MessageDisconnect:
		err = g.transport.UnregisterConnection(ctx, conn.ID, "client_disconnect")
	case models.MessageAck:
	default:
		err = fmt.Errorf("%w: unsupported message type %q", errInvalidMessage, msg.Type)
	}

	if err != nil {
		middleware.AddSpanError(ctx, err)
		g.sendError(ctx, conn, msg.ID, err)
	}
}

func (g *Gateway) handleDelta(ctx context.Context, conn *realtime.Connection, msg models.SyncMessage) error {
	var delta models.DeltaUpdate
	if err := json.Unmarshal(msg.Data, &delta); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	delta.UserID = conn.UserID
	if err := delta.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := g.sessions.Authorize(conn.SessionID, conn.UserID, models.PermissionWrite); err != nil {
		return err
	}

	if _, _, err := g.deltas.SendDelta(ctx, conn.SessionID, delta, conn.UserID); err != nil {
		return err
	}
	g.ack(ctx, conn, msg.ID)
	return nil
}

func (g *Gateway) handleEvent(ctx context.Context, conn *realtime.Connection, msg models.SyncMessage) error {
	var ev models.ClientEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}

	sid, uid := conn.SessionID, conn.UserID
	switch ev.Type {
	case models.EventCursorMoved:
		var cursor models.CursorPosition
		if err := decode(ev.Data, &cursor); err != nil {
			return err
		}
		return g.sessions.UpdateCursor(ctx, sid, uid, cursor)

	case models.EventUserStatusChanged:
		var req models.PresenceRequest
		if err := decode(ev.Data, &req); err != nil {
			return err
		}
		return g.sessions.UpdatePresence(ctx, sid, uid, req.Status)

	case models.EventResourceLocked:
		var req models.LockRequest
		if err := decode(ev.Data, &req); err != nil {
			return err
		}
		exclusive := true
		if req.Exclusive != nil {
			exclusive = *req.Exclusive
		}
		if _, err := g.sessions.Locks().AcquireLock(ctx, sid, req.ResourceID, req.ResourceType, uid, exclusive); err != nil {
			return err
		}
		g.ack(ctx, conn, msg.ID)
		return nil

	case models.EventResourceUnlocked:
		var req models.LockRequest
		if err := decode(ev.Data, &req); err != nil {
			return err
		}
		if _, err := g.sessions.Locks().ReleaseLock(ctx, sid, req.ResourceID, uid); err != nil {
			return err
		}
		g.ack(ctx, conn, msg.ID)
		return nil

	case models.EventCommentAdded:
		var comment models.CommentData
		if err := decode(ev.Data, &comment); err != nil {
			return err
		}
		_, err := g.sessions.AddComment(ctx, sid, uid, comment)
		return err

	case models.EventMessageSent:
		var chat models.ChatMessageData
		if err := decode(ev.Data, &chat); err != nil {
			return err
		}
		_, err := g.sessions.SendChatMessage(ctx, sid, uid, chat.Text)
		return err

	case models.EventFileCreated, models.EventFileDeleted, models.EventFileRenamed:
		var file models.FileEventData
		if err := decode(ev.Data, &file); err != nil {
			return err
		}
		_, err := g.sessions.RecordFileEvent(ctx, sid, uid, ev.Type, file)
		return err

	case models.EventContentChanged:
		_, err := g.sessions.RecordContentChange(ctx, sid, uid, ev.Data)
		return err

	case models.EventConflictDetected:
		_, err := g.sessions.ReportConflict(ctx, sid, uid, ev.Data)
		return err

	case models.EventSyncRequired:
		var req models.SyncRequiredData
		if err := decode(ev.Data, &req); err != nil {
			return err
		}
		_, err := g.sessions.RequireSync(ctx, sid, uid, req.Reason)
		return err

	case models.EventUserLeft:
		return g.RemoveParticipant(ctx, sid, uid, "left")

	default:
		return fmt.Errorf("%w: unsupported event type %q", errInvalidMessage, ev.Type)
	}
}

func (g *Gateway) handleFullSync(ctx context.Context, conn *realtime.Connection, msg models.SyncMessage) error {
	var req models.FullSyncData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	if g.snapshots == nil {
		_, err := g.sessions.RequireSync(ctx, conn.SessionID, conn.UserID, "full_sync_requested")
		return err
	}

	snapshot, err := g.snapshots.Snapshot(ctx, conn.SessionID, conn.UserID)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return g.deltas.RespondFullSync(ctx, conn, req.RequestID, snapshot)
}

// handleDisconnect leaves the session once the user's last connection in
// it is gone. Lock release follows from LeaveSession.
func (g *Gateway) handleDisconnect(ctx context.Context, conn *realtime.Connection, reason string) {
	if reason == "session_ended" {
		return
	}
	unlock := g.members.lock(conn.SessionID, conn.UserID)
	defer unlock()
	if len(g.transport.Registry().UserConnections(conn.SessionID, conn.UserID)) > 0 {
		return
	}
	err := g.sessions.LeaveSession(ctx, conn.SessionID, conn.UserID, reason)
	if errors.Is(err, collaboration.ErrParticipantNotFound) || errors.Is(err, collaboration.ErrSessionNotFound) {
		return // already left
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", conn.SessionID).Str("user_id", conn.UserID).Msg("leave after disconnect failed")
	}
}

// RemoveParticipant takes a user out of the session and closes all of
// their connections to it
func (g *Gateway) RemoveParticipant(ctx context.Context, sessionID, userID, reason string) error {
	if err := g.sessions.LeaveSession(ctx, sessionID, userID, reason); err != nil {
		return err
	}
	for _, c := range g.transport.Registry().UserConnections(sessionID, userID) {
		_ = g.transport.UnregisterConnection(ctx, c.ID, "participant_left")
	}
	return nil
}

// closeSession disconnects everyone once a session has ended
func (g *Gateway) closeSession(sessionID string) {
	for _, conn := range g.transport.Registry().BySession(sessionID) {
		_ = g.transport.UnregisterConnection(context.Background(), conn.ID, "session_ended")
	}
}

// RequestFullSync asks every connection of a user to resync
func (g *Gateway) RequestFullSync(ctx context.Context, sessionID, userID, reason string) int {
	n := 0
	for _, conn := range g.transport.Registry().UserConnections(sessionID, userID) {
		if _, err := g.deltas.RequestFullSync(ctx, conn, reason); err == nil {
			n++
		}
	}
	return n
}

func (g *Gateway) ack(ctx context.Context, conn *realtime.Connection, messageID string) {
	msg, err := models.NewSyncMessage(models.MessageAck, conn.SessionID, conn.UserID, models.AckData{MessageID: messageID})
	if err != nil {
		return
	}
	_ = g.transport.SendMessage(ctx, conn, msg)
}

func (g *Gateway) sendError(ctx context.Context, conn *realtime.Connection, requestID string, err error) {
	if !errors.Is(err, errInvalidMessage) {
		g.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("request failed")
	}
	msg, merr := models.NewSyncMessage(models.MessageError, conn.SessionID, conn.UserID, models.ErrorData{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		RequestID: requestID,
	})
	if merr != nil {
		return
	}
	_ = g.transport.SendMessage(ctx, conn, msg)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing event data", errInvalidMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	return nil
}
