package api

import (
	"net/http"
	"strings"

	"collab-core/internal/middleware"
	"collab-core/internal/services/realtime"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections. With no
  ALLOWED_ORIGINS gorilla's default applies: Origin must match Host.

Identity and the session are checked BEFORE upgrading so a bad request
gets a plain HTTP status instead of a socket that closes right away.
*/

func newUpgrader(origins []string) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(origins) == 0 {
		return u
	}

	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			u.CheckOrigin = func(*http.Request) bool { return true }
			return u
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin
		return origin == "" || allowed[strings.ToLower(origin)]
	}
	return u
}

// HandleSessionWebSocket attaches a client socket to a session
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	identity, err := h.identity.Identify(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("user.id", identity.UserID))

	if _, err := h.sessions.GetSession(sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		middleware.AddSpanError(ctx, err)
		return
	}

	socket := realtime.NewWSSocket(conn, h.wsOpts, h.logger)

	// Past the upgrade the socket is the only channel back to the client
	c, participant, err := h.gateway.Connect(ctx, sessionID, socket, identity)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.logger.Info().Err(err).Str("session_id", sessionID).Str("user_id", identity.UserID).Msg("websocket join rejected")
		_ = socket.Close()
		return
	}

	h.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", participant.UserID).
		Str("connection_id", c.ID).
		Str("role", string(participant.Role)).
		Msg("websocket connection established")
}
