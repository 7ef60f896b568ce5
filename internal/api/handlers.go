package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"collab-core/internal/middleware"
	"collab-core/internal/models"
	"collab-core/internal/services/collaboration"
	"collab-core/internal/services/gateway"
	"collab-core/internal/services/realtime"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler handles HTTP requests
// Learning: optional collaborators are INTERFACES defined in this package
type Handler struct {
	sessions  *collaboration.SessionManager
	transport *realtime.Transport
	gateway   *gateway.Gateway

	history  EventHistory     // nil without an archive
	presence PresenceReader   // nil without redis
	identity IdentityProvider // defaults to QueryIdentity
	wsOpts   realtime.WSOptions
	origins  []string

	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// HandlerOption configures optional collaborators
type HandlerOption func(*Handler)

func WithEventHistory(h EventHistory) HandlerOption {
	return func(hd *Handler) { hd.history = h }
}

func WithPresence(p PresenceReader) HandlerOption {
	return func(hd *Handler) { hd.presence = p }
}

func WithIdentityProvider(p IdentityProvider) HandlerOption {
	return func(hd *Handler) { hd.identity = p }
}

func WithWSOptions(opts realtime.WSOptions) HandlerOption {
	return func(hd *Handler) { hd.wsOpts = opts }
}

// WithAllowedOrigins sets the browser origins allowed to open a
// WebSocket. "*" allows any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(hd *Handler) { hd.origins = origins }
}

func NewHandler(
	sessions *collaboration.SessionManager,
	transport *realtime.Transport,
	gw *gateway.Gateway,
	logger zerolog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		sessions:  sessions,
		transport: transport,
		gateway:   gw,
		identity:  IdentityProviderFunc(QueryIdentity),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = newUpgrader(h.origins)
	return h
}

var errBadRequest = errors.New("bad request")

// Session handlers

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
	OwnerID   string `json:"ownerId"`
	OwnerName string `json:"ownerName"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), req.ProjectID, req.OwnerID, req.OwnerName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.ListSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.EndSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actorRequest struct {
	ActorID string `json:"actorId"`
}

func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, h.sessions.PauseSession)
}

func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, h.sessions.ResumeSession)
}

func (h *Handler) changeState(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, sessionID, actorID string) error) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := apply(r.Context(), id, req.ActorID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.GetSession(w, r)
}

// Participant handlers

type joinRequest struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName"`
	Role        models.Role `json:"role"`
}

func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = models.RoleEditor
	}

	p, err := h.sessions.JoinSession(r.Context(), mux.Vars(r)["id"], req.UserID, req.DisplayName, req.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "removed"
	}
	// LeaveSession is a no-op for non-members; over HTTP that is a 404
	if _, err := h.sessions.GetParticipant(vars["id"], vars["userId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.gateway.RemoveParticipant(r.Context(), vars["id"], vars["userId"], reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type roleRequest struct {
	ActorID string      `json:"actorId"`
	Role    models.Role `json:"role"`
	// Refresh re-derives permissions right away; otherwise they change only
	// on an explicit refresh
	Refresh bool `json:"refreshPermissions"`
}

func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)

	p, err := h.sessions.ChangeRole(r.Context(), vars["id"], req.ActorID, vars["userId"], req.Role)
	if err == nil && req.Refresh {
		p, err = h.sessions.RefreshPermissions(r.Context(), vars["id"], req.ActorID, vars["userId"])
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Event handlers

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	since, err := queryUint(r, "since")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	source := "memory"
	events, err := h.sessions.Events(id, since)
	if errors.Is(err, collaboration.ErrSessionNotFound) && h.history != nil {
		// Ended sessions are only in the archive
		source = "archive"
		events, err = h.history.History(r.Context(), id, since, int(limit))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit > 0 && uint64(len(events)) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []models.CollaborationEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"since":  since,
		"source": source,
	})
}

// Lock handlers

type lockRequest struct {
	UserID       string              `json:"userId"`
	ResourceID   string              `json:"resourceId"`
	ResourceType models.ResourceKind `json:"resourceType"`
	Exclusive    *bool               `json:"exclusive,omitempty"`
}

func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	exclusive := true
	if req.Exclusive != nil {
		exclusive = *req.Exclusive
	}

	lock, err := h.sessions.Locks().AcquireLock(r.Context(), mux.Vars(r)["id"], req.ResourceID, req.ResourceType, req.UserID, exclusive)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

func (h *Handler) GetLocks(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	locks, err := h.sessions.Locks().GetLocks(r.Context(), vars["id"], vars["resourceId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if locks == nil {
		locks = []models.ResourceLock{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resourceId": vars["resourceId"],
		"locked":     len(locks) > 0,
		"locks":      locks,
	})
}

func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, r, fmt.Errorf("%w: user_id is required", errBadRequest))
		return
	}

	released, err := h.sessions.Locks().ReleaseLock(r.Context(), vars["id"], vars["resourceId"], userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !released {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "lock not held", Code: "lock_not_held"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Presence and stats

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.presence == nil {
		session, err := h.sessions.GetSession(id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"participants": session.Participants, "source": "memory"})
		return
	}

	entries, err := h.presence.Online(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participants": entries, "source": "redis"})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transport": h.transport.Stats(),
		"sessions":  len(h.sessions.ListSessions()),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// helpers

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	HolderID  string `json:"holderId,omitempty"`
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, collaboration.ErrSessionNotFound),
		errors.Is(err, collaboration.ErrParticipantNotFound),
		errors.Is(err, realtime.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, collaboration.ErrSessionExists),
		errors.Is(err, collaboration.ErrResourceLocked),
		errors.Is(err, collaboration.ErrSessionFull),
		errors.Is(err, collaboration.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, collaboration.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, collaboration.ErrInvalidArgument),
		errors.Is(err, errBadRequest),
		errors.Is(err, errMissingUser):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	middleware.AddSpanError(r.Context(), err)

	body := errorBody{
		Error:     err.Error(),
		Code:      gateway.ErrorCode(err),
		RequestID: middleware.GetRequestID(r.Context()),
	}
	switch {
	case status == http.StatusBadRequest:
		body.Code = "invalid_request"
	case errors.Is(err, collaboration.ErrParticipantNotFound):
		body.Code = "participant_not_found"
	}
	var conflict *collaboration.LockConflictError
	if errors.As(err, &conflict) {
		body.HolderID = conflict.HolderID
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return n, nil
}
