package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-core/internal/models"

	"github.com/rs/zerolog"
)

/*
LEARNING: SESSION MANAGER LOCKING

Two levels of locks:
1. **SessionManager.mu** (RWMutex): guards the sessions map only
2. **session.mu** (Mutex): guards one session's participants, locks,
   sequence counter and history

Lock order is always manager → session, never the reverse, so unrelated
sessions never contend with each other. Each operation collects the events
it issues and hands them to commit(), which swaps the state lock for the
session's publish lock before calling sinks.
*/

// Options configures a SessionManager
type Options struct {
	MaxParticipants   int
	LockTimeout       time.Duration
	LockSweepInterval time.Duration
	EventHistoryLimit int
	Clock             func() time.Time
}

func (o *Options) norm() {
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = 50
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	if o.LockSweepInterval <= 0 {
		o.LockSweepInterval = 5 * time.Second
	}
	if o.EventHistoryLimit < 0 {
		o.EventHistoryLimit = 0
	} else if o.EventHistoryLimit == 0 {
		o.EventHistoryLimit = 1000
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// SessionManager owns session and participant lifecycle
type SessionManager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*session

	sinkMu         sync.RWMutex
	sinks          []EventSink
	endedListeners []func(sessionID string)

	locks  *LockManager
	logger zerolog.Logger
}

// session is the live state behind a models.Session snapshot
type session struct {
	mu        sync.Mutex
	publishMu sync.Mutex

	id        string
	projectID string
	state     models.SessionState

	order        []string // participant ids in join order
	participants map[string]*models.Participant
	locks        map[string]*lockEntry

	seq          uint64
	history      []models.CollaborationEvent
	historyLimit int

	createdAt    time.Time
	lastActivity time.Time
	now          func() time.Time
}

// NewSessionManager creates a session manager and its lock manager
func NewSessionManager(opts Options, logger zerolog.Logger) *SessionManager {
	opts.norm()
	sm := &SessionManager{
		opts:     opts,
		sessions: make(map[string]*session),
		logger:   logger.With().Str("component", "sessions").Logger(),
	}
	sm.locks = newLockManager(sm)
	return sm
}

// Locks returns the lock manager bound to this session manager
func (sm *SessionManager) Locks() *LockManager {
	return sm.locks
}

// AddSink registers an event sink. Sinks added later miss earlier events.
func (sm *SessionManager) AddSink(sink EventSink) {
	sm.sinkMu.Lock()
	defer sm.sinkMu.Unlock()
	sm.sinks = append(append([]EventSink(nil), sm.sinks...), sink)
}

// OnSessionEnded registers a callback run after a session is removed
func (sm *SessionManager) OnSessionEnded(fn func(sessionID string)) {
	sm.sinkMu.Lock()
	defer sm.sinkMu.Unlock()
	sm.endedListeners = append(sm.endedListeners, fn)
}

// CreateSession starts a session for a project with the caller as Owner
func (sm *SessionManager) CreateSession(ctx context.Context, projectID, ownerID, ownerName string) (models.Session, error) {
	if projectID == "" || ownerID == "" {
		return models.Session{}, fmt.Errorf("%w: project id and owner id are required", ErrInvalidArgument)
	}

	id := models.SessionIDForProject(projectID)
	now := sm.opts.Clock()

	sm.mu.Lock()
	if existing, ok := sm.sessions[id]; ok && !existing.isEnded() {
		sm.mu.Unlock()
		return models.Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	s := &session{
		id:           id,
		projectID:    projectID,
		state:        models.SessionActive,
		participants: make(map[string]*models.Participant),
		locks:        make(map[string]*lockEntry),
		historyLimit: sm.opts.EventHistoryLimit,
		createdAt:    now,
		lastActivity: now,
		now:          sm.opts.Clock,
	}
	sm.sessions[id] = s

	s.mu.Lock()
	sm.mu.Unlock()

	owner := s.addParticipant(ownerID, ownerName, models.RoleOwner, now)
	ev := s.issue(models.EventUserJoined, ownerID, models.UserJoinedData{Participant: *owner}, false)
	snapshot := s.snapshot()

	sm.logger.Info().
		Str("session_id", id).
		Str("project_id", projectID).
		Str("user_id", ownerID).
		Msg("session created")

	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return snapshot, nil
}

// JoinSession admits a participant. Re-joining marks the existing
// participant active instead of adding a duplicate.
func (sm *SessionManager) JoinSession(ctx context.Context, sessionID, userID, displayName string, role models.Role) (models.Participant, error) {
	if userID == "" {
		return models.Participant{}, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if _, err := models.ParseRole(string(role)); err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s, err := sm.lockSession(sessionID)
	if err != nil {
		return models.Participant{}, err
	}

	now := sm.opts.Clock()

	if p, ok := s.participants[userID]; ok {
		p.Status = models.StatusActive
		p.LastSeen = now
		if displayName != "" {
			p.DisplayName = displayName
		}
		s.lastActivity = now
		result := *p
		ev := s.issue(models.EventUserJoined, userID, models.UserJoinedData{Participant: result, Rejoined: true}, false)
		sm.commit(ctx, s, []models.CollaborationEvent{ev})
		return result, nil
	}

	if len(s.participants) >= sm.opts.MaxParticipants {
		s.mu.Unlock()
		return models.Participant{}, fmt.Errorf("%w: %s has %d participants", ErrSessionFull, sessionID, sm.opts.MaxParticipants)
	}

	p := s.addParticipant(userID, displayName, role, now)
	result := *p
	ev := s.issue(models.EventUserJoined, userID, models.UserJoinedData{Participant: result}, false)

	sm.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("role", string(role)).
		Int("participants", len(s.participants)).
		Msg("participant joined")

	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return result, nil
}

// LeaveSession removes a participant and releases every lock it held.
// The session ends when nobody is left. Unknown sessions or participants
// are a no-op so the call is safe from any cancellation path.
func (sm *SessionManager) LeaveSession(ctx context.Context, sessionID, userID, reason string) error {
	s, err := sm.lockSession(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}

	if _, ok := s.participants[userID]; !ok {
		s.mu.Unlock()
		return nil
	}

	events := make([]models.CollaborationEvent, 0, 2)
	for _, lock := range s.releaseAllOwnedBy(userID) {
		events = append(events, s.issue(models.EventResourceUnlocked, userID, models.LockEventData{Lock: lock, Reason: "participant_left"}, false))
	}

	s.removeParticipant(userID)
	s.lastActivity = sm.opts.Clock()
	events = append(events, s.issue(models.EventUserLeft, userID, models.UserLeftData{UserID: userID, Reason: reason}, false))

	empty := len(s.participants) == 0
	if empty {
		s.state = models.SessionEnded
	}

	sm.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("reason", reason).
		Int("remaining", len(s.participants)).
		Msg("participant left")

	sm.commit(ctx, s, events)

	if empty {
		sm.remove(s)
	}
	return nil
}

// EndSession releases all locks, marks the session ended and removes it.
// Ending an absent session is a no-op.
func (sm *SessionManager) EndSession(ctx context.Context, sessionID string) error {
	s, err := sm.lockSession(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}

	events := make([]models.CollaborationEvent, 0)
	for _, lock := range s.releaseAll() {
		events = append(events, s.issue(models.EventResourceUnlocked, lock.OwnerID, models.LockEventData{Lock: lock, Reason: "session_ended"}, false))
	}
	s.state = models.SessionEnded

	sm.logger.Info().Str("session_id", sessionID).Msg("session ended")

	sm.commit(ctx, s, events)
	sm.remove(s)
	return nil
}

// UpdatePresence sets a participant's status. The event is broadcast but
// not retained in history.
func (sm *SessionManager) UpdatePresence(ctx context.Context, sessionID, userID string, status models.ParticipantStatus) error {
	if _, err := models.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s, p, err := sm.lockParticipant(sessionID, userID)
	if err != nil {
		return err
	}

	now := sm.opts.Clock()
	p.Status = status
	p.LastSeen = now
	s.lastActivity = now

	ev := s.issue(models.EventUserStatusChanged, userID, models.StatusChangedData{UserID: userID, Status: status}, true)
	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return nil
}

// UpdateCursor records a participant's cursor. Last writer wins; the event
// is never retained.
func (sm *SessionManager) UpdateCursor(ctx context.Context, sessionID, userID string, cursor models.CursorPosition) error {
	s, p, err := sm.lockParticipant(sessionID, userID)
	if err != nil {
		return err
	}

	now := sm.opts.Clock()
	c := cursor
	p.Cursor = &c
	p.LastSeen = now

	ev := s.issue(models.EventCursorMoved, userID, models.CursorMovedData{UserID: userID, Color: p.Color, Cursor: &c}, true)
	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return nil
}

// ChangeRole changes a participant's role. Permissions are kept as they
// were granted at join time until RefreshPermissions is called.
func (sm *SessionManager) ChangeRole(ctx context.Context, sessionID, actorID, targetID string, role models.Role) (models.Participant, error) {
	if _, err := models.ParseRole(string(role)); err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s, target, err := sm.lockAdminAction(sessionID, actorID, targetID)
	if err != nil {
		return models.Participant{}, err
	}

	target.Role = role
	s.lastActivity = sm.opts.Clock()
	result := *target

	ev := s.issue(models.EventUserStatusChanged, actorID, models.StatusChangedData{UserID: targetID, Role: role}, false)
	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return result, nil
}

// RefreshPermissions re-derives a participant's permissions from its current role
func (sm *SessionManager) RefreshPermissions(ctx context.Context, sessionID, actorID, targetID string) (models.Participant, error) {
	s, target, err := sm.lockAdminAction(sessionID, actorID, targetID)
	if err != nil {
		return models.Participant{}, err
	}

	target.Permissions = models.PermissionsForRole(target.Role)
	result := *target

	ev := s.issue(models.EventUserStatusChanged, actorID, models.StatusChangedData{UserID: targetID, Role: target.Role}, false)
	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return result, nil
}

// PauseSession stops edits and new locks until ResumeSession
func (sm *SessionManager) PauseSession(ctx context.Context, sessionID, actorID string) error {
	return sm.setState(ctx, sessionID, actorID, models.SessionPaused)
}

// ResumeSession reactivates a paused session
func (sm *SessionManager) ResumeSession(ctx context.Context, sessionID, actorID string) error {
	return sm.setState(ctx, sessionID, actorID, models.SessionActive)
}

func (sm *SessionManager) setState(ctx context.Context, sessionID, actorID string, state models.SessionState) error {
	s, actor, err := sm.lockParticipant(sessionID, actorID)
	if err != nil {
		return err
	}
	if !actor.HasPermission(models.PermissionAdmin) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s cannot change session state", ErrPermissionDenied, actorID)
	}
	if s.state == state {
		s.mu.Unlock()
		return nil
	}

	s.state = state
	s.lastActivity = sm.opts.Clock()
	ev := s.issue(models.EventSyncRequired, actorID, models.SyncRequiredData{Reason: "session_" + string(state)}, false)

	sm.logger.Info().Str("session_id", sessionID).Str("state", string(state)).Msg("session state changed")
	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return nil
}

// AddComment records a comment from a participant holding Comment
func (sm *SessionManager) AddComment(ctx context.Context, sessionID, userID string, comment models.CommentData) (models.CollaborationEvent, error) {
	if comment.Text == "" {
		return models.CollaborationEvent{}, fmt.Errorf("%w: comment text is required", ErrInvalidArgument)
	}
	return sm.record(ctx, sessionID, userID, models.PermissionComment, false, models.EventCommentAdded, comment)
}

// SendChatMessage records a chat message from any participant
func (sm *SessionManager) SendChatMessage(ctx context.Context, sessionID, userID, text string) (models.CollaborationEvent, error) {
	if text == "" {
		return models.CollaborationEvent{}, fmt.Errorf("%w: message text is required", ErrInvalidArgument)
	}
	return sm.record(ctx, sessionID, userID, models.PermissionRead, false, models.EventMessageSent, models.ChatMessageData{Text: text})
}

// RecordFileEvent records a file create, delete or rename. Deletes need
// the Delete permission, the rest need Write.
func (sm *SessionManager) RecordFileEvent(ctx context.Context, sessionID, userID string, eventType models.EventType, file models.FileEventData) (models.CollaborationEvent, error) {
	perm := models.PermissionWrite
	switch eventType {
	case models.EventFileCreated:
	case models.EventFileRenamed:
		if file.OldPath == "" {
			return models.CollaborationEvent{}, fmt.Errorf("%w: rename requires the old path", ErrInvalidArgument)
		}
	case models.EventFileDeleted:
		perm = models.PermissionDelete
	default:
		return models.CollaborationEvent{}, fmt.Errorf("%w: %s is not a file event", ErrInvalidArgument, eventType)
	}
	if file.Path == "" {
		return models.CollaborationEvent{}, fmt.Errorf("%w: file path is required", ErrInvalidArgument)
	}
	return sm.record(ctx, sessionID, userID, perm, true, eventType, file)
}

// RecordContentChange records an opaque content change
func (sm *SessionManager) RecordContentChange(ctx context.Context, sessionID, userID string, data any) (models.CollaborationEvent, error) {
	return sm.record(ctx, sessionID, userID, models.PermissionWrite, true, models.EventContentChanged, data)
}

// ReportConflict lets a consumer flag a conflict it detected while reconciling deltas
func (sm *SessionManager) ReportConflict(ctx context.Context, sessionID, userID string, data any) (models.CollaborationEvent, error) {
	return sm.record(ctx, sessionID, userID, models.PermissionRead, false, models.EventConflictDetected, data)
}

// RequireSync announces that participants should request a full sync
func (sm *SessionManager) RequireSync(ctx context.Context, sessionID, userID, reason string) (models.CollaborationEvent, error) {
	return sm.record(ctx, sessionID, userID, models.PermissionRead, false, models.EventSyncRequired, models.SyncRequiredData{Reason: reason})
}

func (sm *SessionManager) record(ctx context.Context, sessionID, userID string, perm models.Permission, needsActive bool, eventType models.EventType, data any) (models.CollaborationEvent, error) {
	s, p, err := sm.lockParticipant(sessionID, userID)
	if err != nil {
		return models.CollaborationEvent{}, err
	}
	if needsActive && s.state != models.SessionActive {
		s.mu.Unlock()
		return models.CollaborationEvent{}, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, s.state)
	}
	if !p.HasPermission(perm) {
		s.mu.Unlock()
		return models.CollaborationEvent{}, fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, userID, perm)
	}

	now := sm.opts.Clock()
	p.LastSeen = now
	s.lastActivity = now

	ev := s.issue(eventType, userID, data, false)
	sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return ev, nil
}

// Authorize checks that userID may perform an action needing perm.
// Write requires the session to be active.
func (sm *SessionManager) Authorize(sessionID, userID string, perm models.Permission) error {
	s, p, err := sm.lockParticipant(sessionID, userID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if perm == models.PermissionWrite && s.state != models.SessionActive {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, s.state)
	}
	if !p.HasPermission(perm) {
		return fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, userID, perm)
	}

	now := sm.opts.Clock()
	p.LastSeen = now
	s.lastActivity = now
	return nil
}

// GetSession returns a snapshot of a live session
func (sm *SessionManager) GetSession(sessionID string) (models.Session, error) {
	s, err := sm.lockSession(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// GetParticipant returns a snapshot of one participant
func (sm *SessionManager) GetParticipant(sessionID, userID string) (models.Participant, error) {
	s, p, err := sm.lockParticipant(sessionID, userID)
	if err != nil {
		return models.Participant{}, err
	}
	defer s.mu.Unlock()
	return *p, nil
}

// ListSessions returns snapshots of every live session ordered by id
func (sm *SessionManager) ListSessions() []models.Session {
	sm.mu.RLock()
	live := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		live = append(live, s)
	}
	sm.mu.RUnlock()

	result := make([]models.Session, 0, len(live))
	for _, s := range live {
		s.mu.Lock()
		if s.state != models.SessionEnded {
			result = append(result, s.snapshot())
		}
		s.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Events returns retained events with a sequence number greater than since
func (sm *SessionManager) Events(sessionID string, since uint64) ([]models.CollaborationEvent, error) {
	s, err := sm.lockSession(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.eventsSince(since), nil
}

// lockSession finds a live session and returns it with s.mu held
func (sm *SessionManager) lockSession(sessionID string) (*session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[sessionID]
	sm.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	if s.state == models.SessionEnded {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// lockParticipant is lockSession plus a participant lookup
func (sm *SessionManager) lockParticipant(sessionID, userID string) (*session, *models.Participant, error) {
	s, err := sm.lockSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrParticipantNotFound, userID, sessionID)
	}
	return s, p, nil
}

// lockAdminAction checks that actor holds Admin and target exists.
// Only an owner may act on another owner.
func (sm *SessionManager) lockAdminAction(sessionID, actorID, targetID string) (*session, *models.Participant, error) {
	s, actor, err := sm.lockParticipant(sessionID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.HasPermission(models.PermissionAdmin) {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s is not an admin", ErrPermissionDenied, actorID)
	}
	target, ok := s.participants[targetID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrParticipantNotFound, targetID, sessionID)
	}
	if target.Role == models.RoleOwner && actor.Role != models.RoleOwner {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: only an owner can change an owner", ErrPermissionDenied)
	}
	return s, target, nil
}

// remove drops an ended session from the registry and notifies listeners
func (sm *SessionManager) remove(s *session) {
	sm.mu.Lock()
	if current, ok := sm.sessions[s.id]; ok && current == s {
		delete(sm.sessions, s.id)
	}
	sm.mu.Unlock()

	sm.sinkMu.RLock()
	listeners := sm.endedListeners
	sm.sinkMu.RUnlock()
	for _, fn := range listeners {
		fn(s.id)
	}
}

// session helpers; callers hold s.mu

func (s *session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == models.SessionEnded
}

func (s *session) addParticipant(userID, displayName string, role models.Role, now time.Time) *models.Participant {
	if displayName == "" {
		displayName = userID
	}
	p := &models.Participant{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		Status:      models.StatusActive,
		Color:       models.ColorPalette[len(s.participants)%len(models.ColorPalette)],
		Permissions: models.PermissionsForRole(role),
		JoinedAt:    now,
		LastSeen:    now,
	}
	s.participants[userID] = p
	s.order = append(s.order, userID)
	s.lastActivity = now
	return p
}

func (s *session) removeParticipant(userID string) {
	delete(s.participants, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *session) snapshot() models.Session {
	participants := make([]models.Participant, 0, len(s.order))
	for _, id := range s.order {
		p := *s.participants[id]
		p.Permissions = append([]models.Permission(nil), p.Permissions...)
		participants = append(participants, p)
	}
	return models.Session{
		ID:           s.id,
		ProjectID:    s.projectID,
		Participants: participants,
		Locks:        s.lockSnapshot(),
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}
