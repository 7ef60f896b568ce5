package collaboration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-core/internal/models"

	"github.com/rs/zerolog"
)

// lockEntry holds every lock on one resource. An exclusive lock never
// coexists with a lock owned by anyone else.
type lockEntry struct {
	exclusive *models.ResourceLock
	shared    map[string]*models.ResourceLock // owner id -> lock
}

func (e *lockEntry) empty() bool {
	return e.exclusive == nil && len(e.shared) == 0
}

// LockManager grants, refreshes, releases and expires resource locks.
// Lock state lives inside each session and is guarded by the session lock.
type LockManager struct {
	sm      *SessionManager
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

func newLockManager(sm *SessionManager) *LockManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LockManager{
		sm:      sm,
		timeout: sm.opts.LockTimeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  sm.logger.With().Str("component", "locks").Logger(),
	}
}

// AcquireLock takes or refreshes a lock on a resource. A conflicting lock
// held by someone else fails immediately with ErrResourceLocked; callers
// retry on their own schedule.
func (lm *LockManager) AcquireLock(ctx context.Context, sessionID, resourceID string, kind models.ResourceKind, userID string, exclusive bool) (models.ResourceLock, error) {
	if resourceID == "" {
		return models.ResourceLock{}, fmt.Errorf("%w: resource id is required", ErrInvalidArgument)
	}
	if kind == "" {
		kind = models.ResourceFile
	}

	s, p, err := lm.sm.lockParticipant(sessionID, userID)
	if err != nil {
		return models.ResourceLock{}, err
	}
	if s.state != models.SessionActive {
		s.mu.Unlock()
		return models.ResourceLock{}, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, s.state)
	}
	if !p.HasPermission(models.PermissionWrite) {
		s.mu.Unlock()
		return models.ResourceLock{}, fmt.Errorf("%w: %s cannot lock resources", ErrPermissionDenied, userID)
	}

	now := lm.sm.opts.Clock()
	events := lm.reclaimExpired(s, resourceID, now)

	lock, reason, err := s.acquire(resourceID, kind, userID, exclusive, now, lm.timeout)
	if err != nil {
		lm.sm.commit(ctx, s, events)
		return models.ResourceLock{}, err
	}

	p.LastSeen = now
	s.lastActivity = now
	events = append(events, s.issue(models.EventResourceLocked, userID, models.LockEventData{Lock: lock, Reason: reason}, false))

	lm.logger.Debug().
		Str("session_id", sessionID).
		Str("resource_id", resourceID).
		Str("user_id", userID).
		Bool("exclusive", lock.Exclusive).
		Str("reason", reason).
		Msg("lock granted")

	lm.sm.commit(ctx, s, events)
	return lock, nil
}

// ReleaseLock removes userID's lock on the resource. Locks held by other
// users are left alone and no event is issued.
func (lm *LockManager) ReleaseLock(ctx context.Context, sessionID, resourceID, userID string) (bool, error) {
	s, err := lm.sm.lockSession(sessionID)
	if err != nil {
		return false, err
	}

	lock, ok := s.release(resourceID, userID)
	if !ok {
		s.mu.Unlock()
		return false, nil
	}

	s.lastActivity = lm.sm.opts.Clock()
	ev := s.issue(models.EventResourceUnlocked, userID, models.LockEventData{Lock: lock, Reason: "released"}, false)
	lm.sm.commit(ctx, s, []models.CollaborationEvent{ev})
	return true, nil
}

// IsLocked reports whether any live lock exists on the resource. Expired
// locks found on the way are released.
func (lm *LockManager) IsLocked(ctx context.Context, sessionID, resourceID string) bool {
	s, err := lm.sm.lockSession(sessionID)
	if err != nil {
		return false
	}

	events := lm.reclaimExpired(s, resourceID, lm.sm.opts.Clock())
	entry, ok := s.locks[resourceID]
	locked := ok && !entry.empty()

	lm.sm.commit(ctx, s, events)
	return locked
}

// GetLocks returns the live locks on a resource, exclusive first
func (lm *LockManager) GetLocks(ctx context.Context, sessionID, resourceID string) ([]models.ResourceLock, error) {
	s, err := lm.sm.lockSession(sessionID)
	if err != nil {
		return nil, err
	}

	events := lm.reclaimExpired(s, resourceID, lm.sm.opts.Clock())
	var result []models.ResourceLock
	if entry, ok := s.locks[resourceID]; ok {
		result = entry.list()
	}

	lm.sm.commit(ctx, s, events)
	return result, nil
}

// SweepExpired releases every expired lock in every session and returns
// how many were released.
func (lm *LockManager) SweepExpired(ctx context.Context) int {
	lm.sm.mu.RLock()
	live := make([]*session, 0, len(lm.sm.sessions))
	for _, s := range lm.sm.sessions {
		live = append(live, s)
	}
	lm.sm.mu.RUnlock()

	released := 0
	now := lm.sm.opts.Clock()
	for _, s := range live {
		s.mu.Lock()
		if s.state == models.SessionEnded {
			s.mu.Unlock()
			continue
		}

		var events []models.CollaborationEvent
		for resourceID := range s.locks {
			events = append(events, lm.reclaimExpired(s, resourceID, now)...)
		}
		released += len(events)
		lm.sm.commit(ctx, s, events)
	}

	if released > 0 {
		lm.logger.Info().Int("released", released).Msg("expired locks swept")
	}
	return released
}

// Start runs SweepExpired every LockSweepInterval until Stop
func (lm *LockManager) Start() {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()

		ticker := time.NewTicker(lm.sm.opts.LockSweepInterval)
		defer ticker.Stop()

		lm.logger.Info().Dur("interval", lm.sm.opts.LockSweepInterval).Msg("lock sweeper started")

		for {
			select {
			case <-lm.ctx.Done():
				return
			case <-ticker.C:
				lm.SweepExpired(lm.ctx)
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit
func (lm *LockManager) Stop() {
	lm.once.Do(lm.cancel)
	lm.wg.Wait()
	lm.logger.Info().Msg("lock sweeper stopped")
}

// reclaimExpired drops expired locks on one resource and returns the
// unlock events. Caller holds s.mu.
func (lm *LockManager) reclaimExpired(s *session, resourceID string, now time.Time) []models.CollaborationEvent {
	entry, ok := s.locks[resourceID]
	if !ok {
		return nil
	}

	var events []models.CollaborationEvent
	if entry.exclusive != nil && entry.exclusive.IsExpired(now) {
		expired := *entry.exclusive
		entry.exclusive = nil
		events = append(events, s.issue(models.EventResourceUnlocked, expired.OwnerID, models.LockEventData{Lock: expired, Reason: "expired"}, false))
	}
	for _, owner := range sortedOwners(entry.shared) {
		lock := entry.shared[owner]
		if lock.IsExpired(now) {
			delete(entry.shared, owner)
			events = append(events, s.issue(models.EventResourceUnlocked, owner, models.LockEventData{Lock: *lock, Reason: "expired"}, false))
		}
	}

	if entry.empty() {
		delete(s.locks, resourceID)
	}
	return events
}

// acquire applies the lock rules to one resource. Caller holds s.mu and
// has already reclaimed expired locks on the resource. The returned
// reason is "acquired", "refreshed" or "upgraded".
func (s *session) acquire(resourceID string, kind models.ResourceKind, userID string, exclusive bool, now time.Time, timeout time.Duration) (models.ResourceLock, string, error) {
	entry, ok := s.locks[resourceID]
	if !ok {
		entry = &lockEntry{shared: make(map[string]*models.ResourceLock)}
		s.locks[resourceID] = entry
	}

	expires := now.Add(timeout)

	if held := entry.exclusive; held != nil {
		if held.OwnerID != userID {
			return models.ResourceLock{}, "", &LockConflictError{ResourceID: resourceID, HolderID: held.OwnerID, ExpiresAt: held.ExpiresAt}
		}
		held.ExpiresAt = expires
		return *held, "refreshed", nil
	}

	if !exclusive {
		if held, ok := entry.shared[userID]; ok {
			held.ExpiresAt = expires
			return *held, "refreshed", nil
		}
		lock := s.newLock(resourceID, kind, userID, false, now, expires)
		entry.shared[userID] = lock
		return *lock, "acquired", nil
	}

	for _, owner := range sortedOwners(entry.shared) {
		if owner != userID {
			holder := entry.shared[owner]
			return models.ResourceLock{}, "", &LockConflictError{ResourceID: resourceID, HolderID: owner, ExpiresAt: holder.ExpiresAt}
		}
	}

	reason := "acquired"
	if _, ok := entry.shared[userID]; ok {
		delete(entry.shared, userID)
		reason = "upgraded"
	}
	lock := s.newLock(resourceID, kind, userID, true, now, expires)
	entry.exclusive = lock
	return *lock, reason, nil
}

func (s *session) newLock(resourceID string, kind models.ResourceKind, userID string, exclusive bool, now, expires time.Time) *models.ResourceLock {
	return &models.ResourceLock{
		ResourceID:   resourceID,
		ResourceKind: kind,
		SessionID:    s.id,
		OwnerID:      userID,
		AcquiredAt:   now,
		ExpiresAt:    expires,
		Exclusive:    exclusive,
	}
}

// release removes userID's lock on a resource. Caller holds s.mu.
func (s *session) release(resourceID, userID string) (models.ResourceLock, bool) {
	entry, ok := s.locks[resourceID]
	if !ok {
		return models.ResourceLock{}, false
	}

	var released models.ResourceLock
	found := false
	if entry.exclusive != nil && entry.exclusive.OwnerID == userID {
		released = *entry.exclusive
		entry.exclusive = nil
		found = true
	} else if lock, ok := entry.shared[userID]; ok {
		released = *lock
		delete(entry.shared, userID)
		found = true
	}

	if entry.empty() {
		delete(s.locks, resourceID)
	}
	return released, found
}

// releaseAllOwnedBy drops every lock userID holds. Caller holds s.mu.
func (s *session) releaseAllOwnedBy(userID string) []models.ResourceLock {
	var released []models.ResourceLock
	for _, resourceID := range sortedResources(s.locks) {
		if lock, ok := s.release(resourceID, userID); ok {
			released = append(released, lock)
		}
	}
	return released
}

// releaseAll drops every lock in the session. Caller holds s.mu.
func (s *session) releaseAll() []models.ResourceLock {
	released := s.lockSnapshot()
	s.locks = make(map[string]*lockEntry)
	return released
}

// lockSnapshot lists all locks ordered by resource id. Caller holds s.mu.
func (s *session) lockSnapshot() []models.ResourceLock {
	result := make([]models.ResourceLock, 0, len(s.locks))
	for _, resourceID := range sortedResources(s.locks) {
		result = append(result, s.locks[resourceID].list()...)
	}
	return result
}

func (e *lockEntry) list() []models.ResourceLock {
	result := make([]models.ResourceLock, 0, 1+len(e.shared))
	if e.exclusive != nil {
		result = append(result, *e.exclusive)
	}
	for _, owner := range sortedOwners(e.shared) {
		result = append(result, *e.shared[owner])
	}
	return result
}

func sortedOwners(m map[string]*models.ResourceLock) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedResources(m map[string]*lockEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
