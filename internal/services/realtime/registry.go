package realtime

import (
	"sort"
	"sync"
)

// Registry indexes live connections by id and by session
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Connection
	bySession map[string]map[string]*Connection // session id -> connection id -> conn
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Connection),
		bySession: make(map[string]map[string]*Connection),
	}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[c.ID] = c
	if r.bySession[c.SessionID] == nil {
		r.bySession[c.SessionID] = make(map[string]*Connection)
	}
	r.bySession[c.SessionID][c.ID] = c
}

// remove drops a connection and reports whether it was present
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if conns := r.bySession[c.SessionID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.bySession, c.SessionID)
		}
	}
	return true
}

// Get looks up a connection by id
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// BySession returns the session's connections ordered by id
func (r *Registry) BySession(sessionID string) []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.bySession[sessionID]))
	for _, c := range r.bySession[sessionID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// UserConnections returns a user's connections within one session
func (r *Registry) UserConnections(sessionID, userID string) []*Connection {
	var result []*Connection
	for _, c := range r.BySession(sessionID) {
		if c.UserID == userID {
			result = append(result, c)
		}
	}
	return result
}

// All returns every registered connection ordered by id
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
