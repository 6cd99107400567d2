package gateway

import (
	"sync"
	"time"
)

// session is what survives a dropped connection: who it was and what
// it had subscribed to. Held until the reconnect window lapses.
type session struct {
	userID    string
	scopes    []string
	droppedAt time.Time
}

// Registry is the shared connection table. All access goes through the
// lock; callers get atomic register/deregister/lookup and nothing else.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byUser   map[string]map[string]*Conn
	sessions map[string]session

	ReconnectWindow time.Duration
	Now             func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:           map[string]*Conn{},
		byUser:          map[string]map[string]*Conn{},
		sessions:        map[string]session{},
		ReconnectWindow: 5 * time.Minute,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	userConns := r.byUser[c.UserID]
	if userConns == nil {
		userConns = map[string]*Conn{}
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
}

// Deregister drops the connection and parks its subscription state
// under the reconnect token for the reconnect window.
func (r *Registry) Deregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return
	}
	delete(r.conns, c.ID)
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, c.ID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}

	subscribed, scopes := c.Subscription()
	if subscribed {
		r.sessions[c.ReconnectToken] = session{
			userID:    c.UserID,
			scopes:    scopes,
			droppedAt: r.Now(),
		}
	}
	r.pruneSessionsLocked()
}

// Resume consumes the session behind a reconnect token. The token must
// belong to the same user and still be inside the window.
func (r *Registry) Resume(token, userID string) ([]string, bool) {
	if token == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil, false
	}
	delete(r.sessions, token)
	if s.userID != userID || r.Now().Sub(s.droppedAt) > r.ReconnectWindow {
		return nil, false
	}
	return s.scopes, true
}

// ForUser snapshots the user's connections for fanout.
func (r *Registry) ForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.byUser[userID]
	if len(userConns) == 0 {
		return nil
	}
	result := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		result = append(result, c)
	}
	return result
}

func (r *Registry) Stats() (connections, users, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.byUser), len(r.sessions)
}

func (r *Registry) pruneSessionsLocked() {
	now := r.Now()
	for token, s := range r.sessions {
		if now.Sub(s.droppedAt) > r.ReconnectWindow {
			delete(r.sessions, token)
		}
	}
}
