package backplane

import (
	"context"
	"sort"
	"sync"
)

// Connection is a client session held by the host's transport layer.
type Connection interface {
	// ID is globally unique across every process sharing the bus.
	ID() string

	// UserID is empty for anonymous connections.
	UserID() string

	// Deliver sends a method invocation to the client.
	Deliver(ctx context.Context, method string, args []any) error

	// Done is closed once the connection starts closing.
	Done() <-chan struct{}
}

// Session is the backplane's record of a local connection.
type Session struct {
	Conn Connection

	mu     sync.Mutex
	groups map[string]struct{}
}

func newSession(conn Connection) *Session {
	return &Session{
		Conn:   conn,
		groups: make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.Conn.ID()
}

// Groups returns a sorted copy of the groups the session has joined.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InGroup reports whether the session has joined name.
func (s *Session) InGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[name]
	return ok
}

// addGroup reports whether name was newly added.
func (s *Session) addGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; ok {
		return false
	}
	s.groups[name] = struct{}{}
	return true
}

func (s *Session) removeGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		return false
	}
	delete(s.groups, name)
	return true
}

func (s *Session) closing() bool {
	select {
	case <-s.Conn.Done():
		return true
	default:
		return false
	}
}

// SessionSet is a concurrency-safe set of sessions keyed by connection id.
type SessionSet struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionSet() *SessionSet {
	return &SessionSet{sessions: make(map[string]*Session)}
}

func (ss *SessionSet) add(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[s.ID()] = s
}

// remove reports whether s was present.
func (ss *SessionSet) remove(s *Session) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if cur, ok := ss.sessions[s.ID()]; !ok || cur != s {
		return false
	}
	delete(ss.sessions, s.ID())
	return true
}

// Len returns the number of members.
func (ss *SessionSet) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Contains reports whether connectionID is a member.
func (ss *SessionSet) Contains(connectionID string) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	_, ok := ss.sessions[connectionID]
	return ok
}

// Snapshot returns the current members; later changes do not affect it.
func (ss *SessionSet) Snapshot() []*Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*Session, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		out = append(out, s)
	}
	return out
}

// Store holds the sessions attached to this process.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
	}
}

// Add registers s, replacing any session with the same id.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.byID[s.ID()] = s
	if user := s.Conn.UserID(); user != "" {
		m, ok := st.byUser[user]
		if !ok {
			m = make(map[string]*Session)
			st.byUser[user] = m
		}
		m[s.ID()] = s
	}
}

// Remove deletes s if it is still the registered session for its id.
func (st *Store) Remove(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.byID[s.ID()]; !ok || cur != s {
		return
	}
	delete(st.byID, s.ID())
	if user := s.Conn.UserID(); user != "" {
		if m, ok := st.byUser[user]; ok {
			delete(m, s.ID())
			if len(m) == 0 {
				delete(st.byUser, user)
			}
		}
	}
}

// Get looks up a local session by connection id.
func (st *Store) Get(connectionID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byID[connectionID]
	return s, ok
}

// Len returns the number of local sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// All returns a snapshot of every local session.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.byID))
	for _, s := range st.byID {
		out = append(out, s)
	}
	return out
}

// ForUser returns a snapshot of the local sessions of userID.
func (st *Store) ForUser(userID string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	m := st.byUser[userID]
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}
