// Package registry is the concurrency-safe store of registered credentials,
// active sessions, and user-id allocation shared by all server connection
// loops.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/jzhou/qchat/pkg/protocol"
	"github.com/jzhou/qchat/pkg/transport"
	"github.com/jzhou/qchat/pkg/userdb"
)

// ErrAlreadyLoggedIn is returned by Login when the username already has an
// active session.
var ErrAlreadyLoggedIn = errors.New("registry: user already logged in")

// Sender delivers one unit to a session's connection. The narrow interface
// keeps routing decoupled from the concrete transport.
type Sender interface {
	Send(ev transport.StreamEvent) error
}

// Session maps an authenticated user id to its connection and the stream the
// login arrived on. Created on login, destroyed on logout or connection loss.
type Session struct {
	UserID   int64
	Username string
	Conn     Sender
	StreamID int64
}

// Registry owns the credential oracle, the monotonic user-id allocator, and
// the active-session map. It is injected into every connection loop; there is
// no package-level state.
type Registry struct {
	creds userdb.CredentialStore

	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*Session
}

// New creates a registry backed by the given credential store.
func New(creds userdb.CredentialStore) *Registry {
	return &Registry{
		creds:    creds,
		sessions: make(map[int64]*Session),
	}
}

// Authenticate delegates to the credential oracle.
func (r *Registry) Authenticate(username, password string) (bool, error) {
	return r.creds.Verify(username, password)
}

// AddUser registers a new credential record.
func (r *Registry) AddUser(username, password string) error {
	return r.creds.AddUser(username, password)
}

// AllocateUserID issues the next user id. Ids are unique for the lifetime of
// the registry even under concurrent logins.
func (r *Registry) AllocateUserID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// RegisterSession records an active session for a freshly authenticated user.
func (r *Registry) RegisterSession(userID int64, username string, conn Sender, streamID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &Session{
		UserID:   userID,
		Username: username,
		Conn:     conn,
		StreamID: streamID,
	}
}

// Login atomically checks for an existing session under the same username,
// allocates a user id, and registers the session. The single critical section
// is what guarantees that two racing logins for one username cannot both win.
func (r *Registry) Login(username string, conn Sender, streamID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Username == username {
			return 0, ErrAlreadyLoggedIn
		}
	}
	r.nextID++
	userID := r.nextID
	r.sessions[userID] = &Session{
		UserID:   userID,
		Username: username,
		Conn:     conn,
		StreamID: streamID,
	}
	return userID, nil
}

// DeregisterSession removes a session. Unknown ids are ignored.
func (r *Registry) DeregisterSession(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// IsLoggedIn reports whether a username has an active session.
func (r *Registry) IsLoggedIn(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Username == username {
			return true
		}
	}
	return false
}

// UsernameOf resolves an active user id to its username.
func (r *Registry) UsernameOf(userID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	if !ok {
		return "", false
	}
	return s.Username, true
}

// SessionOf returns a copy of the session for a user id.
func (r *Registry) SessionOf(userID int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns a point-in-time snapshot of all active sessions.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// ActiveUsers returns a consistent snapshot of the roster, ordered by user id.
func (r *Registry) ActiveUsers() []protocol.UserEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.UserEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, protocol.UserEntry{UserID: s.UserID, Username: s.Username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
