package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/adwski/synapse-relay/backend/model"
)

// CallState is the call phase of one session.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateRingingOut CallState = "ringing-out"
	StateRingingIn  CallState = "ringing-in"
	StateInCall     CallState = "in-call"
)

// Session is one active connection.
type Session struct {
	ID       string
	Username string

	State CallState
	// Peer is the remote connection of a direct call, if known.
	Peer string
	// PendingFrom is the caller whose request made this session ring.
	PendingFrom string
	// Room is the delegated call room this session has joined.
	Room string
}

// Registry maps connection ids to sessions. Returned sessions are copies;
// changes go through Update.
type Registry struct {
	mx       *sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		mx:       &sync.RWMutex{},
		sessions: make(map[string]*Session),
	}
}

// NormalizeUsername trims the asserted name and falls back to anonymous.
func NormalizeUsername(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.AnonymousUser
	}
	return name
}

// Register records a new idle session. Usernames are not required to be unique.
func (r *Registry) Register(id, username string) Session {
	sess := &Session{
		ID:       id,
		Username: NormalizeUsername(username),
		State:    StateIdle,
	}
	r.mx.Lock()
	r.sessions[id] = sess
	r.mx.Unlock()
	return *sess
}

// Unregister drops the session and returns its last state.
func (r *Registry) Unregister(id string) (Session, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	return *sess, true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Update applies fn to the stored session. It reports false if the session is gone.
func (r *Registry) Update(id string, fn func(*Session)) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// Reset returns the session to idle and clears its call bookkeeping.
func (r *Registry) Reset(id string) bool {
	return r.Update(id, func(s *Session) {
		s.State = StateIdle
		s.Peer = ""
		s.PendingFrom = ""
	})
}

// List returns a snapshot of all sessions ordered by id.
func (r *Registry) List() []Session {
	r.mx.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	r.mx.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.sessions)
}
