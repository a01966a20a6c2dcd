// Package presence tracks which users are connected and which conversation
// rooms each connection has joined. Nothing here is persisted.
package presence

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownConnection = errors.New("presence: connection not bound")
	ErrAlreadyBound      = errors.New("presence: connection bound to another user")
)

type binding struct {
	userID string
	rooms  map[string]struct{}
}

// Registry holds three indices (connection, user, room) that are always
// updated together under one lock.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*binding
	users    map[string]map[string]struct{}
	rooms    map[string]map[string]struct{}
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*binding),
		users:    make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Bind attaches connID to userID. cameOnline is true when this is the user's
// first live connection.
func (r *Registry) Bind(connID, userID string) (cameOnline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.conns[connID]; ok {
		if b.userID != userID {
			return false, ErrAlreadyBound
		}
		return false, nil
	}
	r.conns[connID] = &binding{userID: userID, rooms: make(map[string]struct{})}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

// Join adds the connection to a conversation room.
func (r *Registry) Join(connID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	b.rooms[conversationID] = struct{}{}
	set, ok := r.rooms[conversationID]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[conversationID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// Leave removes the connection from a room. Leaving a room never joined is a no-op.
func (r *Registry) Leave(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.conns[connID]; ok {
		delete(b.rooms, conversationID)
	}
	r.dropFromRoom(conversationID, connID)
}

// LeaveUser removes every connection of userID from a room, e.g. after the
// user is removed from the conversation.
func (r *Registry) LeaveUser(userID, conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for connID := range r.users[userID] {
		b := r.conns[connID]
		if _, joined := b.rooms[conversationID]; !joined {
			continue
		}
		delete(b.rooms, conversationID)
		r.dropFromRoom(conversationID, connID)
		left = append(left, connID)
	}
	return left
}

func (r *Registry) dropFromRoom(conversationID, connID string) {
	set, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.rooms, conversationID)
	}
}

// Unbound describes a removed connection.
type Unbound struct {
	UserID      string
	Rooms       []string
	WentOffline bool
	LastSeen    time.Time
}

// Unbind removes a connection from every index. ok is false if connID was not bound.
func (r *Registry) Unbind(connID string) (u Unbound, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return Unbound{}, false
	}
	delete(r.conns, connID)
	for room := range b.rooms {
		r.dropFromRoom(room, connID)
		u.Rooms = append(u.Rooms, room)
	}

	u.UserID = b.userID
	set := r.users[b.userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, b.userID)
		u.WentOffline = true
		u.LastSeen = r.now()
		r.lastSeen[b.userID] = u.LastSeen
	}
	return u, true
}

// IsOnline reports whether the user has at least one bound connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// LastSeen returns when the user last went offline. ok is false if the user
// has not disconnected since the registry was created.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[userID]
	return t, ok
}

// UserOf returns the user bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return b.userID, true
}

// InRoom reports whether connID has joined conversationID.
func (r *Registry) InRoom(connID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][connID]
	return ok
}

// ConnectionsInRoom returns a snapshot of the connections joined to a room.
func (r *Registry) ConnectionsInRoom(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[conversationID])
}

// ConnectionsOfUser returns a snapshot of the user's connections.
func (r *Registry) ConnectionsOfUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.users[userID])
}

// Connections returns a snapshot of every bound connection.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Stats is a point-in-time size of the registry.
type Stats struct {
	Connections int
	OnlineUsers int
	Rooms       int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), OnlineUsers: len(r.users), Rooms: len(r.rooms)}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
