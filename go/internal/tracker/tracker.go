// Package tracker maps (room, logical user) to the single live transport
// connection for that user. It exists to detect and resolve duplicate
// connections: a second tab, or a reconnect arriving before the old
// connection's disconnect event.
package tracker

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Transport is the connection-owning layer the tracker evicts through.
type Transport interface {
	// Detach removes the connection from its room's broadcast group and
	// closes it. It returns false if the connection is no longer live.
	Detach(connectionID string) bool
}

// Tracker enforces at most one live connection per (room, user) pair.
type Tracker struct {
	mu sync.Mutex
	// room code -> user ID -> connection ID
	bindings map[string]map[string]string
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		bindings: make(map[string]map[string]string),
	}
}

// Register binds a user's live connection, overwriting any prior binding
// for the same (room, user) pair.
func (t *Tracker) Register(roomCode, userID, connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bindings[roomCode] == nil {
		t.bindings[roomCode] = make(map[string]string)
	}
	t.bindings[roomCode][userID] = connectionID

	log.Debug().
		Str("room_code", roomCode).
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Msg("connection registered")
}

// Lookup returns the connection currently bound for the user, if any.
func (t *Tracker) Lookup(roomCode, userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bindings[roomCode][userID]
	return id, ok
}

// EvictExisting removes the user's current binding and orders the
// transport to detach that connection. It returns true when a live
// connection was actually evicted. A stale binding (the connection died
// without a disconnect event) is purged and reported as false; that is
// the expected path, not an error.
func (t *Tracker) EvictExisting(roomCode, userID string, transport Transport) bool {
	t.mu.Lock()
	connectionID, ok := t.bindings[roomCode][userID]
	if ok {
		t.removeLocked(roomCode, userID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	evicted := transport.Detach(connectionID)
	if evicted {
		log.Info().
			Str("room_code", roomCode).
			Str("user_id", userID).
			Str("connection_id", connectionID).
			Msg("evicted stale duplicate connection")
	} else {
		log.Debug().
			Str("room_code", roomCode).
			Str("user_id", userID).
			Str("connection_id", connectionID).
			Msg("purged binding for dead connection")
	}
	return evicted
}

// Unregister drops the binding for a (room, user) pair.
func (t *Tracker) Unregister(roomCode, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(roomCode, userID)
}

// Binding names one (room, user) pair a connection was bound to.
type Binding struct {
	RoomCode string
	UserID   string
}

// PurgeConnection drops every binding pointing at the raw connection
// ID, across all rooms. A disconnect event may arrive with no known
// room or user, so this is keyed by the one field the transport always
// has. The removed bindings are returned so the caller can clean up
// each room's membership.
func (t *Tracker) PurgeConnection(connectionID string) []Binding {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Binding
	for room, users := range t.bindings {
		for user, conn := range users {
			if conn == connectionID {
				removed = append(removed, Binding{RoomCode: room, UserID: user})
			}
		}
	}
	for _, b := range removed {
		t.removeLocked(b.RoomCode, b.UserID)
	}
	return removed
}

// removeLocked removes one binding and prunes the per-room map when it
// empties, so abandoned rooms do not accumulate.
func (t *Tracker) removeLocked(roomCode, userID string) {
	users, ok := t.bindings[roomCode]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.bindings, roomCode)
	}
}
