// Package room owns the authoritative in-memory map of room code to room
// state. All state is ephemeral: a process restart loses every room.
package room

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/identity"
	"github.com/pointdeck/pointdeck/go/internal/models"
)

// RegistryConfig holds configuration for the room registry.
type RegistryConfig struct {
	// DefaultTimerSeconds is the timer duration new rooms start with.
	DefaultTimerSeconds int
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DefaultTimerSeconds: 300, // 5 minutes
	}
}

// Registry is an explicitly owned store of rooms; construct one per
// process (or per test) and inject it where needed.
//
// The outer mutex guards the code-to-entry map. Each entry carries its
// own mutex so mutations on the same room are serialized while different
// rooms proceed concurrently. An entry's deleted flag is re-checked after
// acquiring its lock: a room can be garbage-collected in the window
// between map lookup and lock acquisition, and a mutation must fail
// cleanly rather than resurrect it.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*entry
	clock  clockwork.Clock
	config RegistryConfig
}

type entry struct {
	mu      sync.Mutex
	room    *models.Room
	deleted bool
}

// NewRegistry creates a new room registry.
func NewRegistry(clock clockwork.Clock, config RegistryConfig) *Registry {
	return &Registry{
		rooms:  make(map[string]*entry),
		clock:  clock,
		config: config,
	}
}

// SettingsUpdate is a partial update of a room's permission settings.
// Nil fields are left unchanged.
type SettingsUpdate struct {
	RevealPermission *models.PermissionMode
	KickPermission   *models.PermissionMode
}

// CreateRoom creates a room under the requested code, or under a freshly
// generated collision-checked code when requested is empty. New rooms
// start host-only for reveal and kick, with a stopped five-minute timer
// and a round in progress.
func (r *Registry) CreateRoom(requested string) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var code string
	if requested == "" {
		for {
			code = identity.GenerateRoomCode()
			if _, exists := r.rooms[code]; !exists {
				break
			}
		}
	} else {
		code = identity.NormalizeRoomCode(requested)
		if err := identity.ValidateRoomCode(code); err != nil {
			return nil, err
		}
		if _, exists := r.rooms[code]; exists {
			return nil, ErrRoomExists
		}
	}

	rm := &models.Room{
		Code:             code,
		Users:            []*models.User{},
		VotingInProgress: true,
		RevealPermission: models.PermissionHostOnly,
		KickPermission:   models.PermissionHostOnly,
		Timer:            models.TimerState{DurationSeconds: r.config.DefaultTimerSeconds},
		CreatedAt:        r.clock.Now(),
	}
	r.rooms[code] = &entry{room: rm}

	log.Info().
		Str("room_code", code).
		Msg("room created")

	return rm.Clone(), nil
}

// FindRoom returns a snapshot of the room, or ErrRoomNotFound.
func (r *Registry) FindRoom(code string) (*models.Room, error) {
	return r.withRoom(code, func(*models.Room) error { return nil })
}

// Count returns the number of live rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// AddUser adds a user to the room, or marks an existing member online.
// A rejoin (same user ID) overwrites the name and preserves the member's
// position in the join order, so the host designation never moves. The
// returned bool reports whether this was a rejoin.
func (r *Registry) AddUser(code, userID, rawName string) (*models.Room, bool, error) {
	name, err := identity.SanitizeName(rawName)
	if err != nil {
		return nil, false, err
	}

	rejoined := false
	snapshot, err := r.withRoom(code, func(rm *models.Room) error {
		if u := rm.FindUser(userID); u != nil {
			u.IsOnline = true
			u.Name = name
			rejoined = true
			return nil
		}
		rm.Users = append(rm.Users, &models.User{
			ID:       userID,
			Name:     name,
			IsOnline: true,
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	log.Debug().
		Str("room_code", code).
		Str("user_id", userID).
		Bool("rejoined", rejoined).
		Msg("user added to room")

	return snapshot, rejoined, nil
}

// RemoveUser marks a user offline, deliberately preserving their current
// vote so a round in progress can still be revealed. When this leaves no
// online members, the room is deleted entirely and the returned bool is
// true (with a nil room).
func (r *Registry) RemoveUser(code, userID string) (*models.Room, bool, error) {
	r.mu.RLock()
	e, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return nil, false, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, false, ErrRoomNotFound
	}

	u := e.room.FindUser(userID)
	if u == nil {
		return nil, false, ErrUserNotFound
	}
	u.IsOnline = false

	if e.room.OnlineCount() == 0 {
		e.deleted = true
		r.mu.Lock()
		delete(r.rooms, code)
		r.mu.Unlock()

		log.Info().
			Str("room_code", code).
			Int("members", len(e.room.Users)).
			Msg("last online user left, room deleted")

		return nil, true, nil
	}

	return e.room.Clone(), false, nil
}

// CastVote records a vote for an online member. A repeated vote in the
// same round overwrites the prior one; no history is kept.
func (r *Registry) CastVote(code, userID, vote string) (*models.Room, error) {
	if err := identity.ValidateVote(vote); err != nil {
		return nil, err
	}
	return r.withRoom(code, func(rm *models.Room) error {
		u := rm.FindUser(userID)
		if u == nil {
			return ErrUserNotFound
		}
		if !u.IsOnline {
			return ErrUserOffline
		}
		v := vote
		u.CurrentVote = &v
		return nil
	})
}

// RevealVotes ends the voting phase and attaches freshly computed
// statistics to the room.
func (r *Registry) RevealVotes(code string) (*models.Room, error) {
	return r.withRoom(code, func(rm *models.Room) error {
		rm.VotesRevealed = true
		rm.VotingInProgress = false
		rm.VoteStatistics = models.ComputeVoteStatistics(rm.Users)
		return nil
	})
}

// StartNextRound clears every member's vote, online and offline alike,
// and drops the previous round's statistics.
func (r *Registry) StartNextRound(code string) (*models.Room, error) {
	return r.withRoom(code, func(rm *models.Room) error {
		for _, u := range rm.Users {
			u.CurrentVote = nil
		}
		rm.VotingInProgress = true
		rm.VotesRevealed = false
		rm.VoteStatistics = nil
		return nil
	})
}

// KickUser permanently removes an offline, non-host member from the room.
func (r *Registry) KickUser(code, targetID string) (*models.Room, error) {
	return r.withRoom(code, func(rm *models.Room) error {
		target := rm.FindUser(targetID)
		if target == nil {
			return ErrUserNotFound
		}
		if rm.IsHost(targetID) {
			return ErrTargetIsHost
		}
		if target.IsOnline {
			return ErrTargetOnline
		}
		for i, u := range rm.Users {
			if u.ID == targetID {
				rm.Users = append(rm.Users[:i], rm.Users[i+1:]...)
				break
			}
		}
		return nil
	})
}

// RenameUser updates an online member's display name.
func (r *Registry) RenameUser(code, userID, rawName string) (*models.Room, error) {
	name, err := identity.SanitizeName(rawName)
	if err != nil {
		return nil, err
	}
	return r.withRoom(code, func(rm *models.Room) error {
		u := rm.FindUser(userID)
		if u == nil {
			return ErrUserNotFound
		}
		if !u.IsOnline {
			return ErrUserOffline
		}
		u.Name = name
		return nil
	})
}

// UpdateSettings applies a partial update of the room's permission modes.
func (r *Registry) UpdateSettings(code string, update SettingsUpdate) (*models.Room, error) {
	if update.RevealPermission != nil && !update.RevealPermission.Valid() {
		return nil, ErrInvalidPermissionMode
	}
	if update.KickPermission != nil && !update.KickPermission.Valid() {
		return nil, ErrInvalidPermissionMode
	}
	return r.withRoom(code, func(rm *models.Room) error {
		if update.RevealPermission != nil {
			rm.RevealPermission = *update.RevealPermission
		}
		if update.KickPermission != nil {
			rm.KickPermission = *update.KickPermission
		}
		return nil
	})
}

// StartTimer starts the room timer. A positive durationSeconds replaces
// the configured duration; zero reuses it.
func (r *Registry) StartTimer(code string, durationSeconds int) (*models.Room, error) {
	return r.withRoom(code, func(rm *models.Room) error {
		if durationSeconds > 0 {
			rm.Timer.DurationSeconds = durationSeconds
		}
		now := r.clock.Now()
		rm.Timer.StartedAt = &now
		rm.Timer.Running = true
		return nil
	})
}

// ResetTimer clears the timer start while keeping the configured duration
// for reuse. Calling it twice is the same as calling it once.
func (r *Registry) ResetTimer(code string) (*models.Room, error) {
	return r.withRoom(code, func(rm *models.Room) error {
		rm.Timer.StartedAt = nil
		rm.Timer.Running = false
		return nil
	})
}

// StopTimer stops the countdown but keeps StartedAt for elapsed-time
// display.
func (r *Registry) StopTimer(code string) (*models.Room, error) {
	return r.withRoom(code, func(rm *models.Room) error {
		rm.Timer.Running = false
		return nil
	})
}

// withRoom runs fn against the live room state under the entry lock and
// returns a snapshot of the result. fn returning an error leaves the
// room's observable state unchanged.
func (r *Registry) withRoom(code string, fn func(*models.Room) error) (*models.Room, error) {
	r.mu.RLock()
	e, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrRoomNotFound
	}
	if err := fn(e.room); err != nil {
		return nil, err
	}
	return e.room.Clone(), nil
}
