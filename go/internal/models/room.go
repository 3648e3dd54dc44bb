package models

import (
	"time"
)

// PermissionMode controls which members may trigger a gated action.
type PermissionMode string

const (
	PermissionHostOnly PermissionMode = "host-only"
	PermissionEveryone PermissionMode = "everyone"
)

// Valid reports whether the mode is a member of the closed set.
func (m PermissionMode) Valid() bool {
	return m == PermissionHostOnly || m == PermissionEveryone
}

// TimerState is the shared countdown timer for a room. The server only
// records when the timer started; clients render the countdown themselves.
type TimerState struct {
	StartedAt       *time.Time `json:"started_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Running         bool       `json:"running"`
}

// Room is the authoritative state of one estimation session.
//
// Users holds members in join order: Users[0] is the host for the room's
// lifetime. Members are appended on first join and spliced out only by an
// explicit kick; no operation may reorder the list.
type Room struct {
	Code             string          `json:"code"`
	Users            []*User         `json:"users"`
	VotingInProgress bool            `json:"voting_in_progress"`
	VotesRevealed    bool            `json:"votes_revealed"`
	RevealPermission PermissionMode  `json:"reveal_permission"`
	KickPermission   PermissionMode  `json:"kick_permission"`
	Timer            TimerState      `json:"timer"`
	VoteStatistics   *VoteStatistics `json:"vote_statistics,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Host returns the first-joined member, or nil for an empty room.
func (r *Room) Host() *User {
	if len(r.Users) == 0 {
		return nil
	}
	return r.Users[0]
}

// IsHost reports whether userID designates the room's host.
func (r *Room) IsHost(userID string) bool {
	h := r.Host()
	return h != nil && h.ID == userID
}

// FindUser returns the member with the given ID, or nil.
func (r *Room) FindUser(userID string) *User {
	for _, u := range r.Users {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

// OnlineCount returns the number of members currently online.
func (r *Room) OnlineCount() int {
	n := 0
	for _, u := range r.Users {
		if u.IsOnline {
			n++
		}
	}
	return n
}

// VoteCount returns the number of members with a vote this round,
// online and offline alike.
func (r *Room) VoteCount() int {
	n := 0
	for _, u := range r.Users {
		if u.HasVoted() {
			n++
		}
	}
	return n
}

// AllOnlineVoted reports whether every online member has voted.
// False when nobody is online.
func (r *Room) AllOnlineVoted() bool {
	online := 0
	for _, u := range r.Users {
		if !u.IsOnline {
			continue
		}
		online++
		if !u.HasVoted() {
			return false
		}
	}
	return online > 0
}

// AllVoted reports whether every member, including offline ones, has voted.
func (r *Room) AllVoted() bool {
	if len(r.Users) == 0 {
		return false
	}
	for _, u := range r.Users {
		if !u.HasVoted() {
			return false
		}
	}
	return true
}

// EmergencyRevealEligible reports whether the round can be revealed even
// though not everyone has voted. A purely unanimous rule can deadlock a
// round when participants silently drop, so the round is eligible once
// votes are already revealed, any vote exists, or at least half of the
// room's members have voted.
func (r *Room) EmergencyRevealEligible() bool {
	if r.VotesRevealed {
		return true
	}
	votes := r.VoteCount()
	if votes >= 1 {
		return true
	}
	return len(r.Users) > 0 && votes*2 >= len(r.Users)
}

// Clone returns a deep copy of the room, safe to hand outside the
// registry's locks.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Users = make([]*User, len(r.Users))
	for i, u := range r.Users {
		cp.Users[i] = u.Clone()
	}
	if r.Timer.StartedAt != nil {
		t := *r.Timer.StartedAt
		cp.Timer.StartedAt = &t
	}
	if r.VoteStatistics != nil {
		cp.VoteStatistics = r.VoteStatistics.Clone()
	}
	return &cp
}
