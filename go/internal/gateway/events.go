package gateway

import (
	"encoding/json"
	"time"

	"github.com/pointdeck/pointdeck/go/internal/models"
)

// ClientMessage is the envelope for every inbound event. The payload
// shape depends on the type; exact wire framing is the transport's
// concern.
type ClientMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventType identifies an inbound client event.
type EventType string

const (
	EventJoin           EventType = "join"
	EventVote           EventType = "vote"
	EventRevealVotes    EventType = "reveal-votes"
	EventNextRound      EventType = "next-round"
	EventUpdateSettings EventType = "update-room-settings"
	EventKickUser       EventType = "kick-user"
	EventChangeName     EventType = "change-name"
	EventStartTimer     EventType = "start-timer"
	EventResetTimer     EventType = "reset-timer"
	EventStopTimer      EventType = "stop-timer"
)

// JoinPayload carries the join event. An empty RoomCode asks the server
// to create a room under a fresh code.
type JoinPayload struct {
	RoomCode string `json:"room_code"`
	UserName string `json:"user_name"`
	UserID   string `json:"user_id"`
}

// VotePayload carries a cast or re-cast vote.
type VotePayload struct {
	Vote string `json:"vote"`
}

// SettingsPayload is a partial permission-settings update; nil fields
// are left unchanged.
type SettingsPayload struct {
	RevealPermission *models.PermissionMode `json:"reveal_permission,omitempty"`
	KickPermission   *models.PermissionMode `json:"kick_permission,omitempty"`
}

// KickPayload names the member to remove.
type KickPayload struct {
	UserIDToKick string `json:"user_id_to_kick"`
}

// RenamePayload carries a self-service name change.
type RenamePayload struct {
	NewName string `json:"new_name"`
}

// TimerPayload carries an optional duration for start-timer. Zero reuses
// the room's configured duration.
type TimerPayload struct {
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// ServerMessage is the single outbound envelope. Type "room-state" with
// a populated Room is the canonical snapshot push; Reason tags the
// mutation that triggered it. The snapshot alone is authoritative.
type ServerMessage struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason,omitempty"`
	Room      *RoomState    `json:"room,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// Server message types.
const (
	MessageRoomState = "room-state"
	MessageError     = "error"
)

// Broadcast reason tags.
const (
	ReasonInitialJoin      = "initial-join"
	ReasonReconnectionSync = "reconnection-sync"
	ReasonUserJoined       = "user-joined"
	ReasonUserReconnected  = "user-reconnected"
	ReasonUserDisconnected = "user-disconnected"
	ReasonVoteCast         = "vote-cast"
	ReasonVotesRevealed    = "votes-revealed"
	ReasonRoundStarted     = "round-started"
	ReasonSettingsUpdated  = "settings-updated"
	ReasonUserKicked       = "user-kicked"
	ReasonUserRenamed      = "user-renamed"
	ReasonTimerStarted     = "timer-started"
	ReasonTimerReset       = "timer-reset"
	ReasonTimerStopped     = "timer-stopped"
)

// RoomState is the full room snapshot pushed to clients, with readiness
// flags precomputed and the server time included so clients can render
// countdowns without clock synchronization.
type RoomState struct {
	Room                    *models.Room `json:"room"`
	AllOnlineVoted          bool         `json:"all_online_voted"`
	AllVoted                bool         `json:"all_voted"`
	EmergencyRevealEligible bool         `json:"emergency_reveal_eligible"`
	ServerTime              time.Time    `json:"server_time"`
}

// NewRoomState wraps a registry snapshot for the wire.
func NewRoomState(rm *models.Room, serverTime time.Time) *RoomState {
	return &RoomState{
		Room:                    rm,
		AllOnlineVoted:          rm.AllOnlineVoted(),
		AllVoted:                rm.AllVoted(),
		EmergencyRevealEligible: rm.EmergencyRevealEligible(),
		ServerTime:              serverTime,
	}
}
