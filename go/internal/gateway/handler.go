package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/identity"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/permission"
	"github.com/pointdeck/pointdeck/go/internal/room"
	"github.com/pointdeck/pointdeck/go/internal/tracker"
)

// Handler dispatches inbound client events in a fixed order: validation,
// then permission, then registry mutation, then broadcast. Errors go back
// to the originating connection only; every successful mutation is
// followed by exactly one room push.
type Handler struct {
	registry *room.Registry
	tracker  *tracker.Tracker
	cm       *ConnectionManager
	clock    clockwork.Clock
}

// NewHandler creates the event handler.
func NewHandler(registry *room.Registry, tr *tracker.Tracker, cm *ConnectionManager, clock clockwork.Clock) *Handler {
	return &Handler{
		registry: registry,
		tracker:  tr,
		cm:       cm,
		clock:    clock,
	}
}

var _ MessageHandler = (*Handler)(nil)

// HandleMessage processes one inbound client message. Panics are caught
// here and downgraded to operation_failed so a single bad request can
// never take down the registry serving other rooms.
func (h *Handler) HandleMessage(conn *Connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("connection_id", conn.ID).
				Msg("recovered panic in message handler")
			h.sendError(conn, ErrorOperationFailed, "internal error")
		}
	}()

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(conn, ErrorValidation, "malformed message")
		return
	}

	if msg.Type == EventJoin {
		h.handleJoin(conn, msg.Data)
		return
	}

	roomCode, userID := conn.Identity()
	if roomCode == "" || userID == "" {
		h.sendError(conn, ErrorAuthentication, "join a room first")
		return
	}

	switch msg.Type {
	case EventVote:
		h.handleVote(conn, roomCode, userID, msg.Data)
	case EventRevealVotes:
		h.handleReveal(conn, roomCode, userID)
	case EventNextRound:
		h.handleNextRound(conn, roomCode, userID)
	case EventUpdateSettings:
		h.handleUpdateSettings(conn, roomCode, userID, msg.Data)
	case EventKickUser:
		h.handleKick(conn, roomCode, userID, msg.Data)
	case EventChangeName:
		h.handleRename(conn, roomCode, userID, msg.Data)
	case EventStartTimer:
		h.handleStartTimer(conn, roomCode, userID, msg.Data)
	case EventResetTimer:
		h.handleTimer(conn, roomCode, userID, h.registry.ResetTimer, ReasonTimerReset)
	case EventStopTimer:
		h.handleTimer(conn, roomCode, userID, h.registry.StopTimer, ReasonTimerStopped)
	default:
		h.sendError(conn, ErrorValidation, fmt.Sprintf("unknown event type %q", msg.Type))
	}
}

// handleJoin resolves a join or reconnect. The ordering is load-bearing:
// any prior connection for the same (room, user) is detached from the
// broadcast group and closed before the new connection is registered and
// the user marked online, so the old connection cannot emit a stale vote
// once the handover has begun.
func (h *Handler) handleJoin(conn *Connection, data json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(conn, ErrorValidation, "malformed join payload")
		return
	}
	if p.UserID == "" {
		h.sendError(conn, ErrorAuthentication, "missing user identity")
		return
	}
	if _, err := identity.SanitizeName(p.UserName); err != nil {
		h.sendError(conn, ErrorValidation, "name must be 1-50 characters")
		return
	}

	code := identity.NormalizeRoomCode(p.RoomCode)
	if code == "" {
		created, err := h.registry.CreateRoom("")
		if err != nil {
			h.sendError(conn, classifyError(err), err.Error())
			return
		}
		code = created.Code
	}

	// A repeated join from the connection that already owns the binding
	// must not evict itself.
	evicted := false
	if bound, ok := h.tracker.Lookup(code, p.UserID); !ok || bound != conn.ID {
		evicted = h.tracker.EvictExisting(code, p.UserID, h.cm)
	}

	snapshot, rejoined, err := h.registry.AddUser(code, p.UserID, p.UserName)
	if errors.Is(err, room.ErrRoomNotFound) {
		// Unknown code, or the room was garbage-collected between lookup
		// and insertion: create it and try once more.
		if _, cerr := h.registry.CreateRoom(code); cerr != nil && !errors.Is(cerr, room.ErrRoomExists) {
			h.sendError(conn, classifyError(cerr), cerr.Error())
			return
		}
		snapshot, rejoined, err = h.registry.AddUser(code, p.UserID, p.UserName)
	}
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}

	// A connection that was already joined somewhere else abandons that
	// membership; otherwise the old room keeps a phantom online member
	// and is never garbage-collected.
	if prevRoom, prevUser := conn.Identity(); prevRoom != "" && (prevRoom != code || prevUser != p.UserID) {
		h.releaseMembership(prevRoom, prevUser, conn.ID)
	}

	h.tracker.Register(code, p.UserID, conn.ID)
	h.cm.JoinRoom(conn, code)
	conn.SetIdentity(code, p.UserID)

	syncReason := ReasonInitialJoin
	roomReason := ReasonUserJoined
	if rejoined || evicted {
		syncReason = ReasonReconnectionSync
		roomReason = ReasonUserReconnected
	}

	// The joiner gets its snapshot directly and is excluded from the room
	// push; delivering both would race two renders of the same state.
	state := NewRoomState(snapshot, h.clock.Now())
	h.cm.PushToConnection(conn.ID, h.stateMessage(syncReason, state))
	h.cm.PushToRoom(code, h.stateMessage(roomReason, state), conn.ID)

	log.Info().
		Str("room_code", code).
		Str("user_id", p.UserID).
		Str("connection_id", conn.ID).
		Bool("reconnect", rejoined || evicted).
		Msg("user joined room")
}

func (h *Handler) handleVote(conn *Connection, roomCode, userID string, data json.RawMessage) {
	var p VotePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(conn, ErrorValidation, "malformed vote payload")
		return
	}

	snapshot, err := h.registry.CastVote(roomCode, userID, p.Vote)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, ReasonVoteCast)
}

func (h *Handler) handleReveal(conn *Connection, roomCode, userID string) {
	rm, err := h.registry.FindRoom(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	if !permission.CanReveal(rm, userID) {
		h.sendError(conn, ErrorPermission, "not allowed to reveal votes")
		return
	}

	snapshot, err := h.registry.RevealVotes(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, ReasonVotesRevealed)
}

func (h *Handler) handleNextRound(conn *Connection, roomCode, userID string) {
	rm, err := h.registry.FindRoom(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	if !permission.CanAdvanceRound(rm, userID) {
		h.sendError(conn, ErrorPermission, "not allowed to start the next round")
		return
	}

	snapshot, err := h.registry.StartNextRound(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, ReasonRoundStarted)
}

func (h *Handler) handleUpdateSettings(conn *Connection, roomCode, userID string, data json.RawMessage) {
	var p SettingsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(conn, ErrorValidation, "malformed settings payload")
		return
	}

	rm, err := h.registry.FindRoom(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	if !permission.CanUpdateSettings(rm, userID) {
		h.sendError(conn, ErrorPermission, "only the host can change room settings")
		return
	}

	snapshot, err := h.registry.UpdateSettings(roomCode, room.SettingsUpdate{
		RevealPermission: p.RevealPermission,
		KickPermission:   p.KickPermission,
	})
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, ReasonSettingsUpdated)
}

func (h *Handler) handleKick(conn *Connection, roomCode, userID string, data json.RawMessage) {
	var p KickPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserIDToKick == "" {
		h.sendError(conn, ErrorValidation, "malformed kick payload")
		return
	}

	rm, err := h.registry.FindRoom(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	if !permission.CanKick(rm, userID) {
		h.sendError(conn, ErrorPermission, "not allowed to kick users")
		return
	}

	snapshot, err := h.registry.KickUser(roomCode, p.UserIDToKick)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}

	// The target is offline by invariant, but a stale binding may remain.
	h.tracker.Unregister(roomCode, p.UserIDToKick)
	h.pushRoom(roomCode, snapshot, ReasonUserKicked)
}

func (h *Handler) handleRename(conn *Connection, roomCode, userID string, data json.RawMessage) {
	var p RenamePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(conn, ErrorValidation, "malformed rename payload")
		return
	}

	snapshot, err := h.registry.RenameUser(roomCode, userID, p.NewName)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, ReasonUserRenamed)
}

func (h *Handler) handleStartTimer(conn *Connection, roomCode, userID string, data json.RawMessage) {
	var p TimerPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			h.sendError(conn, ErrorValidation, "malformed timer payload")
			return
		}
	}

	rm, err := h.registry.FindRoom(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	if !permission.CanManageTimer(rm, userID) {
		h.sendError(conn, ErrorPermission, "not allowed to manage the timer")
		return
	}

	snapshot, err := h.registry.StartTimer(roomCode, p.DurationSeconds)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, ReasonTimerStarted)
}

func (h *Handler) handleTimer(conn *Connection, roomCode, userID string, op func(string) (*models.Room, error), reason string) {
	rm, err := h.registry.FindRoom(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	if !permission.CanManageTimer(rm, userID) {
		h.sendError(conn, ErrorPermission, "not allowed to manage the timer")
		return
	}

	snapshot, err := op(roomCode)
	if err != nil {
		h.sendError(conn, classifyError(err), err.Error())
		return
	}
	h.pushRoom(roomCode, snapshot, reason)
}

// releaseMembership drops a connection's membership in a room it has
// left behind. The tracker binding is removed only while it still
// points at this connection; a newer connection that took over the
// identity keeps both the binding and the online status.
func (h *Handler) releaseMembership(roomCode, userID, connectionID string) {
	if bound, ok := h.tracker.Lookup(roomCode, userID); !ok || bound != connectionID {
		return
	}
	h.tracker.Unregister(roomCode, userID)

	snapshot, deleted, err := h.registry.RemoveUser(roomCode, userID)
	if err != nil {
		log.Debug().
			Err(err).
			Str("room_code", roomCode).
			Str("user_id", userID).
			Msg("membership release found no room state")
		return
	}
	if deleted {
		return
	}
	h.cm.PushToRoom(roomCode, h.stateMessage(ReasonUserDisconnected, NewRoomState(snapshot, h.clock.Now())), connectionID)
}

// HandleDisconnect purges every tracker binding for the raw connection
// ID and marks the affected users offline. It is idempotent and
// tolerates connections that never joined, or whose binding was already
// replaced by a newer connection for the same user.
func (h *Handler) HandleDisconnect(conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("connection_id", conn.ID).
				Msg("recovered panic in disconnect handler")
		}
	}()

	for _, b := range h.tracker.PurgeConnection(conn.ID) {
		snapshot, deleted, err := h.registry.RemoveUser(b.RoomCode, b.UserID)
		if err != nil {
			log.Debug().
				Err(err).
				Str("room_code", b.RoomCode).
				Str("user_id", b.UserID).
				Msg("disconnect cleanup found no room state")
			continue
		}
		if deleted {
			continue
		}
		h.cm.PushToRoom(b.RoomCode, h.stateMessage(ReasonUserDisconnected, NewRoomState(snapshot, h.clock.Now())), conn.ID)
	}
}

func (h *Handler) pushRoom(roomCode string, rm *models.Room, reason string) {
	h.cm.PushToRoom(roomCode, h.stateMessage(reason, NewRoomState(rm, h.clock.Now())), "")
}

func (h *Handler) stateMessage(reason string, state *RoomState) *ServerMessage {
	return &ServerMessage{
		Type:      MessageRoomState,
		Timestamp: h.clock.Now(),
		Reason:    reason,
		Room:      state,
	}
}

func (h *Handler) sendError(conn *Connection, code ErrorCode, message string) {
	log.Debug().
		Str("connection_id", conn.ID).
		Str("code", string(code)).
		Str("message", message).
		Msg("rejected client event")

	h.cm.PushToConnection(conn.ID, &ServerMessage{
		Type:      MessageError,
		Timestamp: h.clock.Now(),
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
		},
	})
}
