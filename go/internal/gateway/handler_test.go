package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/room"
	"github.com/pointdeck/pointdeck/go/internal/tracker"
)

// testGateway is a fully wired gateway with no real websockets:
// connections are plain structs and pushed frames are read from their
// Send channels.
type testGateway struct {
	handler  *Handler
	cm       *ConnectionManager
	registry *room.Registry
	tracker  *tracker.Tracker
	clock    *clockwork.FakeClock
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	registry := room.NewRegistry(clock, room.DefaultRegistryConfig())
	tr := tracker.New()
	cm := NewConnectionManager(DefaultConnectionConfig())
	handler := NewHandler(registry, tr, cm, clock)
	cm.SetHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cm.Start(ctx)

	return &testGateway{
		handler:  handler,
		cm:       cm,
		registry: registry,
		tracker:  tr,
		clock:    clock,
	}
}

// connect registers a bare in-memory connection, as if upgraded.
func (g *testGateway) connect(id string) *Connection {
	conn := &Connection{
		ID:      id,
		Send:    make(chan []byte, 16),
		Manager: g.cm,
	}
	g.cm.register(conn)
	return conn
}

func (g *testGateway) dispatch(t *testing.T, conn *Connection, eventType EventType, payload interface{}) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	raw, err := json.Marshal(ClientMessage{Type: eventType, Data: data})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	g.handler.HandleMessage(conn, raw)
}

func (g *testGateway) join(t *testing.T, conn *Connection, roomCode, userID, userName string) *ServerMessage {
	t.Helper()
	g.dispatch(t, conn, EventJoin, JoinPayload{RoomCode: roomCode, UserID: userID, UserName: userName})
	return recv(t, conn)
}

// recv reads the next frame pushed to the connection.
func recv(t *testing.T, conn *Connection) *ServerMessage {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		if !ok {
			t.Fatal("connection closed while expecting a message")
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal pushed frame: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pushed message")
		return nil
	}
}

// expectSilence asserts no frame arrives within a short window.
func expectSilence(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		if ok {
			t.Fatalf("unexpected frame pushed: %s", data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJoinCreatesRoomAndSyncsJoiner(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect("c1")

	msg := g.join(t, conn, "", "u1", "Alice")

	if msg.Type != MessageRoomState {
		t.Fatalf("message type = %q, want room-state", msg.Type)
	}
	if msg.Reason != ReasonInitialJoin {
		t.Errorf("reason = %q, want initial-join", msg.Reason)
	}
	if msg.Room == nil || msg.Room.Room == nil {
		t.Fatal("room-state push missing room snapshot")
	}

	rm := msg.Room.Room
	if len(rm.Users) != 1 || rm.Users[0].ID != "u1" || !rm.Users[0].IsOnline {
		t.Errorf("snapshot users = %+v, want single online u1", rm.Users)
	}
	if _, err := g.registry.FindRoom(rm.Code); err != nil {
		t.Errorf("joined room %q not in registry: %v", rm.Code, err)
	}

	if roomCode, userID := conn.Identity(); roomCode != rm.Code || userID != "u1" {
		t.Errorf("connection identity = %q/%q, want %q/u1", roomCode, userID, rm.Code)
	}
}

func TestJoinBroadcastExcludesJoiner(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ABC123", "u1", "Alice")

	sync := g.join(t, c2, "ABC123", "u2", "Bob")
	if sync.Reason != ReasonInitialJoin {
		t.Errorf("joiner sync reason = %q, want initial-join", sync.Reason)
	}

	// The rest of the room receives the update; the joiner must not see
	// it a second time.
	update := recv(t, c1)
	if update.Reason != ReasonUserJoined {
		t.Errorf("room broadcast reason = %q, want user-joined", update.Reason)
	}
	if len(update.Room.Room.Users) != 2 {
		t.Errorf("broadcast shows %d users, want 2", len(update.Room.Room.Users))
	}
	expectSilence(t, c2)
}

func TestReconnectRace(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ABC123", "u1", "Alice")

	// Same logical user connects again before c1's disconnect event is
	// processed.
	sync := g.join(t, c2, "ABC123", "u1", "Alice")
	if sync.Reason != ReasonReconnectionSync {
		t.Errorf("reconnect sync reason = %q, want reconnection-sync", sync.Reason)
	}

	// Exactly one tracker binding remains, pointing at c2.
	if connID, ok := g.tracker.Lookup("ABC123", "u1"); !ok || connID != "c2" {
		t.Errorf("tracker binding = %q, %v; want c2", connID, ok)
	}

	// c1 was detached: its channel is closed and it is out of the
	// broadcast group, so a room push reaches only c2.
	if _, ok := <-c1.Send; ok {
		t.Error("evicted connection should have a closed send channel")
	}

	g.dispatch(t, c2, EventVote, VotePayload{Vote: "5"})
	update := recv(t, c2)
	if update.Reason != ReasonVoteCast {
		t.Errorf("post-reconnect push reason = %q, want vote-cast", update.Reason)
	}

	// c1's late disconnect event must not mark the user offline.
	g.handler.HandleDisconnect(c1)
	rm, err := g.registry.FindRoom("ABC123")
	if err != nil {
		t.Fatalf("room missing after late disconnect: %v", err)
	}
	if !rm.FindUser("u1").IsOnline {
		t.Error("late disconnect of the old connection knocked the user offline")
	}
}

func TestJoinDifferentRoomReleasesPrevious(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")

	g.join(t, c1, "ROOMA1", "u1", "Alice")
	sync := g.join(t, c1, "ROOMB1", "u1", "Alice")
	if sync.Room.Room.Code != "ROOMB1" {
		t.Fatalf("sync room = %q, want ROOMB1", sync.Room.Room.Code)
	}

	// The abandoned room lost its only online member and is gone, along
	// with its tracker binding.
	if _, err := g.registry.FindRoom("ROOMA1"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Errorf("FindRoom(ROOMA1) = %v, want ErrRoomNotFound", err)
	}
	if _, ok := g.tracker.Lookup("ROOMA1", "u1"); ok {
		t.Error("binding in the abandoned room should be removed")
	}
	if roomCode, _ := c1.Identity(); roomCode != "ROOMB1" {
		t.Errorf("connection identity room = %q, want ROOMB1", roomCode)
	}

	// Disconnecting now cleans up the current room, leaving nothing.
	g.handler.HandleDisconnect(c1)
	if _, err := g.registry.FindRoom("ROOMB1"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Errorf("FindRoom(ROOMB1) after disconnect = %v, want ErrRoomNotFound", err)
	}
	if g.registry.Count() != 0 {
		t.Errorf("registry holds %d rooms, want 0", g.registry.Count())
	}
}

func TestJoinDifferentRoomNotifiesPrevious(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ROOMA1", "host", "Alice")
	g.join(t, c2, "ROOMA1", "u2", "Bob")
	recv(t, c1) // user-joined broadcast

	g.join(t, c2, "ROOMB1", "u2", "Bob")

	// The room left behind sees u2 go offline.
	update := recv(t, c1)
	if update.Reason != ReasonUserDisconnected {
		t.Fatalf("reason = %q, want user-disconnected", update.Reason)
	}
	u2 := update.Room.Room.FindUser("u2")
	if u2 == nil || u2.IsOnline {
		t.Error("member who moved rooms should be offline in the old room")
	}
	expectSilence(t, c2)
}

func TestRepeatedJoinOnSameConnection(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")

	g.join(t, c1, "ABC123", "u1", "Alice")

	// A client resending join for the room it already owns must not be
	// evicted by its own request.
	sync := g.join(t, c1, "ABC123", "u1", "Alice")
	if sync.Reason != ReasonReconnectionSync {
		t.Errorf("repeat join sync reason = %q, want reconnection-sync", sync.Reason)
	}
	if connID, ok := g.tracker.Lookup("ABC123", "u1"); !ok || connID != "c1" {
		t.Errorf("tracker binding = %q, %v; want c1", connID, ok)
	}
	expectSilence(t, c1)
}

func TestVoteRequiresJoin(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect("c1")

	g.dispatch(t, conn, EventVote, VotePayload{Vote: "5"})

	msg := recv(t, conn)
	if msg.Type != MessageError || msg.Error == nil {
		t.Fatalf("expected error message, got %+v", msg)
	}
	if msg.Error.Code != ErrorAuthentication {
		t.Errorf("error code = %q, want authentication", msg.Error.Code)
	}
}

func TestVoteOutsideDeckRejected(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect("c1")
	g.join(t, conn, "ABC123", "u1", "Alice")

	g.dispatch(t, conn, EventVote, VotePayload{Vote: "7"})

	msg := recv(t, conn)
	if msg.Error == nil || msg.Error.Code != ErrorValidation {
		t.Fatalf("expected validation error, got %+v", msg)
	}

	rm, _ := g.registry.FindRoom("ABC123")
	if rm.FindUser("u1").HasVoted() {
		t.Error("rejected vote must not be recorded")
	}
}

func TestRevealDeniedForNonHost(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ABC123", "host", "Alice")
	g.join(t, c2, "ABC123", "u2", "Bob")
	recv(t, c1) // user-joined broadcast

	g.dispatch(t, c2, EventVote, VotePayload{Vote: "5"})
	recv(t, c1)
	recv(t, c2)

	g.dispatch(t, c2, EventRevealVotes, nil)
	msg := recv(t, c2)
	if msg.Error == nil || msg.Error.Code != ErrorPermission {
		t.Fatalf("expected permission error, got %+v", msg)
	}

	// Room state unchanged: the round is still hidden.
	rm, _ := g.registry.FindRoom("ABC123")
	if rm.VotesRevealed {
		t.Error("denied reveal must not change room state")
	}
	expectSilence(t, c1)
}

func TestRevealBroadcastsStatistics(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")

	g.join(t, c1, "ABC123", "host", "Alice")
	g.dispatch(t, c1, EventVote, VotePayload{Vote: "8"})
	recv(t, c1)

	g.dispatch(t, c1, EventRevealVotes, nil)
	msg := recv(t, c1)
	if msg.Reason != ReasonVotesRevealed {
		t.Fatalf("reason = %q, want votes-revealed", msg.Reason)
	}
	rm := msg.Room.Room
	if !rm.VotesRevealed || rm.VoteStatistics == nil {
		t.Fatal("reveal broadcast missing statistics")
	}
	if rm.VoteStatistics.TotalVotes != 1 || rm.VoteStatistics.Average != 8 {
		t.Errorf("stats = %+v, want one vote averaging 8", rm.VoteStatistics)
	}
}

func TestSettingsHostOnly(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ABC123", "host", "Alice")
	g.join(t, c2, "ABC123", "u2", "Bob")
	recv(t, c1)

	everyone := modePtr("everyone")
	g.dispatch(t, c2, EventUpdateSettings, SettingsPayload{RevealPermission: everyone})
	if msg := recv(t, c2); msg.Error == nil || msg.Error.Code != ErrorPermission {
		t.Fatalf("non-host settings update: got %+v, want permission error", msg)
	}

	g.dispatch(t, c1, EventUpdateSettings, SettingsPayload{RevealPermission: everyone})
	msg := recv(t, c1)
	if msg.Reason != ReasonSettingsUpdated {
		t.Fatalf("reason = %q, want settings-updated", msg.Reason)
	}

	// With everyone-mode reveal, the non-host can now reveal.
	recv(t, c2) // settings broadcast
	g.dispatch(t, c2, EventRevealVotes, nil)
	if msg := recv(t, c2); msg.Reason != ReasonVotesRevealed {
		t.Fatalf("reveal after settings change: got %+v", msg)
	}
}

func TestKickLifecycle(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ABC123", "host", "Alice")
	g.join(t, c2, "ABC123", "u2", "Bob")
	recv(t, c1)

	// Kicking an online member fails with operation_failed.
	g.dispatch(t, c1, EventKickUser, KickPayload{UserIDToKick: "u2"})
	if msg := recv(t, c1); msg.Error == nil || msg.Error.Code != ErrorOperationFailed {
		t.Fatalf("kick of online user: got %+v, want operation_failed", msg)
	}

	// Kicking the host fails even for the host themselves.
	g.dispatch(t, c1, EventKickUser, KickPayload{UserIDToKick: "host"})
	if msg := recv(t, c1); msg.Error == nil || msg.Error.Code != ErrorOperationFailed {
		t.Fatalf("kick of host: got %+v, want operation_failed", msg)
	}

	// After u2 disconnects, the kick removes them entirely.
	g.handler.HandleDisconnect(c2)
	recv(t, c1) // user-disconnected broadcast

	g.dispatch(t, c1, EventKickUser, KickPayload{UserIDToKick: "u2"})
	msg := recv(t, c1)
	if msg.Reason != ReasonUserKicked {
		t.Fatalf("reason = %q, want user-kicked", msg.Reason)
	}
	if len(msg.Room.Room.Users) != 1 {
		t.Errorf("room has %d users after kick, want 1", len(msg.Room.Room.Users))
	}
}

func TestDisconnectLastUserDeletesRoom(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")

	sync := g.join(t, c1, "", "u1", "Alice")
	code := sync.Room.Room.Code

	g.handler.HandleDisconnect(c1)

	if _, err := g.registry.FindRoom(code); !errors.Is(err, room.ErrRoomNotFound) {
		t.Errorf("FindRoom after last disconnect = %v, want ErrRoomNotFound", err)
	}

	// Disconnect handling is idempotent.
	g.handler.HandleDisconnect(c1)
}

func TestDisconnectPreservesVote(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	c2 := g.connect("c2")

	g.join(t, c1, "ABC123", "host", "Alice")
	g.join(t, c2, "ABC123", "u2", "Bob")
	recv(t, c1)

	g.dispatch(t, c2, EventVote, VotePayload{Vote: "13"})
	recv(t, c1)
	recv(t, c2)

	g.handler.HandleDisconnect(c2)
	update := recv(t, c1)
	if update.Reason != ReasonUserDisconnected {
		t.Fatalf("reason = %q, want user-disconnected", update.Reason)
	}
	u2 := update.Room.Room.FindUser("u2")
	if u2 == nil || u2.IsOnline {
		t.Fatal("disconnected user should be offline in the broadcast")
	}
	if u2.CurrentVote == nil || *u2.CurrentVote != "13" {
		t.Error("disconnect must preserve the vote for the round in progress")
	}
}

func TestTimerEvents(t *testing.T) {
	g := newTestGateway(t)
	c1 := g.connect("c1")
	g.join(t, c1, "ABC123", "host", "Alice")

	g.dispatch(t, c1, EventStartTimer, TimerPayload{DurationSeconds: 120})
	msg := recv(t, c1)
	if msg.Reason != ReasonTimerStarted {
		t.Fatalf("reason = %q, want timer-started", msg.Reason)
	}
	if !msg.Room.Room.Timer.Running || msg.Room.Room.Timer.DurationSeconds != 120 {
		t.Errorf("timer state = %+v, want running for 120s", msg.Room.Room.Timer)
	}

	g.dispatch(t, c1, EventResetTimer, nil)
	msg = recv(t, c1)
	if msg.Reason != ReasonTimerReset {
		t.Fatalf("reason = %q, want timer-reset", msg.Reason)
	}
	if msg.Room.Room.Timer.Running || msg.Room.Room.Timer.StartedAt != nil {
		t.Errorf("timer state after reset = %+v, want cleared", msg.Room.Room.Timer)
	}
}

func TestMalformedMessage(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect("c1")

	g.handler.HandleMessage(conn, []byte("not json"))
	if msg := recv(t, conn); msg.Error == nil || msg.Error.Code != ErrorValidation {
		t.Fatalf("malformed frame: got %+v, want validation error", msg)
	}

	g.handler.HandleMessage(conn, []byte(`{"type":"no-such-event"}`))
	if msg := recv(t, conn); msg.Error == nil || msg.Error.Code != ErrorAuthentication {
		// Unknown events from an unjoined connection fail the identity
		// check first.
		t.Fatalf("unknown event: got %+v, want authentication error", msg)
	}
}

func TestInvalidJoinNameRejected(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect("c1")

	g.dispatch(t, conn, EventJoin, JoinPayload{RoomCode: "ABC123", UserID: "u1", UserName: "   "})
	if msg := recv(t, conn); msg.Error == nil || msg.Error.Code != ErrorValidation {
		t.Fatalf("blank name join: got %+v, want validation error", msg)
	}
	if g.registry.Count() != 0 {
		t.Error("rejected join must not leave a room behind")
	}
}

func modePtr(s string) *models.PermissionMode {
	m := models.PermissionMode(s)
	return &m
}
