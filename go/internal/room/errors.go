package room

import "errors"

var (
	// ErrRoomNotFound is returned when the room does not exist or was
	// deleted between lookup and mutation.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExists is returned when a requested room code is taken.
	ErrRoomExists = errors.New("room already exists")

	// ErrUserNotFound is returned when the user is not a member of the room.
	ErrUserNotFound = errors.New("user not found in room")

	// ErrUserOffline is returned when an operation requires the user to
	// be online.
	ErrUserOffline = errors.New("user is offline")

	// ErrTargetOnline is returned when kicking a user who is still online.
	ErrTargetOnline = errors.New("cannot kick an online user")

	// ErrTargetIsHost is returned when kicking the host. The host is
	// immune to kicks regardless of the kick permission mode.
	ErrTargetIsHost = errors.New("cannot kick the host")

	// ErrInvalidPermissionMode is returned for a settings update with a
	// mode outside the closed set.
	ErrInvalidPermissionMode = errors.New("invalid permission mode")
)
