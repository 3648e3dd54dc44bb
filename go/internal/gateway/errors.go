package gateway

import (
	"errors"

	"github.com/pointdeck/pointdeck/go/internal/identity"
	"github.com/pointdeck/pointdeck/go/internal/room"
)

// ErrorCode categorizes an error sent back to the offending connection.
// All categories are recoverable at the connection level: the request is
// dropped and the connection stays open.
type ErrorCode string

const (
	ErrorAuthentication  ErrorCode = "authentication"
	ErrorValidation      ErrorCode = "validation"
	ErrorPermission      ErrorCode = "permission"
	ErrorNotFound        ErrorCode = "not_found"
	ErrorOperationFailed ErrorCode = "operation_failed"
)

// ErrorPayload is the structured error pushed to a single connection.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// classifyError maps registry and validation errors onto the wire error
// categories. Anything unrecognized is downgraded to operation_failed so
// an internal failure never takes down the shared registry.
func classifyError(err error) ErrorCode {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return ErrorNotFound
	case errors.Is(err, room.ErrUserNotFound),
		errors.Is(err, room.ErrRoomExists),
		errors.Is(err, room.ErrInvalidPermissionMode),
		errors.Is(err, identity.ErrEmptyName),
		errors.Is(err, identity.ErrInvalidVote),
		errors.Is(err, identity.ErrInvalidRoomCode):
		return ErrorValidation
	case errors.Is(err, room.ErrUserOffline),
		errors.Is(err, room.ErrTargetOnline),
		errors.Is(err, room.ErrTargetIsHost):
		return ErrorOperationFailed
	default:
		return ErrorOperationFailed
	}
}
