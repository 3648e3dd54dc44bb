// Package permission answers "can user U do action A in room R now?".
// Every predicate is pure: it consults only the room snapshot it is
// handed and holds no state of its own.
package permission

import (
	"github.com/pointdeck/pointdeck/go/internal/models"
)

// allowed is the core rule shared by every mode-gated action. Host-only
// grants require the caller to be the first-joined member and online;
// everyone-mode grants require only that the caller is an online member.
func allowed(rm *models.Room, mode models.PermissionMode, userID string) bool {
	u := rm.FindUser(userID)
	if u == nil || !u.IsOnline {
		return false
	}
	switch mode {
	case models.PermissionEveryone:
		return true
	case models.PermissionHostOnly:
		return rm.IsHost(userID)
	default:
		return false
	}
}

// CanReveal reports whether the user may reveal the room's votes.
func CanReveal(rm *models.Room, userID string) bool {
	return allowed(rm, rm.RevealPermission, userID)
}

// CanAdvanceRound reports whether the user may start the next round.
// Reveal and next-round share one permission mode.
func CanAdvanceRound(rm *models.Room, userID string) bool {
	return allowed(rm, rm.RevealPermission, userID)
}

// CanManageTimer reports whether the user may start, stop or reset the
// shared timer. The reveal mode doubles as the facilitator gate.
func CanManageTimer(rm *models.Room, userID string) bool {
	return allowed(rm, rm.RevealPermission, userID)
}

// CanKick reports whether the kicker holds the kick permission for this
// room. Target-side rules (offline, not the host) are enforced by the
// registry as invariants; see CanKickUser for the combined check.
func CanKick(rm *models.Room, kickerID string) bool {
	return allowed(rm, rm.KickPermission, kickerID)
}

// CanKickUser is the full kick predicate: kicker holds the permission,
// the target is offline, and the target is not the host.
func CanKickUser(rm *models.Room, kickerID, targetID string) bool {
	if !CanKick(rm, kickerID) {
		return false
	}
	target := rm.FindUser(targetID)
	if target == nil || target.IsOnline {
		return false
	}
	return !rm.IsHost(targetID)
}

// CanUpdateSettings reports whether the user may change the room's
// permission modes. Settings are always host-only.
func CanUpdateSettings(rm *models.Room, userID string) bool {
	return allowed(rm, models.PermissionHostOnly, userID)
}

// CanChangeOwnName reports whether the user may rename themselves.
// Self-service: any online member, independent of permission modes.
func CanChangeOwnName(rm *models.Room, userID string) bool {
	u := rm.FindUser(userID)
	return u != nil && u.IsOnline
}
