// Package identity normalizes and validates the client-supplied values
// the room engine trusts: display names, vote values and room codes.
package identity

import (
	"errors"
	"math/rand"
	"strings"

	"github.com/pointdeck/pointdeck/go/internal/models"
)

// RoomCodeAlphabet is the character set room codes are drawn from.
const RoomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// GeneratedCodeLength is the length of server-generated room codes.
	GeneratedCodeLength = 6

	MinRoomCodeLength = 3
	MaxRoomCodeLength = 10

	MaxNameLength = 50
)

var (
	ErrEmptyName       = errors.New("name must not be empty")
	ErrInvalidVote     = errors.New("vote is not a valid deck value")
	ErrInvalidRoomCode = errors.New("room code must be 3-10 characters A-Z 0-9")
)

// Deck is the fixed ordered set of estimation tokens. The unknown token
// is always the final entry.
var Deck = []string{"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "89", models.UnknownVote}

var deckSet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(Deck))
	for _, v := range Deck {
		s[v] = struct{}{}
	}
	return s
}()

// SanitizeName trims and length-caps a display name. The result is
// idempotent: sanitizing an already-sanitized name returns it unchanged.
func SanitizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrEmptyName
	}
	runes := []rune(name)
	if len(runes) > MaxNameLength {
		name = strings.TrimSpace(string(runes[:MaxNameLength]))
		if name == "" {
			return "", ErrEmptyName
		}
	}
	return name, nil
}

// ValidateVote checks membership in the fixed deck. An unconstrained
// vote is invalid input, not a vote.
func ValidateVote(vote string) error {
	if _, ok := deckSet[vote]; !ok {
		return ErrInvalidVote
	}
	return nil
}

// GenerateRoomCode returns a random 6-character room code. Uniqueness is
// the caller's concern; the registry retries on collision.
func GenerateRoomCode() string {
	b := make([]byte, GeneratedCodeLength)
	for i := range b {
		b[i] = RoomCodeAlphabet[rand.Intn(len(RoomCodeAlphabet))]
	}
	return string(b)
}

// NormalizeRoomCode uppercases and trims a client-supplied room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode checks length and charset of a normalized room code.
func ValidateRoomCode(code string) error {
	if len(code) < MinRoomCodeLength || len(code) > MaxRoomCodeLength {
		return ErrInvalidRoomCode
	}
	for _, c := range code {
		if !strings.ContainsRune(RoomCodeAlphabet, c) {
			return ErrInvalidRoomCode
		}
	}
	return nil
}
