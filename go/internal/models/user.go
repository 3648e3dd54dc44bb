package models

// User is a member of a room. The ID is supplied by the client and is
// expected to be stable across reconnects; the server never regenerates
// it for an existing user.
type User struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	IsOnline    bool    `json:"is_online"`
	CurrentVote *string `json:"current_vote,omitempty"`
}

// HasVoted reports whether the user has cast a vote this round.
func (u *User) HasVoted() bool {
	return u.CurrentVote != nil
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	cp := *u
	if u.CurrentVote != nil {
		v := *u.CurrentVote
		cp.CurrentVote = &v
	}
	return &cp
}
