package domain

import (
	"time"
)

type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomExpired RoomStatus = "expired"
	RoomEnded   RoomStatus = "ended"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleCounselor Role = "counselor"
	RoleAdmin     Role = "admin"
)

// EndReason records why a room left the Active state.
type EndReason string

const (
	ReasonUserRequest EndReason = "user-request"
	ReasonTimeout     EndReason = "timeout"
	ReasonAdminAction EndReason = "admin-action"
)

// Participant is one connected party in a room. The ID is bound to a single
// connection instance and is never reused across reconnects.
type Participant struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	PublicKey string    `json:"publicKey"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Room is a time-boxed, isolated chat session. Participants are kept in join
// order. SupervisorConsent is fixed at creation.
type Room struct {
	ID                string        `json:"id"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	Status            RoomStatus    `json:"status"`
	SupervisorConsent bool          `json:"supervisorConsent"`
	Participants      []Participant `json:"participants"`
}

// Terminal reports whether the room has left the Active state. A terminal
// room never becomes Active again.
func (r *Room) Terminal() bool {
	return r.Status != RoomActive
}

// Participant returns the member with the given id, if present.
func (r *Room) Participant(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// RemoveParticipant deletes the member with the given id, preserving join
// order of the rest. It reports whether the member was present.
func (r *Room) RemoveParticipant(id string) bool {
	for i, p := range r.Participants {
		if p.ID == id {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}
