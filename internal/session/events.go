package session

import (
	"time"

	"e2ee-sessions/internal/domain"
)

// Outbound event names. These, together with the payloads below, are the
// server half of the wire contract.
const (
	EventJoined            = "joined"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventRoomExtended      = "room-extended"
	EventRoomEnded         = "room-ended"
	EventRoomExpired       = "room-expired"
	EventMessageReceived   = "message-received"
	EventTyping            = "typing"
)

type ParticipantJoined struct {
	RoomID      string             `json:"roomId"`
	Participant domain.Participant `json:"participant"`
}

type ParticipantLeft struct {
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	LeftAt        time.Time `json:"leftAt"`
}

type RoomExtended struct {
	RoomID       string    `json:"roomId"`
	NewExpiresAt time.Time `json:"newExpiresAt"`
}

type RoomEnded struct {
	RoomID  string           `json:"roomId"`
	Reason  domain.EndReason `json:"reason"`
	EndedAt time.Time        `json:"endedAt"`
}

type RoomExpired struct {
	RoomID    string    `json:"roomId"`
	ExpiredAt time.Time `json:"expiredAt"`
}

type Typing struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	IsTyping      bool   `json:"isTyping"`
}
