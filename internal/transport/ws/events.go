package ws

import (
	"encoding/json"
	"fmt"

	"e2ee-sessions/internal/domain"
)

// Client event names. Inbound frames outside this closed set are rejected
// before anything touches room state.
const (
	eventJoin          = "join"
	eventLeave         = "leave"
	eventExtend        = "extend"
	eventEnd           = "end"
	eventSendMessage   = "send-message"
	eventTyping        = "typing"
	eventRequestUpload = "request-upload"

	eventUploadAuthorization = "upload-authorization"
	eventError               = "error"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinPayload struct {
	RoomID            string `json:"roomId"`
	Nickname          string `json:"nickname"`
	PublicKey         string `json:"publicKey"`
	Role              string `json:"role,omitempty"`
	SupervisorConsent bool   `json:"supervisorConsent"`
}

type leavePayload struct {
	RoomID string `json:"roomId"`
}

type extendPayload struct {
	RoomID            string `json:"roomId"`
	AdditionalMinutes int    `json:"additionalMinutes"`
}

type endPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type sendMessagePayload struct {
	RoomID     string                     `json:"roomId"`
	Type       string                     `json:"type,omitempty"`
	Ciphertext string                     `json:"ciphertext"`
	Metadata   *domain.EncryptionMetadata `json:"metadata"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type requestUploadPayload struct {
	RoomID      string `json:"roomId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

// joinedEvent is the direct response to a successful join: the assigned
// participant, the room snapshot, and the buffered message history.
type joinedEvent struct {
	RoomID      string             `json:"roomId"`
	Participant domain.Participant `json:"participant"`
	Room        domain.Room        `json:"room"`
	Messages    []domain.Message   `json:"messages"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(data, v)
}

func parseRole(s string) domain.Role {
	switch domain.Role(s) {
	case domain.RoleCounselor:
		return domain.RoleCounselor
	case domain.RoleAdmin:
		return domain.RoleAdmin
	default:
		return domain.RoleUser
	}
}

func parseReason(s string) domain.EndReason {
	switch domain.EndReason(s) {
	case domain.ReasonTimeout:
		return domain.ReasonTimeout
	case domain.ReasonAdminAction:
		return domain.ReasonAdminAction
	default:
		return domain.ReasonUserRequest
	}
}
