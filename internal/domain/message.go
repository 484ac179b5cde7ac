package domain

import "time"

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// FileInfo describes an uploaded file referenced by a message. The object
// itself lives in the external object store under the room's namespace.
type FileInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// EncryptionMetadata carries everything a recipient needs to open the
// ciphertext. The key id is an opaque correlation token, not a secret.
type EncryptionMetadata struct {
	IV    string    `json:"iv"`
	Tag   string    `json:"tag"`
	KeyID string    `json:"keyId"`
	File  *FileInfo `json:"fileInfo,omitempty"`
}

// Message is an opaque ciphertext envelope relayed between participants.
// The relay never inspects or mutates Ciphertext; every non-system message
// must carry encryption metadata. Messages live only as long as their room.
type Message struct {
	ID             string              `json:"id"`
	RoomID         string              `json:"roomId"`
	SenderID       string              `json:"senderId"`
	SenderNickname string              `json:"senderNickname"`
	Type           MessageType         `json:"type"`
	Ciphertext     string              `json:"ciphertext"`
	Metadata       *EncryptionMetadata `json:"metadata,omitempty"`
	SentAt         time.Time           `json:"sentAt"`
}

// FileAuthorization is the record behind a minted upload or download token.
// It is scoped to one room and dies with it.
type FileAuthorization struct {
	FileID      string    `json:"fileId"`
	RoomID      string    `json:"roomId"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
