package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomTerminal        = errors.New("room already ended or expired")
	ErrParticipantNotFound = errors.New("not a participant of this room")
	ErrFileRejected        = errors.New("file rejected")
)
