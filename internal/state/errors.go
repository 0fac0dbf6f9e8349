package state

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("connection is not a member of the room")
)
