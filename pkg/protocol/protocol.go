// Package protocol defines the wire format shared between the collaboration
// server and the Go client. Messages travel as JSON text frames over a
// WebSocket; every frame is one Envelope.
package protocol

import (
	"encoding/json"
	"time"
)

// Client-to-server message types.
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeCursor = "cursor"
	TypeEdit   = "edit"
	TypePing   = "ping"
)

// Server-to-client message types. TypeCursor and TypeEdit are reused for the
// relayed form of the corresponding client messages.
const (
	TypePong            = "pong"
	TypeActiveUsers     = "activeUsers"
	TypeCursorPositions = "cursorPositions"
)

// Envelope is the frame wrapper for every collaboration message. Payload is
// left raw so each handler decodes only the shape it expects; an unparseable
// payload drops the frame, never the connection.
type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	RoomID   int64           `json:"roomId,omitempty"`
	UserID   int64           `json:"userId,omitempty"`
	UserName string          `json:"userName,omitempty"`
}

// CursorUpdate is the client-sent cursor payload. Coordinates are relative to
// the document canvas; FieldID and DocumentID narrow the position to a
// specific form field when present.
type CursorUpdate struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	FieldID    string  `json:"fieldId,omitempty"`
	DocumentID int64   `json:"documentId,omitempty"`
}

// CursorPosition is the server-enriched cursor state relayed to room members
// and included in the snapshot sent to a joining client. One entry exists per
// (room, user); later updates overwrite earlier ones.
type CursorPosition struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	UserID     int64   `json:"userId"`
	UserName   string  `json:"userName"`
	Color      string  `json:"color"`
	FieldID    string  `json:"fieldId,omitempty"`
	DocumentID int64   `json:"documentId,omitempty"`
}

// EditSubmit is the client-sent edit payload.
type EditSubmit struct {
	DocumentID int64           `json:"documentId"`
	FieldID    string          `json:"fieldId"`
	Value      json.RawMessage `json:"value"`
}

// EditOperation is the relayed form of an edit. It is transient: the server
// forwards it to the other room members and keeps no history. Observers apply
// edits in arrival order (last write wins).
type EditOperation struct {
	UserID     int64           `json:"userId"`
	UserName   string          `json:"userName"`
	DocumentID int64           `json:"documentId"`
	FieldID    string          `json:"fieldId"`
	Value      json.RawMessage `json:"value"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ActiveUser is one entry of a room presence snapshot.
type ActiveUser struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

// NewEnvelope marshals payload and wraps it in an Envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return env, err
		}
		env.Payload = b
	}
	return env, nil
}
