// Package types holds the server-side connection type and the shapes exposed
// by the introspection API.
package types

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

// Conn is one live WebSocket session. It is created when the transport is
// established and destroyed when the transport closes, whether the close was
// client-initiated, heartbeat-forced, or part of process shutdown. Identity
// (user id and display name) is only known after the first join; it arrives
// already resolved, this layer performs no authentication.
type Conn struct {
	ID   string
	Sock *websocket.Conn

	// Send is drained by the connection's write pump. Broadcasts enqueue with
	// TrySend and drop the message when the buffer is full; a slow consumer
	// loses updates instead of stalling the room.
	Send chan []byte

	cancel context.CancelFunc

	mu         sync.Mutex
	userID     int64
	userName   string
	identified bool
	alive      bool
	closed     bool
	rooms      map[int64]struct{}
}

// NewConn builds a Conn around an accepted socket. cancel tears down the
// session context and is what the heartbeat monitor invokes to force-close an
// unresponsive connection.
func NewConn(id string, sock *websocket.Conn, sendBuffer int, cancel context.CancelFunc) *Conn {
	return &Conn{
		ID:     id,
		Sock:   sock,
		Send:   make(chan []byte, sendBuffer),
		cancel: cancel,
		alive:  true,
		rooms:  make(map[int64]struct{}),
	}
}

// Identify records the resolved user identity carried by the first join. A
// session speaks for exactly one user, so identity fields on later joins are
// ignored rather than allowed to rewrite presence in rooms already joined.
func (c *Conn) Identify(userID int64, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identified {
		return
	}
	c.identified = true
	c.userID = userID
	c.userName = userName
}

// Identity returns the user id and display name recorded by the last join.
// Both are zero until the connection has joined a room.
func (c *Conn) Identity() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userName
}

// Alive reports whether the connection has shown liveness since the heartbeat
// monitor last probed it.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// SetAlive updates the liveness flag. The heartbeat monitor clears it before
// each probe; a pong or any inbound frame sets it again.
func (c *Conn) SetAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = alive
}

// AddRoom records membership in a room. Called by the registry under its own
// lock so the connection's room set stays consistent with the registry.
func (c *Conn) AddRoom(roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

// DropRoom removes a room from the connection's membership set.
func (c *Conn) DropRoom(roomID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// Rooms returns a snapshot of the rooms this connection has joined.
func (c *Conn) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// MarkClosed transitions the connection to its terminal state. It returns
// true only for the first caller, which makes the cleanup path idempotent: an
// explicit leave followed by the implicit close-time cleanup runs once.
func (c *Conn) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Cancel tears down the session context, unblocking the read and write pumps.
func (c *Conn) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// TrySend enqueues a frame for the write pump without blocking. It reports
// false when the connection is closed or its buffer is full; the frame is
// dropped in either case, consistent with the no-delivery-guarantee design.
func (c *Conn) TrySend(frame []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// ServerStats summarizes live registry state for GET /api/stats.
type ServerStats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Cursors     int `json:"cursors"`
}

// RoomInfo summarizes one room for GET /api/rooms.
type RoomInfo struct {
	RoomID  int64                 `json:"roomId"`
	Members int                   `json:"members"`
	Users   []protocol.ActiveUser `json:"users"`
}
