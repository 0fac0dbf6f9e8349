package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	cidpkg "github.com/epgroup-ai/PhasePro-sub000/internal/cid"
	"github.com/epgroup-ai/PhasePro-sub000/internal/types"
	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

// handleWebSocket upgrades the request and runs the connection's session
// until the transport closes. The handler goroutine doubles as the read pump;
// a separate goroutine drains the send buffer.
func (s *Server) handleWebSocket(c *gin.Context) {
	sock, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept failed: %v", err)
		return
	}

	// The session outlives the HTTP request; keep only the correlation id
	// from the request context.
	sessionCtx := cidpkg.WithCID(context.Background(), cidpkg.CIDFromContext(c.Request.Context()))
	sessionCtx, cancel := context.WithCancel(sessionCtx)
	defer cancel()

	conn := types.NewConn(uuid.New().String(), sock, SendBufferSize, cancel)
	s.stateManager.AddConn(conn)

	_, span := otel.Tracer(tracerName).Start(sessionCtx, "ws.session")
	span.SetAttributes(attribute.String("ws.connection_id", conn.ID))
	if cid := cidpkg.CIDFromContext(sessionCtx); cid != "" {
		span.SetAttributes(attribute.String(cidpkg.AttributeName, cid))
	}
	defer span.End()

	log.Printf("connection %s established", conn.ID)

	go s.writePump(sessionCtx, conn)
	defer s.teardown(conn)

	s.readLoop(sessionCtx, conn)
}

// teardown runs the implicit-close cleanup: leave every joined room,
// broadcast the resulting presence changes, and forget the connection.
// MarkClosed guarantees this runs exactly once no matter whether the close
// was client-initiated, heartbeat-forced, or part of shutdown.
func (s *Server) teardown(conn *types.Conn) {
	if !conn.MarkClosed() {
		return
	}
	conn.Cancel()
	for _, upd := range s.stateManager.LeaveAll(conn) {
		s.broadcast(upd.Members, protocol.TypeActiveUsers, upd.RoomID, upd.Presence)
	}
	s.stateManager.RemoveConn(conn.ID)
	if conn.Sock != nil {
		_ = conn.Sock.Close(websocket.StatusNormalClosure, "")
	}
	log.Printf("connection %s closed", conn.ID)
}

// readLoop processes inbound frames in transport order until the connection
// dies. Any inbound frame counts as liveness evidence alongside control-frame
// pongs, since intermediaries have been seen to eat pongs.
func (s *Server) readLoop(ctx context.Context, conn *types.Conn) {
	for {
		_, data, err := conn.Sock.Read(ctx)
		if err != nil {
			return
		}
		conn.SetAlive(true)

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("connection %s: dropping malformed frame: %v", conn.ID, err)
			continue
		}
		s.dispatch(conn, &env)
	}
}

func (s *Server) writePump(ctx context.Context, conn *types.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-conn.Send:
			writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
			err := conn.Sock.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				log.Printf("connection %s: write failed: %v", conn.ID, err)
				conn.Cancel()
				return
			}
		}
	}
}

// dispatch routes a frame to exactly one handler. Unknown types are logged
// and dropped; the protocol is fire-and-forget, so no error is replied.
func (s *Server) dispatch(conn *types.Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoin:
		s.handleJoin(conn, env)
	case protocol.TypeLeave:
		s.handleLeave(conn, env)
	case protocol.TypeCursor:
		s.handleCursor(conn, env)
	case protocol.TypeEdit:
		s.handleEdit(conn, env)
	case protocol.TypePing:
		s.handlePing(conn)
	default:
		log.Printf("connection %s: unknown message type %q", conn.ID, env.Type)
	}
}

// handleJoin adds the connection to the room, sends the joiner the current
// cursor snapshot so a late joiner sees where everyone is, and pushes the
// recomputed presence list to the whole room, new member included.
func (s *Server) handleJoin(conn *types.Conn, env *protocol.Envelope) {
	snapshot, presence, members := s.stateManager.Join(env.RoomID, conn, env.UserID, env.UserName)
	s.sendTo(conn, protocol.TypeCursorPositions, env.RoomID, snapshot)
	s.broadcast(members, protocol.TypeActiveUsers, env.RoomID, presence)
	log.Printf("connection %s: user %d (%s) joined room %d", conn.ID, env.UserID, env.UserName, env.RoomID)
}

func (s *Server) handleLeave(conn *types.Conn, env *protocol.Envelope) {
	presence, members, err := s.stateManager.Leave(env.RoomID, conn)
	if err != nil {
		// Leaving a room we're not in is a no-op, not an error.
		return
	}
	s.broadcast(members, protocol.TypeActiveUsers, env.RoomID, presence)
	log.Printf("connection %s: left room %d", conn.ID, env.RoomID)
}

func (s *Server) handleCursor(conn *types.Conn, env *protocol.Envelope) {
	var upd protocol.CursorUpdate
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		log.Printf("connection %s: dropping malformed cursor payload: %v", conn.ID, err)
		return
	}
	pos, others, err := s.stateManager.UpdateCursor(env.RoomID, conn, upd)
	if err != nil {
		// Cursor updates from non-members are silently dropped.
		return
	}
	s.broadcast(others, protocol.TypeCursor, env.RoomID, pos)
}

func (s *Server) handleEdit(conn *types.Conn, env *protocol.Envelope) {
	var sub protocol.EditSubmit
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		log.Printf("connection %s: dropping malformed edit payload: %v", conn.ID, err)
		return
	}
	others, err := s.stateManager.EditRecipients(env.RoomID, conn)
	if err != nil {
		return
	}
	userID, userName := conn.Identity()
	op := protocol.EditOperation{
		UserID:     userID,
		UserName:   userName,
		DocumentID: sub.DocumentID,
		FieldID:    sub.FieldID,
		Value:      sub.Value,
		Timestamp:  time.Now().UTC(),
	}
	s.broadcast(others, protocol.TypeEdit, env.RoomID, op)
}

func (s *Server) handlePing(conn *types.Conn) {
	s.sendTo(conn, protocol.TypePong, 0, nil)
}

func (s *Server) sendTo(conn *types.Conn, msgType string, roomID int64, payload interface{}) {
	s.broadcast([]*types.Conn{conn}, msgType, roomID, payload)
}

// broadcast fans a message out to the given members. A full send buffer
// drops the frame for that one member; delivery is best effort.
func (s *Server) broadcast(members []*types.Conn, msgType string, roomID int64, payload interface{}) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("failed to marshal %s payload: %v", msgType, err)
		return
	}
	env.RoomID = roomID
	frame, err := json.Marshal(env)
	if err != nil {
		log.Printf("failed to marshal %s envelope: %v", msgType, err)
		return
	}
	for _, member := range members {
		if !member.TrySend(frame) {
			log.Printf("connection %s: send buffer full, dropping %s", member.ID, msgType)
		}
	}
}
