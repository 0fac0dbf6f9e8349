package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

// newTestServer boots a full server under httptest with background services
// running. Callers that shorten heartbeat intervals must do so before this.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer()
	s.Start()
	t.Cleanup(s.Stop)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("failed to write %s: %v", env.Type, err)
	}
}

// readUntilType reads frames until one of the wanted type arrives.
func readUntilType(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msgType)
		}
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			t.Fatalf("read failed while waiting for %s: %v", msgType, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == msgType {
			return env
		}
	}
}

// expectSilence asserts that no frame arrives within the window. The read
// runs in a goroutine instead of under a context deadline because the
// websocket library force-closes the connection when a read context expires,
// which would trigger the server's implicit-leave cleanup mid-test.
func expectSilence(t *testing.T, ctx context.Context, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err == nil {
			got <- data
		}
	}()
	select {
	case data := <-got:
		t.Fatalf("expected no message, got %s", data)
	case <-time.After(window):
	}
}

// joinRoom issues a join and consumes the snapshot and first presence push.
func joinRoom(t *testing.T, ctx context.Context, conn *websocket.Conn, roomID, userID int64, userName string) {
	t.Helper()
	writeEnvelope(t, ctx, conn, protocol.Envelope{
		Type:     protocol.TypeJoin,
		RoomID:   roomID,
		UserID:   userID,
		UserName: userName,
	})
	readUntilType(t, ctx, conn, protocol.TypeCursorPositions)
	readUntilType(t, ctx, conn, protocol.TypeActiveUsers)
}

func decodeUsers(t *testing.T, env protocol.Envelope) []protocol.ActiveUser {
	t.Helper()
	var users []protocol.ActiveUser
	if err := json.Unmarshal(env.Payload, &users); err != nil {
		t.Fatalf("failed to decode activeUsers payload: %v", err)
	}
	return users
}
