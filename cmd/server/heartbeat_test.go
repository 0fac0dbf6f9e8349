package main

import (
	"context"
	"testing"
	"time"

	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

// TestHeartbeatClosesUnresponsiveConnection verifies that a client that stops
// reading (and therefore never answers control pings) is force-closed and
// removed from presence within two heartbeat intervals, while a responsive
// peer stays connected.
func TestHeartbeatClosesUnresponsiveConnection(t *testing.T) {
	oldInterval, oldProbe := HeartbeatInterval, ProbeTimeout
	HeartbeatInterval = 100 * time.Millisecond
	ProbeTimeout = 50 * time.Millisecond
	defer func() { HeartbeatInterval, ProbeTimeout = oldInterval, oldProbe }()

	s, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The healthy peer keeps a reader running, which lets the websocket
	// library answer the server's pings.
	bob := dialWS(t, ctx, ts)
	joinRoom(t, ctx, bob, 42, 2, "Bob")
	readerCtx, readerCancel := context.WithCancel(context.Background())
	defer readerCancel()
	go func() {
		for {
			if _, _, err := bob.Read(readerCtx); err != nil {
				return
			}
		}
	}()

	// The dead peer joins and then never reads again, so pings go
	// unanswered.
	dead := dialWS(t, ctx, ts)
	joinRoom(t, ctx, dead, 42, 9, "Mallory")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s.stateManager.Stats().Connections == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unresponsive connection was never closed; stats: %+v", s.stateManager.Stats())
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, u := range s.stateManager.Presence(42) {
		if u.UserID == 9 {
			t.Fatalf("dead user still present in room: %+v", u)
		}
	}
}

// TestApplicationPingPong covers the message-level keepalive used by clients
// to detect silently-dead connections on their side.
func TestApplicationPingPong(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	writeEnvelope(t, ctx, conn, protocol.Envelope{Type: protocol.TypePing})
	readUntilType(t, ctx, conn, protocol.TypePong)
}
