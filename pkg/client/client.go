// Package client implements the client-side connection manager for the
// collaboration protocol: a reconnecting WebSocket client with an ordered
// offline queue, automatic room re-join, and a typed listener registry.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	cidpkg "github.com/epgroup-ai/PhasePro-sub000/internal/cid"
	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("client is closed")

const writeTimeout = 10 * time.Second

// Handler receives one decoded server message.
type Handler func(protocol.Envelope)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// Client manages one logical connection to the collaboration server. The
// transport may come and go underneath it: sends issued while disconnected
// are queued in order and flushed on reconnect, and a previously joined room
// is re-joined automatically so presence and cursor state resume.
type Client struct {
	config Config

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      connState
	conn       *websocket.Conn
	connCancel context.CancelFunc
	queue      [][]byte
	listeners  map[string]map[int]Handler
	nextID     int
	joined     *joinedRoom
}

type joinedRoom struct {
	roomID int64
}

// NewClient creates a client. Connect must be called to establish the
// transport.
func NewClient(config Config) *Client {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.UserAgent == "" {
		config.UserAgent = "phasepro-collab-client/0.1.0"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]map[int]Handler),
	}
}

// Connect establishes the transport. It is idempotent while a connection is
// open or being established. If the first dial fails the client keeps
// retrying in the background at the configured delay; the initial error is
// still returned so callers can surface it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateOpen, stateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// IsConnected reports whether the transport is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Close terminates the client. The state is terminal: no reconnect attempts
// follow and every later operation returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// On registers a listener for a message type and returns its unsubscribe
// handle. Any number of listeners may subscribe to the same type; a panic in
// one listener is logged and does not stop the others.
func (c *Client) On(msgType string, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[msgType] == nil {
		c.listeners[msgType] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	c.listeners[msgType][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[msgType], id)
	}
}

// Join enters a room with the configured identity. The room is remembered so
// a reconnect re-issues the same join automatically.
func (c *Client) Join(roomID int64) error {
	c.mu.Lock()
	c.joined = &joinedRoom{roomID: roomID}
	c.mu.Unlock()
	return c.send(protocol.Envelope{
		Type:     protocol.TypeJoin,
		RoomID:   roomID,
		UserID:   c.config.UserID,
		UserName: c.config.UserName,
	})
}

// Leave exits a room and stops the automatic re-join for it.
func (c *Client) Leave(roomID int64) error {
	c.mu.Lock()
	if c.joined != nil && c.joined.roomID == roomID {
		c.joined = nil
	}
	c.mu.Unlock()
	return c.send(protocol.Envelope{Type: protocol.TypeLeave, RoomID: roomID})
}

// SendCursor publishes the local cursor position to the room.
func (c *Client) SendCursor(roomID int64, upd protocol.CursorUpdate) error {
	env, err := protocol.NewEnvelope(protocol.TypeCursor, upd)
	if err != nil {
		return err
	}
	env.RoomID = roomID
	return c.send(env)
}

// SendEdit publishes a field edit to the room.
func (c *Client) SendEdit(roomID int64, edit protocol.EditSubmit) error {
	env, err := protocol.NewEnvelope(protocol.TypeEdit, edit)
	if err != nil {
		return err
	}
	env.RoomID = roomID
	return c.send(env)
}

// Ping sends one application-level keepalive probe.
func (c *Client) Ping() error {
	return c.send(protocol.Envelope{Type: protocol.TypePing})
}

// send writes the envelope when the transport is open and queues it in order
// otherwise. A write failure on an open transport is a delivery loss, not
// retried, matching the protocol's best-effort contract.
func (c *Client) send(env protocol.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != stateOpen || c.conn == nil {
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeFrame(c.ctx, conn, frame); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	headers := buildDialHeaders(ctx, c.config.UserAgent)
	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.onConnected(conn)
	return nil
}

func (c *Client) onConnected(conn *websocket.Conn) {
	connCtx, connCancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return
	}
	// The state stays at stateConnecting until the re-join and the backlog
	// have been written, so sends racing with the flush keep queueing behind
	// it instead of jumping ahead on the fresh transport.
	c.conn = conn
	c.connCancel = connCancel
	rejoin := c.joined
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	log.Printf("connected to %s", c.config.ServerURL)

	// Re-join before flushing the queue so queued room traffic finds the
	// membership already in place on the server.
	if rejoin != nil {
		join, _ := json.Marshal(protocol.Envelope{
			Type:     protocol.TypeJoin,
			RoomID:   rejoin.roomID,
			UserID:   c.config.UserID,
			UserName: c.config.UserName,
		})
		if err := c.writeFrame(connCtx, conn, join); err != nil {
			log.Printf("re-join failed: %v", err)
		}
	}

	// Flush everything queued while disconnected, in original enqueue order,
	// before any new traffic. Frames queued during the flush itself are
	// drained the same way until the queue is observed empty, and only then
	// does the transport open for direct sends.
	for {
		for _, frame := range pending {
			if err := c.writeFrame(connCtx, conn, frame); err != nil {
				log.Printf("queue flush interrupted: %v", err)
				break
			}
		}
		c.mu.Lock()
		if c.state != stateConnecting {
			// Closed mid-flush; Close already dropped the transport.
			c.mu.Unlock()
			connCancel()
			return
		}
		if len(c.queue) == 0 {
			c.state = stateOpen
			c.mu.Unlock()
			break
		}
		pending = c.queue
		c.queue = nil
		c.mu.Unlock()
	}

	go c.readLoop(connCtx, conn)
	go c.keepalive(connCtx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.onDisconnected(conn, err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("dropping malformed frame from server: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

// keepalive sends an application-level ping at the configured interval. The
// server answers with pong; either way the traffic keeps intermediaries from
// idling the connection out and surfaces a dead transport to the read loop.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(protocol.Envelope{Type: protocol.TypePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(ctx, conn, ping); err != nil {
				return
			}
		}
	}
}

func (c *Client) onDisconnected(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	connCancel := c.connCancel
	c.connCancel = nil
	c.state = stateConnecting
	c.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("connection lost: %v; reconnecting in %s", cause, c.config.ReconnectDelay)
	c.scheduleReconnect()
}

// scheduleReconnect retries the dial at a fixed delay until it succeeds or
// the client is closed. Only the goroutine that moved the state to
// stateConnecting schedules, so at most one retry loop runs.
func (c *Client) scheduleReconnect() {
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.ReconnectDelay):
			}
			if err := c.dial(c.ctx); err != nil {
				log.Printf("reconnect failed: %v; retrying in %s", err, c.config.ReconnectDelay)
				continue
			}
			return
		}
	}()
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.listeners[env.Type]))
	for _, h := range c.listeners[env.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.safeCall(env, h)
	}
}

// safeCall isolates listener failures: a panic is logged and the remaining
// listeners for the message still run.
func (c *Client) safeCall(env protocol.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("listener panic on %s message: %v", env.Type, r)
		}
	}()
	h(env)
}

func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}
