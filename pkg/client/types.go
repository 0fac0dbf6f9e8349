package client

import "time"

// Defaults applied by NewClient when the corresponding Config field is zero.
const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

// Config holds configuration for the collaboration client. UserID and
// UserName are the already-authenticated identity supplied by the embedding
// application; the collaboration layer performs no credential validation.
type Config struct {
	ServerURL string
	UserID    int64
	UserName  string
	UserAgent string

	// ReconnectDelay is the fixed pause between reconnect attempts. Attempts
	// repeat indefinitely until the transport comes back or the client is
	// closed.
	ReconnectDelay time.Duration

	// PingInterval is the cadence of the client-side keepalive, which lets
	// the client notice a silently-dead connection before the server does.
	PingInterval time.Duration
}
