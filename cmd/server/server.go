package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	cidpkg "github.com/epgroup-ai/PhasePro-sub000/internal/cid"
	"github.com/epgroup-ai/PhasePro-sub000/internal/state"
	"github.com/epgroup-ai/PhasePro-sub000/internal/types"
)

const tracerName = "phasepro-collab/server"

// Tunable timing and buffer knobs. Package-level so tests can shorten the
// heartbeat cycle without waiting on production intervals.
var (
	HeartbeatInterval = 30 * time.Second
	ProbeTimeout      = 10 * time.Second
	WriteTimeout      = 10 * time.Second
	SendBufferSize    = 256
)

// Server wires the Room Registry to the HTTP/WebSocket surface and owns the
// heartbeat monitor.
type Server struct {
	stateManager *state.Manager
	router       *gin.Engine
	stop         context.CancelFunc
}

func NewServer() *Server {
	s := &Server{stateManager: state.NewManager()}
	s.router = s.buildRouter()
	return s
}

// Start launches the heartbeat monitor. Message handling itself needs no
// background services; each connection runs its own pumps.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.runHeartbeat(ctx)
}

// Stop halts the heartbeat monitor and closes every live connection through
// the standard cleanup path.
func (s *Server) Stop() {
	if s.stop != nil {
		s.stop()
	}
	for _, conn := range s.stateManager.Conns() {
		conn.Cancel()
	}
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.Default()
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "phasepro-collab",
		})
	})

	r.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "PhasePro Collaboration Server",
			"version": "0.1.0",
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.stateManager.Stats())
	})

	r.GET("/api/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": s.stateManager.RoomInfos()})
	})

	r.GET("/ws", s.handleWebSocket)
	return r
}

// cidMiddleware ensures every request context carries a correlation id,
// preserving one supplied by the caller and minting a KSUID otherwise. The id
// is echoed on the response so callers can quote it.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(cidpkg.HeaderName)
		if cid == "" {
			cid = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), cid))
		c.Writer.Header().Set(cidpkg.HeaderName, cid)
		c.Next()
	}
}

// otelMiddleware opens a span per HTTP request and stamps it with the basic
// HTTP attributes plus the correlation id when present.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), c.Request.Method+" "+c.Request.URL.Path)
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		)
		if cid := cidpkg.CIDFromContext(ctx); cid != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, cid))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.End()
	}
}

// runHeartbeat probes every open connection each tick. A connection whose
// alive flag is still down from the previous tick has missed a full interval
// and is force-closed through the same cleanup path as an explicit leave, so
// an unresponsive peer disappears from presence within two intervals.
func (s *Server) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, conn := range s.stateManager.Conns() {
			if !conn.Alive() {
				log.Printf("heartbeat: connection %s unresponsive, closing", conn.ID)
				conn.Cancel()
				continue
			}
			conn.SetAlive(false)
			go s.probe(ctx, conn)
		}
	}
}

// probe sends a WebSocket control ping; the pong restores the alive flag.
// The connection's read pump must be running for the pong to be observed,
// which holds for every connection in the registry.
func (s *Server) probe(ctx context.Context, conn *types.Conn) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	if err := conn.Sock.Ping(probeCtx); err == nil {
		conn.SetAlive(true)
	}
}
