package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	cidpkg "github.com/epgroup-ai/PhasePro-sub000/internal/cid"
	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

func installInMemoryTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)))
	return exp
}

// TestOtelMiddlewareRecordsRequestSpan runs a request through the full router
// so the cid and otel middlewares compose: the span carries the basic HTTP
// attributes plus the same correlation id the response header advertises.
func TestOtelMiddlewareRecordsRequestSpan(t *testing.T) {
	exp := installInMemoryTracing(t)
	gin.SetMode(gin.TestMode)
	s := NewServer()

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set(cidpkg.HeaderName, "cid-http-42")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatalf("expected spans to be recorded, got 0")
	}
	foundMethod, foundTarget, foundCID := false, false, false
	for _, sp := range spans {
		for _, attr := range sp.Attributes {
			switch {
			case attr.Key == "http.method" && attr.Value.AsString() == "GET":
				foundMethod = true
			case attr.Key == "http.target" && attr.Value.AsString() == "/api":
				foundTarget = true
			case attr.Key == cidpkg.AttributeName && attr.Value.AsString() == "cid-http-42":
				foundCID = true
			}
		}
	}
	if !foundMethod || !foundTarget {
		t.Fatalf("expected http.method and http.target on spans; got method=%v target=%v", foundMethod, foundTarget)
	}
	if !foundCID {
		t.Fatalf("expected span attribute %s to match the caller CID", cidpkg.AttributeName)
	}
}

// TestWebSocketSessionSpanCarriesCID follows a caller-supplied correlation id
// all the way through the upgrade into the ws.session span, which only ends
// when the connection tears down.
func TestWebSocketSessionSpanCarriesCID(t *testing.T) {
	exp := installInMemoryTracing(t)
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		HTTPHeader: map[string][]string{cidpkg.HeaderName: {"cid-ws-777"}},
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	writeEnvelope(t, ctx, conn, protocol.Envelope{Type: protocol.TypePing})
	readUntilType(t, ctx, conn, protocol.TypePong)
	_ = conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, sp := range exp.GetSpans() {
			if sp.Name != "ws.session" {
				continue
			}
			gotCID, gotConnID := "", ""
			for _, attr := range sp.Attributes {
				switch attr.Key {
				case cidpkg.AttributeName:
					gotCID = attr.Value.AsString()
				case "ws.connection_id":
					gotConnID = attr.Value.AsString()
				}
			}
			if gotCID != "cid-ws-777" {
				t.Fatalf("session span lost the caller CID: got %q", gotCID)
			}
			if gotConnID == "" {
				t.Fatalf("session span missing ws.connection_id")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("ws.session span never recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
