package main

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	cidpkg "github.com/epgroup-ai/PhasePro-sub000/internal/cid"
)

// TestCIDMiddlewareMintsDistinctIDs exercises the real router: every request
// without a correlation id gets a fresh, parseable KSUID.
func TestCIDMiddlewareMintsDistinctIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer()

	minted := make(map[string]bool)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		cid := w.Header().Get(cidpkg.HeaderName)
		if cid == "" {
			t.Fatalf("expected response to carry header %s", cidpkg.HeaderName)
		}
		if _, err := ksuid.Parse(cid); err != nil {
			t.Fatalf("minted CID %q is not a valid ksuid: %v", cid, err)
		}
		if minted[cid] {
			t.Fatalf("CID %q handed out twice", cid)
		}
		minted[cid] = true
	}
}

// TestCIDMiddlewarePreservesCallerID checks that any caller-supplied id, ksuid
// or not, passes through untouched.
func TestCIDMiddlewarePreservesCallerID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer()

	incoming := "cid-from-upstream-1"
	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set(cidpkg.HeaderName, incoming)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get(cidpkg.HeaderName); got != incoming {
		t.Fatalf("expected caller CID %q echoed back, got %q", incoming, got)
	}
}
