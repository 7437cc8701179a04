package escrow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gigflow/transition"
)

func TestClient_ReleaseSendsIdempotencyKey(t *testing.T) {
	var got settleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/release" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("expected X-Request-Id header")
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"released": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	released, err := c.Release(context.Background(), "eng-1", "eng-1:release")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released {
		t.Fatal("expected released=true")
	}
	if got.EngagementID != "eng-1" || got.IdempotencyKey != "eng-1:release" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestClient_ReleaseAlreadySettled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"released": false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	released, err := c.Release(context.Background(), "eng-1", "eng-1:release")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatal("expected released=false for an already settled key")
	}
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"refunded": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.backoff = time.Millisecond

	refunded, err := c.Refund(context.Background(), "eng-1", "eng-1:backjob:d1:refund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !refunded {
		t.Fatal("expected refunded=true")
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClient_ExhaustionIsDownstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.backoff = time.Millisecond

	_, err := c.Release(context.Background(), "eng-1", "eng-1:release")
	de, ok := transition.AsDownstream(err)
	if !ok {
		t.Fatalf("expected downstream error, got %v", err)
	}
	if de.Dependency != "escrow" {
		t.Fatalf("expected escrow dependency, got %s", de.Dependency)
	}
}

func TestClient_HonoursContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Release(ctx, "eng-1", "eng-1:release")
	if _, ok := transition.AsDownstream(err); !ok {
		t.Fatalf("expected downstream error on cancelled context, got %v", err)
	}
}
