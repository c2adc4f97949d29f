package server

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/f1stats/pitwall/internal/services/live/filter"
	"github.com/f1stats/pitwall/internal/services/live/upstream"
)

func newHangingUpstream(t *testing.T) (*httptest.Server, *atomic.Int32, chan struct{}) {
	t.Helper()
	var hits atomic.Int32
	entered := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		entered <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, entered
}

func newRegistryWithUpstream(t *testing.T, baseURL string) *Registry {
	t.Helper()
	client, err := upstream.NewClient(upstream.Config{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new upstream client: %v", err)
	}
	return newTestRegistry(t, nil, func(cfg *RegistryConfig) {
		cfg.Fetcher = client
	})
}

func TestLastDetachEndsUpstreamRetries(t *testing.T) {
	srv, hits, entered := newHangingUpstream(t)
	registry := newRegistryWithUpstream(t, srv.URL)

	if _, err := registry.Attach("conn-a", filter.Race, newRecordingSink()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never reached upstream")
	}

	registry.Detach("conn-a", filter.Race)
	time.Sleep(3 * time.Second)
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d after last detach, want 1", got)
	}
}

func TestCloseDoesNotWaitForUpstreamRetries(t *testing.T) {
	srv, hits, entered := newHangingUpstream(t)
	registry := newRegistryWithUpstream(t, srv.URL)

	if _, err := registry.Attach("conn-a", filter.Race, newRecordingSink()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never reached upstream")
	}

	start := time.Now()
	registry.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close took %s, want under one attempt timeout", elapsed)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
}
