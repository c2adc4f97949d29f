package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/f1stats/pitwall/internal/services/live/filter"
)

func TestNewServerRequiresHTTPAddr(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error for empty http address")
	}
}

func TestNewServerRequiresContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test.
	if _, err := NewServerWithContext(nil, Config{HTTPAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestNewServerRejectsEmptyFilterList(t *testing.T) {
	if _, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", Filters: []string{" "}}); err == nil {
		t.Fatal("expected filter configuration error")
	}
}

func TestNewServerRejectsBadUpstreamURL(t *testing.T) {
	cfg := Config{HTTPAddr: "127.0.0.1:0"}
	cfg.Upstream.BaseURL = "ftp://example.com"
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected upstream configuration error")
	}
}

func TestNewServerAppliesDefaults(t *testing.T) {
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", CacheTTL: time.Minute, PollInterval: 10 * time.Second})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)

	if server.shutdownTimeout != 5*time.Second {
		t.Fatalf("shutdown timeout = %s, want 5s", server.shutdownTimeout)
	}
	if server.httpServer.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("read header timeout = %s, want 5s", server.httpServer.ReadHeaderTimeout)
	}
	if server.cacheTTL != 10*time.Second {
		t.Fatalf("cache ttl = %s, want clamp to 10s", server.cacheTTL)
	}
	if server.registry.Filters().Len() != 5 {
		t.Fatalf("filters = %d, want 5", server.registry.Filters().Len())
	}
	if server.health != nil || server.auditStore != nil {
		t.Fatal("expected optional surfaces to stay disabled")
	}
}

func TestNewServerWithAuditStoreServesFetches(t *testing.T) {
	server, err := NewServer(Config{
		HTTPAddr:    "127.0.0.1:0",
		Filters:     []string{"race", "qualifying"},
		AuditDBPath: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetches?filter=qualy", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !server.registry.Filters().Contains(filter.Qualifying) || server.registry.Filters().Contains(filter.FP1) {
		t.Fatal("expected configured filter set to be honored")
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen and serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to stop")
	}
}

func TestListenAndServeWithHealthStopsOnCancel(t *testing.T) {
	grpcAddr := freeTCPAddr(t)
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: grpcAddr})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)
	if server.health == nil {
		t.Fatal("expected health server when grpc address is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen and serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server to stop")
	}
}

func TestListenAndServeRequiresContext(t *testing.T) {
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)
	//nolint:staticcheck // nil context is the case under test.
	if err := server.ListenAndServe(nil); err == nil {
		t.Fatal("expected nil context error")
	}
	var nilServer *Server
	if err := nilServer.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected nil server error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.Close()
	server.Close()
	var nilServer *Server
	nilServer.Close()
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}
