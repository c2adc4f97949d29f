// Package server hosts the live fan-out service: the subscription registry,
// per-filter pollers, room broadcasting, and the WebSocket transport.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	platformgrpc "github.com/f1stats/pitwall/internal/platform/grpc"
	"github.com/f1stats/pitwall/internal/platform/timeouts"
	"github.com/f1stats/pitwall/internal/services/live/cache"
	"github.com/f1stats/pitwall/internal/services/live/filter"
	"github.com/f1stats/pitwall/internal/services/live/storage"
	"github.com/f1stats/pitwall/internal/services/live/storage/sqlite"
	"github.com/f1stats/pitwall/internal/services/live/upstream"
	"github.com/f1stats/pitwall/internal/telemetry"
)

const (
	tokenCookieName = "pitwall_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Frame types on the WebSocket wire.
const (
	frameTypeFilter        = "filter"
	frameTypePing          = "ping"
	frameTypeJoined        = "joined"
	frameTypeData          = "f1data"
	frameTypeUpstreamError = "f1error"
	frameTypeError         = "error"
	frameTypePong          = "pong"
)

// Config defines the inputs for the live service.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health surface when set.
	GRPCAddr string

	Upstream            upstream.Config
	Filters             []string
	PollInterval        time.Duration
	CacheTTL            time.Duration
	RateLimitMaxBackoff time.Duration
	InvalidateOnIdle    bool

	// JWTSecret enables the HS256 handshake gate on /ws when set.
	JWTSecret string
	// AuditDBPath enables the SQLite fetch audit log when set.
	AuditDBPath string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the live HTTP/WebSocket process and its optional gRPC health
// surface.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	registry        *Registry
	cache           *cache.Cache
	cacheTTL        time.Duration
	auditStore      *sqlite.Store
	closeOnce       sync.Once
}

// Frame is the envelope for every WebSocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type filterPayload struct {
	Filter string `json:"filter"`
}

type joinedPayload struct {
	Filter      string `json:"filter"`
	Subscribers int    `json:"subscribers"`
	ServerTime  string `json:"server_time"`
}

type f1DataPayload struct {
	Filter    string          `json:"filter"`
	Data      json.RawMessage `json:"data"`
	FetchedAt string          `json:"fetched_at"`
	Cached    bool            `json:"cached"`
}

type f1ErrorPayload struct {
	Filter string  `json:"filter"`
	Error  wsError `json:"error"`
}

type pongPayload struct {
	ServerTime string `json:"server_time"`
}

// NewServer builds a configured live server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured live server with an explicit
// context.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	filters := filter.DefaultSet()
	if len(config.Filters) > 0 {
		set, err := filter.NewSet(config.Filters...)
		if err != nil {
			return nil, fmt.Errorf("configure filters: %w", err)
		}
		filters = set
	}

	client, err := upstream.NewClient(config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("configure upstream client: %w", err)
	}

	var auditStore *sqlite.Store
	var fetchStore storage.FetchEventStore
	var observer FetchObserver
	if path := strings.TrimSpace(config.AuditDBPath); path != "" {
		auditStore, err = sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open fetch audit store: %w", err)
		}
		fetchStore = auditStore
		observer = telemetry.NewEmitter(auditStore)
	}

	var health *platformgrpc.HealthServer
	var reporter HealthReporter
	if strings.TrimSpace(config.GRPCAddr) != "" {
		health = platformgrpc.NewHealthServer()
		reporter = health
	}

	sharedCache := cache.New(nil)
	registry, err := NewRegistry(RegistryConfig{
		Filters:             filters,
		PollInterval:        config.PollInterval,
		CacheTTL:            config.CacheTTL,
		RateLimitMaxBackoff: config.RateLimitMaxBackoff,
		InvalidateOnIdle:    config.InvalidateOnIdle,
		Fetcher:             client,
		Cache:               sharedCache,
		Broadcaster:         NewBroadcaster(),
		Observer:            observer,
		Health:              reporter,
	})
	if err != nil {
		if auditStore != nil {
			_ = auditStore.Close()
		}
		return nil, fmt.Errorf("configure subscription registry: %w", err)
	}

	var authorizer wsAuthorizer
	requireAuth := false
	if secret := strings.TrimSpace(config.JWTSecret); secret != "" {
		authorizer = newJWTAuthorizer(secret)
		requireAuth = true
	}

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			manager:     NewConnectionManager(registry),
			registry:    registry,
			authorizer:  authorizer,
			requireAuth: requireAuth,
			fetchStore:  fetchStore,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		grpcAddr:        strings.TrimSpace(config.GRPCAddr),
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		health:          health,
		registry:        registry,
		cache:           sharedCache,
		cacheTTL:        registry.cfg.CacheTTL,
		auditStore:      auditStore,
	}, nil
}

// Run creates, serves, and closes a live server.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return err
	}
	defer server.Close()
	return server.ListenAndServe(ctx)
}

// ListenAndServe serves HTTP (and gRPC health when configured) until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("live server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.cache.RunSweeper(serveCtx, s.cacheTTL)

	grpcErr := make(chan error, 1)
	if s.health != nil {
		log.Printf("live gRPC health listening on %s", s.grpcAddr)
		go func() {
			grpcErr <- s.health.Serve(serveCtx, s.grpcAddr)
		}()
	}

	serveErr := make(chan error, 1)
	log.Printf("live server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.shutdownHTTP()
	case err := <-grpcErr:
		shutdownErr := s.shutdownHTTP()
		if ctx.Err() != nil {
			return shutdownErr
		}
		if err != nil {
			return err
		}
		return errors.New("gRPC health server stopped unexpectedly")
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *Server) shutdownHTTP() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close stops every poller and releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.registry != nil {
			s.registry.Close()
		}
		if s.auditStore != nil {
			if err := s.auditStore.Close(); err != nil {
				log.Printf("close fetch audit store: %v", err)
			}
		}
	})
}
