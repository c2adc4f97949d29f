package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/f1stats/pitwall/internal/platform/errors"
	"github.com/f1stats/pitwall/internal/services/live/storage"
)

const (
	defaultFetchListLimit = 50
	// maxFrameEnvelopeBytes covers the type and request_id around a payload.
	maxFrameEnvelopeBytes = 1024
	outboxFlushTimeout    = time.Second
)

type handlerDeps struct {
	manager     *ConnectionManager
	registry    *Registry
	authorizer  wsAuthorizer
	requireAuth bool
	fetchStore  storage.FetchEventStore
}

// NewHandler creates live routes for tests and offline paths.
// WebSocket auth is disabled and the fetch audit route reports 404.
func NewHandler(registry *Registry) http.Handler {
	return newHandler(handlerDeps{
		manager:  NewConnectionManager(registry),
		registry: registry,
	})
}

func newHandler(deps handlerDeps) http.Handler {
	var connSeq atomic.Uint64
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		connID := fmt.Sprintf("conn_%d", connSeq.Add(1))
		handleWSConn(conn, connID, deps.manager)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if deps.requireAuth {
			if deps.authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("live: websocket unauthorized: missing token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := deps.authorizer.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				log.Printf("live: websocket unauthorized: host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/filters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, filtersResponse{
			Filters:       deps.registry.Snapshot(),
			Connections:   deps.manager.Connections(),
			ActivePollers: deps.registry.ActivePollers(),
		})
	})

	mux.HandleFunc("/fetches", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.fetchStore == nil {
			http.Error(w, "fetch audit log is disabled", http.StatusNotFound)
			return
		}
		handleListFetches(w, r, deps)
	})

	return mux
}

type filtersResponse struct {
	Filters       []FilterStatus `json:"filters"`
	Connections   int            `json:"connections"`
	ActivePollers int            `json:"active_pollers"`
}

type fetchEventView struct {
	ID             int64  `json:"id"`
	Filter         string `json:"filter"`
	Outcome        string `json:"outcome"`
	Status         int    `json:"status,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	DurationMillis int64  `json:"duration_ms"`
	Subscribers    int    `json:"subscribers"`
	OccurredAt     string `json:"occurred_at"`
}

type fetchesResponse struct {
	Events []fetchEventView `json:"events"`
}

func handleListFetches(w http.ResponseWriter, r *http.Request, deps handlerDeps) {
	query := r.URL.Query()
	filterName := ""
	if raw := strings.TrimSpace(query.Get("filter")); raw != "" {
		f, err := deps.registry.Filters().Parse(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filterName = f.String()
	}
	limit := defaultFetchListLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := deps.fetchStore.ListFetchEvents(r.Context(), filterName, limit)
	if err != nil {
		log.Printf("live: list fetch events: %v", err)
		http.Error(w, "fetch audit log unavailable", http.StatusServiceUnavailable)
		return
	}
	views := make([]fetchEventView, 0, len(events))
	for _, event := range events {
		views = append(views, fetchEventView{
			ID:             event.ID,
			Filter:         event.Filter,
			Outcome:        string(event.Outcome),
			Status:         event.Status,
			ErrorCode:      event.ErrorCode,
			DurationMillis: event.DurationMillis,
			Subscribers:    event.Subscribers,
			OccurredAt:     event.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, fetchesResponse{Events: views})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("live: encode response: %v", err)
	}
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func handleWSConn(conn *websocket.Conn, connID string, manager *ConnectionManager) {
	out := newOutbox(connID, newWSPeer(json.NewEncoder(conn)), defaultOutboxCapacity)
	defer func() {
		out.close()
		out.wait(outboxFlushTimeout)
		_ = conn.Close()
	}()

	userID := "viewer"
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && strings.TrimSpace(resolved) != "" {
			userID = strings.TrimSpace(resolved)
		}
	}
	if err := manager.OnConnect(connID, out); err != nil {
		log.Printf("live: register conn=%s user=%q: %v", connID, userID, err)
		return
	}
	defer manager.OnDisconnect(connID)

	conn.MaxPayloadBytes = maxFramePayloadBytes + maxFrameEnvelopeBytes
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	// Every received message counts against the rate window, rejected ones
	// included.
	withinRate := func(requestID string) bool {
		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			writeWSError(out, requestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return false
		}
		return true
	}
	// rejectFrame reports whether the connection should close.
	rejectFrame := func(requestID string, message string) bool {
		decodeErrors++
		writeWSError(out, requestID, "INVALID_ARGUMENT", message)
		return decodeErrors >= maxDecodeErrorsPerConn
	}

	for {
		var frame Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			tooLarge := errors.Is(err, websocket.ErrFrameTooLarge)
			if !tooLarge && !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				// EOF or a broken connection.
				return
			}
			if !withinRate("") {
				return
			}
			message := "invalid frame payload"
			if tooLarge {
				message = "payload too large"
			}
			if rejectFrame("", message) {
				return
			}
			continue
		}
		if !withinRate(frame.RequestID) {
			return
		}
		if len(frame.Payload) > maxFramePayloadBytes {
			if rejectFrame(frame.RequestID, "payload too large") {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case frameTypeFilter:
			handleFilterFrame(manager, connID, userID, out, frame)
		case frameTypePing:
			out.Deliver(Frame{
				Type:      frameTypePong,
				RequestID: frame.RequestID,
				Payload:   mustJSON(pongPayload{ServerTime: time.Now().UTC().Format(time.RFC3339)}),
			})
		default:
			writeWSError(out, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleFilterFrame(manager *ConnectionManager, connID string, userID string, out Sink, frame Frame) {
	var payload filterPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSError(out, frame.RequestID, "INVALID_ARGUMENT", "invalid filter payload")
		return
	}
	if strings.TrimSpace(payload.Filter) == "" {
		writeWSError(out, frame.RequestID, "INVALID_ARGUMENT", "filter is required")
		return
	}

	selection, err := manager.OnFilterChange(connID, payload.Filter)
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.CodeRegistryInvariantViolation {
			log.Printf("live: filter change for conn=%s user=%q hit registry invariant: %v", connID, userID, err)
		} else {
			if code != apperrors.CodeInvalidFilter {
				log.Printf("live: filter change failed conn=%s user=%q filter=%q: %v", connID, userID, payload.Filter, err)
			}
			writeWSError(out, frame.RequestID, code.WireCode(), err.Error())
			return
		}
	}

	out.Deliver(Frame{
		Type:      frameTypeJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			Filter:      selection.Filter.String(),
			Subscribers: selection.Subscribers,
			ServerTime:  time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func writeWSError(out Sink, requestID string, code string, message string) {
	out.Deliver(Frame{
		Type:      frameTypeError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
