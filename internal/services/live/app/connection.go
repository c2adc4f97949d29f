package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/f1stats/pitwall/internal/platform/errors"
	"github.com/f1stats/pitwall/internal/services/live/filter"
)

// Selection describes the outcome of a filter change.
type Selection struct {
	Filter      filter.Filter
	Subscribers int
	// Unchanged is set when the connection re-selected its current filter.
	Unchanged bool
}

type connectionState struct {
	mu      sync.Mutex
	sink    Sink
	current filter.Filter
	closed  bool
}

// ConnectionManager tracks each connection's current filter and translates
// connection events into registry attach and detach calls.
type ConnectionManager struct {
	registry *Registry

	mu    sync.Mutex
	conns map[string]*connectionState
}

// NewConnectionManager creates a manager bound to registry.
func NewConnectionManager(registry *Registry) *ConnectionManager {
	return &ConnectionManager{
		registry: registry,
		conns:    make(map[string]*connectionState),
	}
}

// OnConnect registers connID with no current filter.
func (m *ConnectionManager) OnConnect(connID string, sink Sink) error {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return errors.New("connection id is required")
	}
	if sink == nil {
		return errors.New("sink is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[connID]; exists {
		return fmt.Errorf("connection %s is already registered", connID)
	}
	m.conns[connID] = &connectionState{sink: sink}
	return nil
}

// OnFilterChange moves connID to the filter named by raw. The new filter is
// validated before the old one is released, so a bad request leaves the
// current subscription intact.
func (m *ConnectionManager) OnFilterChange(connID string, raw string) (Selection, error) {
	state := m.lookup(connID)
	if state == nil {
		return Selection{}, apperrors.New(apperrors.CodeUnavailable, "connection is not registered")
	}
	next, err := m.registry.Filters().Parse(raw)
	if err != nil {
		return Selection{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.closed {
		return Selection{}, apperrors.New(apperrors.CodeUnavailable, "connection is closed")
	}
	if state.current == next {
		return Selection{Filter: next, Subscribers: m.registry.Count(next), Unchanged: true}, nil
	}
	if state.current != "" {
		m.registry.Detach(connID, state.current)
		state.current = ""
	}
	count, err := m.registry.Attach(connID, next, state.sink)
	if err != nil && apperrors.CodeOf(err) != apperrors.CodeRegistryInvariantViolation {
		return Selection{}, err
	}
	state.current = next
	return Selection{Filter: next, Subscribers: count}, err
}

// OnDisconnect releases connID's subscription. Repeated calls are no-ops.
func (m *ConnectionManager) OnDisconnect(connID string) {
	m.mu.Lock()
	state, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.closed = true
	if state.current != "" {
		m.registry.Detach(connID, state.current)
		state.current = ""
	}
}

// Current returns connID's filter, if any.
func (m *ConnectionManager) Current(connID string) (filter.Filter, bool) {
	state := m.lookup(connID)
	if state == nil {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.current, state.current != ""
}

// Connections returns the number of registered connections.
func (m *ConnectionManager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *ConnectionManager) lookup(connID string) *connectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[connID]
}
