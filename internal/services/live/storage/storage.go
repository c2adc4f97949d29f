// Package storage defines persistence contracts for the live service's
// fetch audit log.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested audit record is missing.
var ErrNotFound = errors.New("record not found")

// Outcome classifies one poller cycle.
type Outcome string

const (
	// OutcomeFetched means the upstream returned a payload that was cached.
	OutcomeFetched Outcome = "fetched"
	// OutcomeCached means a fresh cache entry was republished.
	OutcomeCached Outcome = "cached"
	// OutcomeFailed means the upstream fetch failed after retries.
	OutcomeFailed Outcome = "failed"
)

// FetchEvent records one poller cycle for a filter.
type FetchEvent struct {
	ID             int64
	Filter         string
	Outcome        Outcome
	Status         int
	ErrorCode      string
	DurationMillis int64
	Subscribers    int
	OccurredAt     time.Time
}

// FetchEventStore persists fetch audit events.
type FetchEventStore interface {
	AppendFetchEvent(ctx context.Context, event FetchEvent) error
	// ListFetchEvents returns the newest events first. An empty filter
	// lists every filter.
	ListFetchEvents(ctx context.Context, filter string, limit int) ([]FetchEvent, error)
	GetFetchEvent(ctx context.Context, id int64) (FetchEvent, error)
}
