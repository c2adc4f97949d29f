// Package telemetry records operational fetch events for the live service.
package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/f1stats/pitwall/internal/services/live/storage"
)

// appendTimeout bounds one audit write so a slow disk never stalls a poller.
const appendTimeout = 2 * time.Second

// Emitter records fetch audit events.
type Emitter struct {
	store storage.FetchEventStore
	clock func() time.Time
}

// NewEmitter creates a new fetch event emitter.
func NewEmitter(store storage.FetchEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records a fetch event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt storage.FetchEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.OccurredAt.IsZero() {
		if e.clock == nil {
			evt.OccurredAt = time.Now().UTC()
		} else {
			evt.OccurredAt = e.clock().UTC()
		}
	}
	return e.store.AppendFetchEvent(ctx, evt)
}

// ObserveFetch emits evt and logs instead of returning store failures, so it
// can sit on a poller's hot path.
func (e *Emitter) ObserveFetch(ctx context.Context, evt storage.FetchEvent) {
	if e == nil || e.store == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()
	if err := e.Emit(ctx, evt); err != nil {
		log.Printf("telemetry: record fetch event for %s: %v", evt.Filter, err)
	}
}
