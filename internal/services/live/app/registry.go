package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	apperrors "github.com/f1stats/pitwall/internal/platform/errors"
	"github.com/f1stats/pitwall/internal/platform/timeouts"
	"github.com/f1stats/pitwall/internal/services/live/cache"
	"github.com/f1stats/pitwall/internal/services/live/filter"
)

// RegistryConfig wires the collaborators a registry needs to run pollers.
type RegistryConfig struct {
	Filters             filter.Set
	PollInterval        time.Duration
	CacheTTL            time.Duration
	RateLimitMaxBackoff time.Duration
	InvalidateOnIdle    bool
	Fetcher             Fetcher
	Cache               *cache.Cache
	Broadcaster         *Broadcaster
	Observer            FetchObserver
	Health              HealthReporter
	Clock               func() time.Time
}

// FilterStatus is a point-in-time view of one filter slot.
type FilterStatus struct {
	Filter      filter.Filter `json:"filter"`
	Subscribers int           `json:"subscribers"`
	Polling     bool          `json:"polling"`
	// CacheAgeMillis is the age of the fresh cached payload, or -1 on a miss.
	CacheAgeMillis int64 `json:"cache_age_ms"`
}

// registrySlot owns all state for one filter. A non-empty member set always
// has exactly one poller.
type registrySlot struct {
	mu      sync.Mutex
	filter  filter.Filter
	members map[string]struct{}
	poller  *filterPoller
}

// Registry reference-counts subscribers per filter and owns the poller
// lifecycle. The slot table is fixed at construction so filters never
// contend with each other.
type Registry struct {
	cfg    RegistryConfig
	slots  map[filter.Filter]*registrySlot
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// NewRegistry validates cfg and pre-allocates one slot per filter.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Filters.Len() == 0 {
		return nil, errors.New("at least one filter is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = timeouts.PollInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = timeouts.CacheTTL
	}
	if cfg.CacheTTL > cfg.PollInterval {
		log.Printf("live: cache ttl %s exceeds poll interval %s, clamping ttl to the interval", cfg.CacheTTL, cfg.PollInterval)
		cfg.CacheTTL = cfg.PollInterval
	}
	if cfg.RateLimitMaxBackoff <= 0 {
		cfg.RateLimitMaxBackoff = timeouts.RateLimitMaxBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cfg.Clock)
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewBroadcaster()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:    cfg,
		slots:  make(map[filter.Filter]*registrySlot, cfg.Filters.Len()),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, f := range cfg.Filters.List() {
		r.slots[f] = &registrySlot{filter: f, members: make(map[string]struct{})}
	}
	return r, nil
}

// Attach subscribes connID to f and returns the new subscriber count. The
// first subscriber starts the poller; later ones get the cached payload
// replayed to their sink only.
func (r *Registry) Attach(connID string, f filter.Filter, sink Sink) (int, error) {
	slot, ok := r.slots[f]
	if !ok {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidFilter,
			fmt.Sprintf("filter %q is not configured", f),
			map[string]string{"filter": f.String()})
	}
	if sink == nil {
		return 0, errors.New("sink is required")
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if r.isClosed() {
		return 0, apperrors.New(apperrors.CodeUnavailable, "subscription registry is closed")
	}
	if _, exists := slot.members[connID]; exists {
		return len(slot.members), nil
	}

	slot.members[connID] = struct{}{}
	r.cfg.Broadcaster.Join(connID, f, sink)
	if len(slot.members) == 1 {
		slot.poller = r.startPoller(f)
	} else if slot.poller != nil {
		slot.poller.replay(sink)
	}
	if !r.checkInvariant(slot) {
		return len(slot.members), invariantViolation(slot)
	}
	return len(slot.members), nil
}

// Detach unsubscribes connID from f. The last subscriber stops the poller.
// Detaching a non-member is a no-op and reports false.
func (r *Registry) Detach(connID string, f filter.Filter) bool {
	slot, ok := r.slots[f]
	if !ok {
		return false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if _, exists := slot.members[connID]; !exists {
		return false
	}
	delete(slot.members, connID)
	r.cfg.Broadcaster.Leave(connID, f)
	if len(slot.members) == 0 {
		r.stopSlotPoller(slot)
	}
	r.checkInvariant(slot)
	return true
}

// Count returns the subscriber count for f.
func (r *Registry) Count(f filter.Filter) int {
	slot, ok := r.slots[f]
	if !ok {
		return 0
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return len(slot.members)
}

// ActivePollers returns how many filters currently have a running poller.
func (r *Registry) ActivePollers() int {
	active := 0
	for _, slot := range r.slots {
		slot.mu.Lock()
		if slot.poller != nil {
			active++
		}
		slot.mu.Unlock()
	}
	return active
}

// Snapshot returns every filter slot in configuration order.
func (r *Registry) Snapshot() []FilterStatus {
	statuses := make([]FilterStatus, 0, len(r.slots))
	now := r.cfg.Clock()
	for _, f := range r.cfg.Filters.List() {
		slot := r.slots[f]
		slot.mu.Lock()
		status := FilterStatus{
			Filter:         f,
			Subscribers:    len(slot.members),
			Polling:        slot.poller != nil,
			CacheAgeMillis: -1,
		}
		slot.mu.Unlock()
		if entry, ok := r.cfg.Cache.Get(f); ok {
			status.CacheAgeMillis = entry.Age(now).Milliseconds()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Filters returns the configured filter set.
func (r *Registry) Filters() filter.Set {
	return r.cfg.Filters
}

// Close stops every poller, drops all subscriptions, and waits for poller
// goroutines to exit. Attach fails with UNAVAILABLE afterwards.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()

	filters := make([]filter.Filter, 0, len(r.slots))
	for f := range r.slots {
		filters = append(filters, f)
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i] < filters[j] })
	for _, f := range filters {
		slot := r.slots[f]
		slot.mu.Lock()
		for connID := range slot.members {
			r.cfg.Broadcaster.Leave(connID, f)
		}
		clear(slot.members)
		r.stopSlotPoller(slot)
		slot.mu.Unlock()
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) isClosed() bool {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	return r.closed
}

// startPoller must be called with the slot lock held.
func (r *Registry) startPoller(f filter.Filter) *filterPoller {
	poller, ctx := newFilterPoller(r.ctx, pollerConfig{
		filter:              f,
		interval:            r.cfg.PollInterval,
		ttl:                 r.cfg.CacheTTL,
		rateLimitMaxBackoff: r.cfg.RateLimitMaxBackoff,
		fetcher:             r.cfg.Fetcher,
		cache:               r.cfg.Cache,
		broadcaster:         r.cfg.Broadcaster,
		observer:            r.cfg.Observer,
		health:              r.cfg.Health,
		clock:               r.cfg.Clock,
	})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		poller.run(ctx)
	}()
	log.Printf("live: poller started for filter=%s", f)
	return poller
}

// stopSlotPoller must be called with the slot lock held.
func (r *Registry) stopSlotPoller(slot *registrySlot) {
	if slot.poller == nil {
		return
	}
	slot.poller.stop()
	slot.poller = nil
	if r.cfg.InvalidateOnIdle {
		r.cfg.Cache.Invalidate(slot.filter)
	}
	log.Printf("live: poller stopped for filter=%s", slot.filter)
}

// checkInvariant reports whether a slot has a poller exactly when it has
// subscribers, logging any violation. The slot lock must be held.
func (r *Registry) checkInvariant(slot *registrySlot) bool {
	hasPoller := slot.poller != nil
	if (len(slot.members) > 0) == hasPoller {
		return true
	}
	log.Printf("live: REGISTRY INVARIANT VIOLATED filter=%s subscribers=%d poller=%t", slot.filter, len(slot.members), hasPoller)
	return false
}

func invariantViolation(slot *registrySlot) error {
	return apperrors.WithMetadata(apperrors.CodeRegistryInvariantViolation,
		fmt.Sprintf("filter %s has %d subscriber(s) and poller=%t", slot.filter, len(slot.members), slot.poller != nil),
		map[string]string{"filter": slot.filter.String()})
}
