package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/f1stats/pitwall/internal/platform/errors"
	"github.com/f1stats/pitwall/internal/services/live/cache"
	"github.com/f1stats/pitwall/internal/services/live/filter"
	"github.com/f1stats/pitwall/internal/services/live/storage"
	"github.com/f1stats/pitwall/internal/services/live/upstream"
)

const tracerName = "github.com/f1stats/pitwall/internal/services/live/app"

// Fetcher loads the latest upstream payload for a filter.
type Fetcher interface {
	Fetch(ctx context.Context, f filter.Filter) (json.RawMessage, error)
}

// FetchObserver receives one event per completed poller cycle.
type FetchObserver interface {
	ObserveFetch(ctx context.Context, event storage.FetchEvent)
}

// HealthReporter records per-filter serving status.
type HealthReporter interface {
	SetStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus)
}

// HealthServiceName returns the gRPC health service name for f.
func HealthServiceName(f filter.Filter) string {
	return "pitwall.live." + f.String()
}

type pollerConfig struct {
	filter              filter.Filter
	interval            time.Duration
	ttl                 time.Duration
	rateLimitMaxBackoff time.Duration
	fetcher             Fetcher
	cache               *cache.Cache
	broadcaster         *Broadcaster
	observer            FetchObserver
	health              HealthReporter
	clock               func() time.Time
}

// filterPoller refreshes one filter while it has subscribers. Once stopped
// it never writes the cache or publishes again.
type filterPoller struct {
	cfg    pollerConfig
	tracer trace.Tracer
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stopped   bool
	rateLimit *backoff.ExponentialBackOff
}

func newFilterPoller(parent context.Context, cfg pollerConfig) (*filterPoller, context.Context) {
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	ctx, cancel := context.WithCancel(parent)

	rateLimit := backoff.NewExponentialBackOff()
	rateLimit.InitialInterval = 2 * cfg.interval
	rateLimit.RandomizationFactor = 0
	rateLimit.Multiplier = 2
	rateLimit.MaxInterval = cfg.rateLimitMaxBackoff
	if rateLimit.MaxInterval < cfg.interval {
		rateLimit.MaxInterval = cfg.interval
	}
	if rateLimit.InitialInterval > rateLimit.MaxInterval {
		rateLimit.InitialInterval = rateLimit.MaxInterval
	}
	rateLimit.Reset()

	return &filterPoller{
		cfg:       cfg,
		tracer:    otel.Tracer(tracerName),
		cancel:    cancel,
		done:      make(chan struct{}),
		rateLimit: rateLimit,
	}, ctx
}

// run executes the first cycle immediately, then one per delay until ctx
// ends.
func (p *filterPoller) run(ctx context.Context) {
	defer close(p.done)

	delay := p.cycle(ctx)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			delay = p.cycle(ctx)
		}
	}
}

// stop requests termination without waiting for an in-flight fetch.
func (p *filterPoller) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.setHealth(grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
	p.mu.Unlock()
	p.cancel()
}

// replay sends the fresh cached payload to one sink. It reports false on a
// miss.
func (p *filterPoller) replay(sink Sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	entry, ok := p.cfg.cache.Get(p.cfg.filter)
	if !ok {
		return false
	}
	return sink.Deliver(dataFrame(entry, true))
}

func (p *filterPoller) cycle(ctx context.Context) time.Duration {
	if ctx.Err() != nil {
		return p.cfg.interval
	}
	f := p.cfg.filter
	ctx, span := p.tracer.Start(ctx, "poller.cycle", trace.WithAttributes(attribute.String("pitwall.filter", f.String())))
	defer span.End()

	started := p.cfg.clock()
	if delay, handled := p.republishCached(ctx, started); handled {
		span.SetAttributes(attribute.Bool("pitwall.cache_hit", true))
		return delay
	}
	span.SetAttributes(attribute.Bool("pitwall.cache_hit", false))

	// stop cancels ctx, which aborts the fetch and any retry it still owes.
	body, err := p.cfg.fetcher.Fetch(ctx, f)

	p.mu.Lock()
	if p.stopped || ctx.Err() != nil {
		p.mu.Unlock()
		span.SetAttributes(attribute.Bool("pitwall.discarded", true))
		return p.cfg.interval
	}
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.CodeUpstreamDecodeError {
			p.cfg.cache.Invalidate(f)
		}
		p.cfg.broadcaster.Publish(f, errorFrame(f, err))
		p.setHealth(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		delay := p.cfg.interval
		if code == apperrors.CodeUpstreamRateLimited {
			delay = p.rateLimit.NextBackOff()
		}
		p.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(code))
		p.observe(ctx, storage.FetchEvent{
			Filter:         f.String(),
			Outcome:        storage.OutcomeFailed,
			Status:         upstream.HTTPStatus(err),
			ErrorCode:      string(code),
			DurationMillis: p.cfg.clock().Sub(started).Milliseconds(),
		})
		return delay
	}
	entry := p.cfg.cache.Put(f, body, p.cfg.ttl)
	if entry.FetchedAt.IsZero() {
		entry = cache.Entry{Filter: f, Payload: body, FetchedAt: p.cfg.clock(), TTL: p.cfg.ttl}
	}
	p.cfg.broadcaster.Publish(f, dataFrame(entry, false))
	p.setHealth(grpc_health_v1.HealthCheckResponse_SERVING)
	p.rateLimit.Reset()
	p.mu.Unlock()

	p.observe(ctx, storage.FetchEvent{
		Filter:         f.String(),
		Outcome:        storage.OutcomeFetched,
		Status:         200,
		DurationMillis: p.cfg.clock().Sub(started).Milliseconds(),
	})
	return p.cfg.interval
}

// republishCached is the keep-alive path: a fresh entry is re-sent instead of
// refetched.
func (p *filterPoller) republishCached(ctx context.Context, started time.Time) (time.Duration, bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return p.cfg.interval, true
	}
	entry, ok := p.cfg.cache.Get(p.cfg.filter)
	if !ok {
		p.mu.Unlock()
		return 0, false
	}
	p.cfg.broadcaster.Publish(p.cfg.filter, dataFrame(entry, true))
	p.mu.Unlock()

	p.observe(ctx, storage.FetchEvent{
		Filter:         p.cfg.filter.String(),
		Outcome:        storage.OutcomeCached,
		DurationMillis: p.cfg.clock().Sub(started).Milliseconds(),
	})
	return p.cfg.interval, true
}

func (p *filterPoller) observe(ctx context.Context, event storage.FetchEvent) {
	if p.cfg.observer == nil {
		return
	}
	event.Subscribers = p.cfg.broadcaster.Members(p.cfg.filter)
	event.OccurredAt = p.cfg.clock().UTC()
	p.cfg.observer.ObserveFetch(ctx, event)
}

// setHealth must be called with p.mu held.
func (p *filterPoller) setHealth(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if p.cfg.health == nil {
		return
	}
	p.cfg.health.SetStatus(HealthServiceName(p.cfg.filter), status)
}

func dataFrame(entry cache.Entry, cached bool) Frame {
	return Frame{
		Type: frameTypeData,
		Payload: mustJSON(f1DataPayload{
			Filter:    entry.Filter.String(),
			Data:      entry.Payload,
			FetchedAt: entry.FetchedAt.UTC().Format(time.RFC3339Nano),
			Cached:    cached,
		}),
	}
}

func errorFrame(f filter.Filter, err error) Frame {
	code := apperrors.CodeOf(err)
	return Frame{
		Type: frameTypeUpstreamError,
		Payload: mustJSON(f1ErrorPayload{
			Filter: f.String(),
			Error: wsError{
				Code:      string(code),
				Message:   upstreamErrorMessage(code),
				Retryable: code.Retryable(),
			},
		}),
	}
}

func upstreamErrorMessage(code apperrors.Code) string {
	switch code {
	case apperrors.CodeUpstreamTimeout:
		return "upstream data provider timed out"
	case apperrors.CodeUpstreamRateLimited:
		return "upstream data provider is rate limiting requests"
	case apperrors.CodeUpstreamDecodeError:
		return "upstream data provider returned malformed data"
	case apperrors.CodeUpstreamHTTPError:
		return "upstream data provider is unavailable"
	default:
		return "failed to refresh session data"
	}
}
