// Package upstream fetches F1 session results from the external data
// provider.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/f1stats/pitwall/internal/platform/errors"
	"github.com/f1stats/pitwall/internal/platform/timeouts"
	"github.com/f1stats/pitwall/internal/services/live/filter"
)

const (
	// DefaultBaseURL serves the latest results of the current season.
	DefaultBaseURL = "https://f1connectapi.vercel.app/api/current/last"
	// DefaultResultLimit is the number of results requested per fetch.
	DefaultResultLimit = 5
	// DefaultMaxAttempts bounds transient retries per fetch.
	DefaultMaxAttempts = 3

	maxBodyBytes = 4 << 20
	userAgent    = "pitwall-live/1"
	tracerName   = "github.com/f1stats/pitwall/internal/services/live/upstream"
)

// Config configures the upstream client.
type Config struct {
	BaseURL     string
	ResultLimit int
	// Timeout caps each attempt, not the whole retry sequence.
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// Client performs retried, coalesced fetches against the data provider.
type Client struct {
	baseURL     *url.URL
	resultLimit int
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	httpClient  *http.Client
	tracer      trace.Tracer
	group       singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the cancellation scope of one coalesced request sequence. It ends
// when its last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewClient validates cfg and builds a client. Zero values take defaults.
func NewClient(cfg Config) (*Client, error) {
	rawBase := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	base, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream base url must be http or https, got %q", rawBase)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream base url host is required")
	}

	client := &Client{
		baseURL:     base,
		resultLimit: cfg.ResultLimit,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		httpClient:  cfg.HTTPClient,
		tracer:      otel.Tracer(tracerName),
		flights:     make(map[string]*flight),
	}
	if client.resultLimit <= 0 {
		client.resultLimit = DefaultResultLimit
	}
	if client.timeout <= 0 {
		client.timeout = timeouts.UpstreamRequest
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = DefaultMaxAttempts
	}
	if client.retryDelay <= 0 {
		client.retryDelay = timeouts.UpstreamRetryDelay
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	return client, nil
}

// Fetch returns the raw JSON body for f. Concurrent calls for the same filter
// share one upstream request sequence.
func (c *Client) Fetch(ctx context.Context, f filter.Filter) (json.RawMessage, error) {
	if c == nil {
		return nil, apperrors.New(apperrors.CodeUnavailable, "upstream client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(f.String()) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidFilter, "filter is required")
	}

	key := f.String()
	shared := c.join(ctx, key)
	defer c.leave(key, shared)

	resultCh := c.group.DoChan(key, func() (any, error) {
		return c.fetchWithRetry(shared.ctx, f)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return nil, result.Err
		}
		body, _ := result.Val.(json.RawMessage)
		return body, nil
	}
}

// join registers a waiter on the flight for key. The flight keeps the
// caller's values but is only canceled once every waiter has left.
func (c *Client) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights == nil {
		c.flights = make(map[string]*flight)
	}
	current, ok := c.flights[key]
	if !ok {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		current = &flight{ctx: flightCtx, cancel: cancel}
		c.flights[key] = current
	}
	current.waiters++
	return current
}

// leave drops a waiter. The last one cancels the flight so no further attempt
// starts, and forgets the singleflight key so a later caller starts afresh.
func (c *Client) leave(key string, done *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	done.waiters--
	if done.waiters > 0 {
		return
	}
	done.cancel()
	if c.flights[key] == done {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}

func (c *Client) fetchWithRetry(ctx context.Context, f filter.Filter) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("pitwall.filter", f.String())),
	)
	defer span.End()

	attempt := 0
	operation := func() (json.RawMessage, error) {
		attempt++
		return c.fetchOnce(ctx, f)
	}
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Printf("upstream: fetch %s attempt %d failed, retrying in %s: %v", f, attempt, wait, err)
		}),
	)
	span.SetAttributes(attribute.Int("pitwall.upstream.attempts", attempt))
	if status := HTTPStatus(err); status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", http.StatusOK))
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, f filter.Filter) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.endpoint(f), nil)
	if err != nil {
		return nil, backoff.Permanent(apperrors.Wrap(apperrors.CodeUnknown, "build upstream request", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(f, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(f, err)
	}

	metadata := map[string]string{
		"filter": f.String(),
		"status": strconv.Itoa(resp.StatusCode),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
			metadata["retry_after"] = retryAfter
		}
		// Rate limits are backed off by the poller, not retried here.
		return nil, backoff.Permanent(apperrors.WithMetadata(apperrors.CodeUpstreamRateLimited,
			fmt.Sprintf("upstream rate limited fetch for %s", f), metadata))
	case resp.StatusCode >= 500:
		return nil, apperrors.WithMetadata(apperrors.CodeUpstreamHTTPError,
			fmt.Sprintf("upstream returned %d for %s", resp.StatusCode, f), metadata)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, backoff.Permanent(apperrors.WithMetadata(apperrors.CodeUpstreamHTTPError,
			fmt.Sprintf("upstream returned %d for %s", resp.StatusCode, f), metadata))
	}

	if !json.Valid(body) {
		return nil, backoff.Permanent(apperrors.WithMetadata(apperrors.CodeUpstreamDecodeError,
			fmt.Sprintf("upstream returned invalid json for %s", f), metadata))
	}
	return json.RawMessage(body), nil
}

func (c *Client) endpoint(f filter.Filter) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + "/" + url.PathEscape(f.String())
	query := target.Query()
	query.Set("limit", strconv.Itoa(c.resultLimit))
	target.RawQuery = query.Encode()
	return target.String()
}

func classifyTransportError(f filter.Filter, err error) error {
	metadata := map[string]string{"filter": f.String()}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.WrapWithMetadata(apperrors.CodeUpstreamTimeout,
			fmt.Sprintf("upstream request for %s timed out", f), metadata, err)
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(apperrors.WrapWithMetadata(apperrors.CodeUnavailable,
			fmt.Sprintf("upstream request for %s canceled", f), metadata, err))
	}
	return apperrors.WrapWithMetadata(apperrors.CodeUpstreamHTTPError,
		fmt.Sprintf("upstream request for %s failed", f), metadata, err)
}

// HTTPStatus returns the upstream HTTP status carried by err, or 0.
func HTTPStatus(err error) int {
	status, convErr := strconv.Atoi(apperrors.MetadataValue(err, "status"))
	if convErr != nil {
		return 0
	}
	return status
}
