// Package timeouts defines shared timeout constants used across the live
// service boundaries.
package timeouts

import "time"

// UpstreamRequest caps a single HTTP attempt against the F1 data provider.
const UpstreamRequest = 10 * time.Second

// UpstreamRetryDelay is the fixed pause between upstream attempts.
const UpstreamRetryDelay = time.Second

// PollInterval is the default refresh period of a filter poller.
const PollInterval = 10 * time.Second

// CacheTTL is the default freshness window of a cached payload.
const CacheTTL = 10 * time.Second

// RateLimitMaxBackoff bounds how far a rate-limited poller widens its delay.
const RateLimitMaxBackoff = 2 * time.Minute

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second
