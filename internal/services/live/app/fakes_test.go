package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/f1stats/pitwall/internal/services/live/filter"
	"github.com/f1stats/pitwall/internal/services/live/storage"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[filter.Filter]int
	respond func(f filter.Filter, call int) (json.RawMessage, error)
	// release, when set, blocks every fetch until closed.
	release chan struct{}
	started chan filter.Filter
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[filter.Filter]int),
		started: make(chan filter.Filter, 64),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, name filter.Filter) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[name]++
	call := f.calls[name]
	respond := f.respond
	release := f.release
	f.mu.Unlock()

	select {
	case f.started <- name:
	default:
	}
	if release != nil {
		<-release
	}
	if respond != nil {
		return respond(name, call)
	}
	return json.RawMessage(`{"filter":"` + name.String() + `","call":` + itoa(call) + `}`), nil
}

func (f *fakeFetcher) Calls(name filter.Filter) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func itoa(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	notify chan struct{}
	reject bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 256)}
}

func (s *recordingSink) Deliver(frame Frame) bool {
	s.mu.Lock()
	if s.reject {
		s.mu.Unlock()
		return false
	}
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *recordingSink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSink) framesOfType(frameType string) []Frame {
	var out []Frame
	for _, frame := range s.Frames() {
		if frame.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

// waitForFrame blocks until a frame of frameType has been delivered.
func (s *recordingSink) waitForFrame(t *testing.T, frameType string) Frame {
	t.Helper()
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for {
		if frames := s.framesOfType(frameType); len(frames) > 0 {
			return frames[0]
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %s frame, got %d frame(s)", frameType, len(s.Frames()))
			return Frame{}
		}
	}
}

func decodeDataFrame(t *testing.T, frame Frame) f1DataPayload {
	t.Helper()
	var payload f1DataPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode f1data payload: %v", err)
	}
	return payload
}

func decodeUpstreamErrorFrame(t *testing.T, frame Frame) f1ErrorPayload {
	t.Helper()
	var payload f1ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode f1error payload: %v", err)
	}
	return payload
}

type fakeHealthReporter struct {
	mu       sync.Mutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

func newFakeHealthReporter() *fakeHealthReporter {
	return &fakeHealthReporter{statuses: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus)}
}

func (h *fakeHealthReporter) SetStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	h.statuses[service] = status
	h.mu.Unlock()
}

func (h *fakeHealthReporter) Status(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statuses[service]
}

type fakeObserver struct {
	mu     sync.Mutex
	events []storage.FetchEvent
}

func (o *fakeObserver) ObserveFetch(_ context.Context, event storage.FetchEvent) {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()
}

func (o *fakeObserver) Events() []storage.FetchEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]storage.FetchEvent, len(o.events))
	copy(out, o.events)
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 15, 5, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, fetcher Fetcher, mutate func(*RegistryConfig)) *Registry {
	t.Helper()
	cfg := RegistryConfig{
		Filters:          filter.DefaultSet(),
		PollInterval:     time.Hour,
		CacheTTL:         time.Hour,
		InvalidateOnIdle: true,
		Fetcher:          fetcher,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)
	return registry
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
