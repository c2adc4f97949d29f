package server

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/f1stats/pitwall/internal/services/live/filter"
)

// defaultOutboxCapacity bounds frames queued for one slow connection.
const defaultOutboxCapacity = 32

// Sink accepts frames for one connection without blocking. Deliver reports
// false when the frame was dropped.
type Sink interface {
	Deliver(frame Frame) bool
}

// Broadcaster multiplexes frames to every connection in a filter room.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[filter.Filter]map[string]Sink
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{rooms: make(map[filter.Filter]map[string]Sink)}
}

// Join adds connID to the room for f, replacing any previous sink.
func (b *Broadcaster) Join(connID string, f filter.Filter, sink Sink) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.rooms[f]
	if !ok {
		room = make(map[string]Sink)
		b.rooms[f] = room
	}
	room[connID] = sink
}

// Leave removes connID from the room for f.
func (b *Broadcaster) Leave(connID string, f filter.Filter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.rooms[f]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(b.rooms, f)
	}
}

// Publish delivers frame to every member of the room for f and returns how
// many accepted it. An empty room is a no-op.
func (b *Broadcaster) Publish(f filter.Filter, frame Frame) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	room := b.rooms[f]
	sinks := make([]Sink, 0, len(room))
	for _, sink := range room {
		sinks = append(sinks, sink)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sink := range sinks {
		if sink.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

// Members returns the room size for f.
func (b *Broadcaster) Members(f filter.Filter) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[f])
}

// outbox is a bounded FIFO of frames drained by one writer goroutine, so a
// slow connection only ever loses its own frames.
type outbox struct {
	connID  string
	peer    *wsPeer
	mu      sync.Mutex
	closed  bool
	frames  chan Frame
	done    chan struct{}
	dropped atomic.Int64
}

func newOutbox(connID string, peer *wsPeer, capacity int) *outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	o := &outbox{
		connID: connID,
		peer:   peer,
		frames: make(chan Frame, capacity),
		done:   make(chan struct{}),
	}
	go o.drain()
	return o
}

// Deliver enqueues frame or drops it when the outbox is full or closed.
func (o *outbox) Deliver(frame Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.frames <- frame:
		return true
	default:
		if dropped := o.dropped.Add(1); dropped == 1 || dropped%100 == 0 {
			log.Printf("live: outbox full for conn=%s, dropped %d frame(s)", o.connID, dropped)
		}
		return false
	}
}

// close stops accepting frames. Queued frames are still written unless the
// connection fails first.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.frames)
}

// wait blocks until queued frames are written or timeout elapses.
func (o *outbox) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-o.done:
		return true
	case <-timer.C:
		return false
	}
}

func (o *outbox) drain() {
	defer close(o.done)
	failed := false
	for frame := range o.frames {
		if failed {
			continue
		}
		if err := o.peer.writeFrame(frame); err != nil {
			failed = true
		}
	}
}
