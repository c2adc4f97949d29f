package server

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/f1stats/pitwall/internal/services/live/filter"
)

func TestPublishReachesEveryRoomMember(t *testing.T) {
	b := NewBroadcaster()
	sinks := make([]*recordingSink, 5)
	for i := range sinks {
		sinks[i] = newRecordingSink()
		b.Join(string(rune('a'+i)), filter.Race, sinks[i])
	}
	outsider := newRecordingSink()
	b.Join("z", filter.Qualifying, outsider)

	delivered := b.Publish(filter.Race, Frame{Type: frameTypeData})
	if delivered != 5 {
		t.Fatalf("delivered = %d, want 5", delivered)
	}
	for i, sink := range sinks {
		if len(sink.Frames()) != 1 {
			t.Fatalf("sink %d frames = %d, want 1", i, len(sink.Frames()))
		}
	}
	if len(outsider.Frames()) != 0 {
		t.Fatal("publish leaked to another filter room")
	}
}

func TestPublishToEmptyRoomIsNoop(t *testing.T) {
	b := NewBroadcaster()
	if got := b.Publish(filter.FP1, Frame{Type: frameTypeData}); got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
	if b.Members(filter.FP1) != 0 {
		t.Fatal("expected empty room")
	}
}

func TestLeaveRemovesMember(t *testing.T) {
	b := NewBroadcaster()
	sink := newRecordingSink()
	b.Join("a", filter.Race, sink)
	b.Leave("a", filter.Race)
	b.Leave("a", filter.Race)

	if b.Members(filter.Race) != 0 {
		t.Fatalf("members = %d, want 0", b.Members(filter.Race))
	}
	b.Publish(filter.Race, Frame{Type: frameTypeData})
	if len(sink.Frames()) != 0 {
		t.Fatal("departed member received a frame")
	}
}

func TestPublishSkipsRejectingSinkOnly(t *testing.T) {
	b := NewBroadcaster()
	slow := newRecordingSink()
	slow.reject = true
	healthy := newRecordingSink()
	b.Join("slow", filter.Race, slow)
	b.Join("healthy", filter.Race, healthy)

	if got := b.Publish(filter.Race, Frame{Type: frameTypeData}); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if len(healthy.Frames()) != 1 {
		t.Fatal("healthy sink missed a frame because of a slow peer")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOutboxWritesFramesInOrder(t *testing.T) {
	var out lockedBuffer
	box := newOutbox("conn-a", newWSPeer(json.NewEncoder(&out)), 8)
	for _, frameType := range []string{"one", "two", "three"} {
		if !box.Deliver(Frame{Type: frameType}) {
			t.Fatalf("deliver %s rejected", frameType)
		}
	}
	box.close()
	if !box.wait(time.Second) {
		t.Fatal("outbox did not drain")
	}

	decoder := json.NewDecoder(bytes.NewBufferString(out.String()))
	for _, want := range []string{"one", "two", "three"} {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type != want {
			t.Fatalf("frame type = %q, want %q", frame.Type, want)
		}
	}
	if box.Deliver(Frame{Type: "late"}) {
		t.Fatal("expected closed outbox to reject frames")
	}
}

func TestOutboxDropsWhenFullWithoutBlocking(t *testing.T) {
	reader, writer := io.Pipe()
	t.Cleanup(func() { _ = reader.Close() })
	box := newOutbox("conn-slow", newWSPeer(json.NewEncoder(writer)), 2)

	done := make(chan int)
	go func() {
		accepted := 0
		for i := 0; i < 10; i++ {
			if box.Deliver(Frame{Type: frameTypeData}) {
				accepted++
			}
		}
		done <- accepted
	}()

	select {
	case accepted := <-done:
		if accepted > 3 {
			t.Fatalf("accepted = %d, want at most capacity plus the frame in flight", accepted)
		}
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a slow connection")
	}
	if box.dropped.Load() == 0 {
		t.Fatal("expected dropped frames to be counted")
	}
	box.close()
	_ = reader.Close()
	if !box.wait(time.Second) {
		t.Fatal("outbox writer did not exit after connection failure")
	}
}
