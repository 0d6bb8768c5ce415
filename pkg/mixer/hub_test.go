package mixer

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestHub() *Hub {
	return NewHub(zap.NewNop().Sugar(), "test")
}

func receiveFrame(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()

	select {
	case frame, ok := <-frames:
		if !ok {
			t.Fatalf("frame channel closed unexpectedly")
		}
		return frame
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for frame")
		return nil
	}
}

func TestHubDeliversToAllConsumers(t *testing.T) {
	hub := newTestHub()

	frames1, cancel1 := hub.Subscribe()
	defer cancel1()
	frames2, cancel2 := hub.Subscribe()
	defer cancel2()

	hub.Publish([]byte(`{"n":1}`))

	if got := receiveFrame(t, frames1); string(got) != `{"n":1}` {
		t.Fatalf("consumer 1 got %s", got)
	}
	if got := receiveFrame(t, frames2); string(got) != `{"n":1}` {
		t.Fatalf("consumer 2 got %s", got)
	}
}

func TestHubPreloadsLateJoiner(t *testing.T) {
	hub := newTestHub()

	hub.Publish([]byte(`{"n":1}`))
	hub.Publish([]byte(`{"n":2}`))

	frames, cancel := hub.Subscribe()
	defer cancel()

	if got := receiveFrame(t, frames); string(got) != `{"n":2}` {
		t.Fatalf("late joiner must start from the latest frame, got %s", got)
	}
}

func TestHubSlowConsumerSkipsToNewest(t *testing.T) {
	hub := newTestHub()

	frames, cancel := hub.Subscribe()
	defer cancel()

	// consumer never reads while three frames go out
	hub.Publish([]byte(`{"n":1}`))
	hub.Publish([]byte(`{"n":2}`))
	hub.Publish([]byte(`{"n":3}`))

	if got := receiveFrame(t, frames); string(got) != `{"n":3}` {
		t.Fatalf("stale frames must be replaced by the newest, got %s", got)
	}

	select {
	case extra := <-frames:
		t.Fatalf("no backlog expected, got %s", extra)
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := newTestHub()

	frames, cancel := hub.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	if _, ok := <-frames; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if hub.Count() != 0 {
		t.Fatalf("expected no consumers, got %d", hub.Count())
	}

	// publishing with nobody attached still records the latest frame
	hub.Publish([]byte(`{"n":9}`))
	if last, ok := hub.Last(); !ok || string(last) != `{"n":9}` {
		t.Fatalf("Last() = %s, %v", last, ok)
	}
}

func TestHubClose(t *testing.T) {
	hub := newTestHub()

	frames, cancel := hub.Subscribe()
	defer cancel()

	hub.Close()

	if _, ok := <-frames; ok {
		t.Fatalf("expected consumer channel closed by hub close")
	}

	// closed hub rejects new work without panicking
	hub.Publish([]byte(`{"n":1}`))

	lateFrames, lateCancel := hub.Subscribe()
	defer lateCancel()
	if _, ok := <-lateFrames; ok {
		t.Fatalf("expected subscription on closed hub to be closed immediately")
	}
}
