package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New(8, zerolog.Nop())
	defer b.Close()

	sub := b.Subscribe(TopicECUState)
	b.Publish(TopicECUState, ECUStateChanged{ECU: "main", From: "Disconnected", To: "Connecting"})

	select {
	case msg := <-sub:
		ev, ok := msg.(ECUStateChanged)
		if !ok || ev.To != "Connecting" {
			t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New(1, zerolog.Nop())
	defer b.Close()

	_ = b.Subscribe(TopicBinding) // never drained
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicBinding, BindingChanged{ID: "x", Action: "bound"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := New(4, zerolog.Nop())
	sub := b.Subscribe(TopicECUState)
	b.Close()
	b.Close()

	b.Publish(TopicECUState, "late")
	if b.Dropped() != 1 {
		t.Fatalf("dropped: got %d want 1", b.Dropped())
	}
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("subscription should be closed after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed by shutdown")
	}
}
