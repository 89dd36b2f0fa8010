package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeTaskSubmitted, Data: "t1"})

	select {
	case e := <-ch:
		if e.Type != TypeTaskSubmitted {
			t.Fatalf("unexpected type %q", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTaskAssigned})
	b.Publish(Event{Type: TypeTaskCompleted}) // buffer full, dropped

	<-ch
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %v", e)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeTaskFailed})
}
