package eventbus

import "testing"

func TestBus_FiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	captures, unsubCap := b.Subscribe(4, TypeCaptureDone)
	defer unsubCap()

	b.Publish(Event{Type: TypeDeviceAdded, Data: "cam"})
	b.Publish(Event{Type: TypeCaptureDone, Data: 1})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(captures); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-captures
	if e.Type != TypeCaptureDone || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeCaptureDone})
	}
	if b.Dropped() != 2 {
		t.Fatalf("dropped=%d want 2", b.Dropped())
	}

	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeCaptureDone})
}
