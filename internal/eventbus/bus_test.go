package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "reminder.fired"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != "reminder.fired" || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Published() != 2 || b.Dropped() != 1 {
		t.Fatalf("published=%d dropped=%d", b.Published(), b.Dropped())
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	b.Publish(Event{Type: "after"})
}
