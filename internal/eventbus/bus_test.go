package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: TypeItemDelivered, Source: "campus"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := <-ch
		if e.Type != TypeItemDelivered || e.Source != "campus" || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	}

	unsub1()
	unsub1()
	b.Publish(Event{Type: TypeCycle})
	if _, ok := <-ch1; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}
