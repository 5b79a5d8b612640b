package eventbus

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.Publish("PeerOnline", "peer-1")

	evt := <-ch
	if evt.Type != "PeerOnline" || evt.Payload != "peer-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Dropped != 0 {
		t.Fatalf("expected no drops, got %d", evt.Dropped)
	}
}

func TestPublishReportsDroppedCount(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	// Fill the buffered channel, then overflow it twice without draining.
	b.Publish("A", 1)
	b.Publish("B", 2)
	b.Publish("C", 3)

	first := <-ch
	if first.Type != "A" {
		t.Fatalf("expected first delivered event to be A, got %s", first.Type)
	}
	if first.Dropped != 0 {
		t.Fatalf("expected no drops on first event, got %d", first.Dropped)
	}

	b.Publish("D", 4)
	second := <-ch
	if second.Type != "D" {
		t.Fatalf("expected second delivered event to be D, got %s", second.Type)
	}
	if second.Dropped != 2 {
		t.Fatalf("expected 2 dropped events (B, C), got %d", second.Dropped)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(4)
	unsubscribe()

	b.Publish("X", nil)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish("Ping", nil)

	if _, ok := <-ch1; !ok {
		t.Fatal("subscriber 1 did not receive event")
	}
	if _, ok := <-ch2; !ok {
		t.Fatal("subscriber 2 did not receive event")
	}
}
