package frameserver

import "testing"

func TestPushUpdatesLatestFrame(t *testing.T) {
	r := New()
	r.PushVideoFrame("peer1", []byte("frame-a"))
	got, ok := r.LatestFrame(KindVideo, "peer1")
	if !ok || string(got) != "frame-a" {
		t.Fatalf("expected frame-a, got %q ok=%v", got, ok)
	}

	r.PushVideoFrame("peer1", []byte("frame-b"))
	got, _ = r.LatestFrame(KindVideo, "peer1")
	if string(got) != "frame-b" {
		t.Fatalf("expected latest frame to update, got %q", got)
	}
}

func TestSubscribeReceivesPushedFrames(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe(KindScreen, "peer1")
	defer cancel()

	r.PushScreenFrame("peer1", []byte("shot-1"))
	select {
	case frame := <-ch:
		if string(frame) != "shot-1" {
			t.Fatalf("unexpected frame: %q", frame)
		}
	default:
		t.Fatal("expected a buffered frame on the subscriber channel")
	}
}

func TestSubscribeIsIndependentPerPeer(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe(KindVideo, "peer1")
	defer cancel()

	r.PushVideoFrame("peer2", []byte("other-peer"))
	select {
	case <-ch:
		t.Fatal("subscriber for peer1 must not receive peer2's frames")
	default:
	}
}

func TestRemoveClearsLatestAndClosesSubscribers(t *testing.T) {
	r := New()
	r.PushVideoFrame("peer1", []byte("frame"))
	ch, cancel := r.Subscribe(KindVideo, "peer1")
	defer cancel()

	r.Remove("peer1")

	if _, ok := r.LatestFrame(KindVideo, "peer1"); ok {
		t.Fatal("expected latest frame to be cleared after Remove")
	}
	if _, open := <-ch; open {
		t.Fatal("expected subscriber channel to be closed after Remove")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	r.Remove("never-existed")
	r.Remove("never-existed")
}

func TestOverflowDropsSilently(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe(KindVideo, "peer1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		r.PushVideoFrame("peer1", []byte{byte(i)})
	}
	// Draining should not panic or deadlock even though many pushes
	// overflowed the subscriber's buffer.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least one buffered frame to survive")
			}
			return
		}
	}
}
