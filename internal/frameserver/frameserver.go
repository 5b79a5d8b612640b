// Package frameserver is the in-process MJPEG broadcast registry (spec
// §4.5): for each of {video, screen} it keeps a push-subscriber broadcast
// channel and a last-frame cache per peer id, and exposes a minimal HTTP
// mux that streams either as multipart/x-mixed-replace.
package frameserver

import (
	"fmt"
	"net/http"
	"sync"
)

// Kind distinguishes the two frame streams a peer can publish.
type Kind string

const (
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

const subscriberBuffer = 2

type stream struct {
	mu          sync.Mutex
	latest      map[string][]byte
	subscribers map[string]map[chan []byte]struct{}
}

func newStream() *stream {
	return &stream{
		latest:      make(map[string][]byte),
		subscribers: make(map[string]map[chan []byte]struct{}),
	}
}

// push replaces the latest frame for peerID and fans it out to every
// push subscriber for that peer, dropping overflowed readers silently
// (§4.5 "drops overflow readers silently").
func (s *stream) push(peerID string, jpeg []byte) {
	s.mu.Lock()
	s.latest[peerID] = jpeg
	subs := s.subscribers[peerID]
	chans := make([]chan []byte, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- jpeg:
		default:
		}
	}
}

func (s *stream) latestFrame(peerID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.latest[peerID]
	return b, ok
}

// subscribe registers a push subscriber for peerID; cancel unregisters it.
func (s *stream) subscribe(peerID string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	set, ok := s.subscribers[peerID]
	if !ok {
		set = make(map[chan []byte]struct{})
		s.subscribers[peerID] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// remove may already have closed ch and dropped it from the set.
		if _, live := s.subscribers[peerID][ch]; live {
			delete(s.subscribers[peerID], ch)
			close(ch)
		}
	}
	return ch, cancel
}

// remove drops every cached frame and subscriber for peerID (idempotent),
// used when a peer disconnects or a camera/screen toggle turns off.
func (s *stream) remove(peerID string) {
	s.mu.Lock()
	delete(s.latest, peerID)
	for ch := range s.subscribers[peerID] {
		close(ch)
	}
	delete(s.subscribers, peerID)
	s.mu.Unlock()
}

// Registry is the frame server's core contract: push/register/remove for
// video and screen frames, independent per peer.
type Registry struct {
	video  *stream
	screen *stream
}

// New constructs an empty frame registry.
func New() *Registry {
	return &Registry{video: newStream(), screen: newStream()}
}

func (r *Registry) streamFor(kind Kind) *stream {
	if kind == KindScreen {
		return r.screen
	}
	return r.video
}

// PushVideoFrame publishes a camera JPEG frame for peerID.
func (r *Registry) PushVideoFrame(peerID string, jpeg []byte) { r.video.push(peerID, jpeg) }

// PushScreenFrame publishes a screen-share JPEG frame for peerID.
func (r *Registry) PushScreenFrame(peerID string, jpeg []byte) { r.screen.push(peerID, jpeg) }

// LatestFrame returns the most recent frame of kind for peerID, for
// single-shot readers.
func (r *Registry) LatestFrame(kind Kind, peerID string) ([]byte, bool) {
	return r.streamFor(kind).latestFrame(peerID)
}

// Subscribe registers a push subscriber for (kind, peerID). Each call
// creates an independent subscription; its cancel func may be called more
// than once, and after Remove.
func (r *Registry) Subscribe(kind Kind, peerID string) (<-chan []byte, func()) {
	return r.streamFor(kind).subscribe(peerID)
}

// Remove drops all cached frames/subscribers for peerID across both
// streams. Idempotent.
func (r *Registry) Remove(peerID string) {
	r.video.remove(peerID)
	r.screen.remove(peerID)
}

// mjpegBoundary is the multipart boundary used by the HTTP mux below.
const mjpegBoundary = "chatrframe"

// Handler returns an http.Handler that streams peer "id"'s frames of kind
// as multipart/x-mixed-replace, exiting when the client disconnects. This
// is the minimal HTTP surface satisfying §4.5's literal contract; the rest
// of §6's external API is out of this package's scope.
func (r *Registry) Handler(kind Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		peerID := req.URL.Query().Get("peer")
		if peerID == "" {
			http.Error(w, "missing peer query parameter", http.StatusBadRequest)
			return
		}

		ch, cancel := r.Subscribe(kind, peerID)
		defer cancel()

		w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mjpegBoundary))
		flusher, canFlush := w.(http.Flusher)

		if latest, ok := r.LatestFrame(kind, peerID); ok {
			writeMJPEGPart(w, latest)
			if canFlush {
				flusher.Flush()
			}
		}

		for {
			select {
			case frame, ok := <-ch:
				if !ok {
					return
				}
				writeMJPEGPart(w, frame)
				if canFlush {
					flusher.Flush()
				}
			case <-req.Context().Done():
				return
			}
		}
	})
}

func writeMJPEGPart(w http.ResponseWriter, jpeg []byte) {
	fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg))
	w.Write(jpeg)
	fmt.Fprint(w, "\r\n")
}
