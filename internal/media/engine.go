// Package media is the Media Engine (spec §4.3): a single cooperative task
// that owns the voice session state machine, microphone capture and speaker
// playback, camera and screen capture, one Opus encoder plus per-remote-peer
// decoders, the WebRTC peer manager, and voice-activity detection.
//
// The spec describes the engine selecting over seven event sources
// (command channel, captured-audio channel, camera/screen frame channels,
// peer-event channel, overlay-event subscription, periodic broadcast
// trigger). This implementation folds most of them into a single command
// queue: the public command methods, the audio, camera and screen readers,
// and the peer manager's ICE and connection-state callbacks all enqueue
// closures on one channel that Run drains, and Run's own ticker is the
// periodic broadcast trigger. Remote-track readers decode and mix on their
// own goroutines, and remote video/screen frames go straight to the frame
// registry. When the queue is full, enqueue runs the closure on the calling
// goroutine instead of the engine goroutine.
package media

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chatr/chatr/internal/eventbus"
	"github.com/chatr/chatr/internal/frameserver"
	"github.com/chatr/chatr/internal/proto"
	"github.com/chatr/chatr/internal/webrtc"

	"layeh.com/gopus"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusApplication is fixed to VoIP tuning, matching the pack's own gopus
// usage for interactive voice (as opposed to Audio/RestrictedLowdelay).
const opusApplication = gopus.Voip

// opusMaxBytes bounds one encoded Opus frame, matching §4.3's "≤ 4000 bytes".
const opusMaxBytes = 4000

// broadcastInterval is the engine's own periodic voice-state rebroadcast
// trigger, the seventh event source named in §4.3.
const broadcastInterval = 5 * time.Second

// Signal is the only surface the media engine needs from the overlay, so
// this package never imports internal/overlay directly — grounded on the
// teacher's own call.Signaler decoupling ("coupling to the rest of goop2 is
// via the Signaler interface only").
type Signal interface {
	SendVoiceSignal(ctx context.Context, roomID string, e proto.Envelope)
}

// Status is a snapshot of the voice session state machine, grounded on the
// teacher's call.Session.Status()/SessionStatus.
type Status struct {
	Active        bool
	RoomID        string
	ChannelID     string
	Muted         bool
	Deafened      bool
	CameraOn      bool
	ScreenSharing bool
	Speaking      bool
	AudioLevel    float64
	Peers         []string
}

// Engine owns every piece of media session state (spec §3 "Media session
// state" ownership note: "the engine exclusively owns all media state").
type Engine struct {
	selfID string
	bus    *eventbus.Bus
	frames *frameserver.Registry
	signal Signal

	cmds chan func()

	statusMu sync.Mutex
	status   Status

	session *voiceSession
}

// voiceSession holds everything that exists only while active (join..leave).
// A fresh voiceSession is constructed on every join, per §4.3 "create a
// fresh peer-manager."
type voiceSession struct {
	roomID    string
	channelID string

	peers *webrtc.Manager

	localTrack *pion.TrackLocalStaticSample
	encoder    *gopus.Encoder

	decodersMu sync.Mutex
	decoders   map[string]*remoteAudio

	pb      *playback
	mic     *micCapture
	speaker *speakerPlayback

	vad vadState

	camera *videoSource
	screen *videoSource

	stop chan struct{}
	wg   sync.WaitGroup
}

// remoteAudio bundles one remote peer's Opus decoder with its own VAD
// state, used only to drive the (suppressible) remote speaking indicator —
// mixing into the playback ring does not depend on it.
type remoteAudio struct {
	decoder *gopus.Decoder
	vad     vadState
}

// New constructs an idle media engine. Run must be started in its own
// goroutine to drive the command loop.
func New(selfID string, bus *eventbus.Bus, frames *frameserver.Registry, signal Signal) *Engine {
	return &Engine{
		selfID: selfID,
		bus:    bus,
		frames: frames,
		signal: signal,
		cmds:   make(chan func(), 64),
		status: Status{},
	}
}

// Run drains the command queue until ctx is cancelled, tearing down any
// active voice session on exit.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.leaveLocked(ctx)
			return
		case cmd := <-e.cmds:
			cmd()
		case <-ticker.C:
			if e.session != nil {
				e.broadcastVoiceState(ctx)
			}
		}
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	default:
		fn()
	}
}

// Status returns a thread-safe snapshot of the current voice session.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *Engine) setStatus(mutate func(*Status)) {
	e.statusMu.Lock()
	mutate(&e.status)
	e.statusMu.Unlock()
}

// --- Public commands -------------------------------------------------

// Join enters a voice channel. If already active, a full synchronous
// teardown runs first (§4.3 "if already active, perform full teardown
// first"; §5 "joining voice while already active performs a full
// synchronous teardown before acquiring new devices").
func (e *Engine) Join(ctx context.Context, roomID, channelID string) {
	done := make(chan struct{})
	e.enqueue(func() {
		defer close(done)
		if e.session != nil {
			e.leaveLocked(ctx)
		}
		e.joinLocked(ctx, roomID, channelID)
	})
	<-done
}

// Leave exits the current voice session. No-op if not active.
func (e *Engine) Leave(ctx context.Context) {
	done := make(chan struct{})
	e.enqueue(func() {
		defer close(done)
		e.leaveLocked(ctx)
	})
	<-done
}

// SetMuted updates the muted flag; on mute, the speaking flag and audio
// level are reset to zero (§4.3 "set muted, set deafened").
func (e *Engine) SetMuted(ctx context.Context, muted bool) {
	e.enqueue(func() {
		if e.session == nil {
			return
		}
		if muted {
			e.session.vad = vadState{}
			e.publishSpeaking(false)
		}
		e.setStatus(func(s *Status) {
			s.Muted = muted
			if muted {
				s.Speaking = false
				s.AudioLevel = 0
			}
		})
		e.broadcastVoiceState(ctx)
	})
}

// SetDeafened updates the deafened flag. Deafening silences playback but
// keeps receiving so resuming is immediate (§4.3 "Deafened semantics").
func (e *Engine) SetDeafened(ctx context.Context, deafened bool) {
	e.enqueue(func() {
		if e.session == nil {
			return
		}
		e.session.pb.setDeafened(deafened)
		e.setStatus(func(s *Status) { s.Deafened = deafened })
		e.broadcastVoiceState(ctx)
	})
}

// EnableCamera starts camera capture, allowed only while active.
func (e *Engine) EnableCamera(ctx context.Context) error {
	errCh := make(chan error, 1)
	e.enqueue(func() {
		if e.session == nil {
			errCh <- fmt.Errorf("enable camera: not in a voice session")
			return
		}
		if e.session.camera != nil {
			errCh <- nil
			return
		}
		cam, err := openCamera()
		if err != nil {
			errCh <- fmt.Errorf("enable camera: %w", err)
			return
		}
		e.session.camera = cam
		e.spawnVideoReader(ctx, cam, webrtc.FrameTypeVideo)
		e.setStatus(func(s *Status) { s.CameraOn = true })
		e.broadcastVoiceState(ctx)
		errCh <- nil
	})
	return <-errCh
}

// DisableCamera stops camera capture and removes the local preview entry.
func (e *Engine) DisableCamera(ctx context.Context) {
	e.enqueue(func() {
		if e.session == nil || e.session.camera == nil {
			return
		}
		_ = e.session.camera.Close()
		e.session.camera = nil
		e.frames.Remove(e.selfID)
		e.setStatus(func(s *Status) { s.CameraOn = false })
		e.broadcastVoiceState(ctx)
	})
}

// StartScreenShare starts screen capture, allowed only while active.
func (e *Engine) StartScreenShare(ctx context.Context) error {
	errCh := make(chan error, 1)
	e.enqueue(func() {
		if e.session == nil {
			errCh <- fmt.Errorf("start screen share: not in a voice session")
			return
		}
		if e.session.screen != nil {
			errCh <- nil
			return
		}
		scr, err := openScreen()
		if err != nil {
			errCh <- fmt.Errorf("start screen share: %w", err)
			return
		}
		e.session.screen = scr
		e.spawnVideoReader(ctx, scr, webrtc.FrameTypeScreen)
		e.setStatus(func(s *Status) { s.ScreenSharing = true })
		e.broadcastVoiceState(ctx)
		errCh <- nil
	})
	return <-errCh
}

// StopScreenShare stops screen capture.
func (e *Engine) StopScreenShare(ctx context.Context) {
	e.enqueue(func() {
		if e.session == nil || e.session.screen == nil {
			return
		}
		_ = e.session.screen.Close()
		e.session.screen = nil
		e.frames.Remove(e.selfID)
		e.setStatus(func(s *Status) { s.ScreenSharing = false })
		e.broadcastVoiceState(ctx)
	})
}

// --- Signaling-facing surface (used by internal/signaling) ------------

// InVoiceChannel reports the current (roomID, channelID) if a voice session
// is active, used by the signaling glue's tie-break rule.
func (e *Engine) InVoiceChannel() (roomID, channelID string, active bool) {
	done := make(chan struct{})
	e.enqueue(func() {
		defer close(done)
		if e.session != nil {
			roomID, channelID, active = e.session.roomID, e.session.channelID, true
		}
	})
	<-done
	return
}

// HasPeerConnection reports whether a connection already exists to peerID
// (Invariant 3 / tie-break rule's "no existing connection" clause).
func (e *Engine) HasPeerConnection(peerID string) bool {
	done := make(chan struct{})
	var has bool
	e.enqueue(func() {
		defer close(done)
		if e.session != nil {
			has = e.session.peers.HasConnection(peerID)
		}
	})
	<-done
	return has
}

// Offer creates and sends an offer to peerID, invoked by the signaling glue
// once the tie-break rule decides the local peer should offer.
func (e *Engine) Offer(ctx context.Context, peerID string) {
	e.enqueue(func() {
		if e.session == nil {
			return
		}
		sdp, err := e.session.peers.CreateOffer(peerID)
		if err != nil {
			log.Printf("media: create offer to %s: %v", peerID, err)
			return
		}
		e.sendSignal(ctx, proto.TypeVoiceOffer, peerID, sdp, "")
	})
}

// HandleOffer processes a remote offer addressed to this engine's active
// session. Offers whose room id differs from the active session's room are
// silently dropped (§7 "Signaling replayed on stale session"). The voice
// channel is not compared: signaling envelopes carry only the room id, so
// an offer sent for another channel of the same room is still answered.
func (e *Engine) HandleOffer(ctx context.Context, roomID, peerID, sdp string) {
	e.enqueue(func() {
		if e.session == nil || e.session.roomID != roomID {
			return
		}
		answer, err := e.session.peers.HandleOffer(peerID, sdp)
		if err != nil {
			log.Printf("media: handle offer from %s: %v", peerID, err)
			return
		}
		e.sendSignal(ctx, proto.TypeVoiceAnswer, peerID, answer, "")
	})
}

// HandleAnswer applies a remote answer to an existing connection.
func (e *Engine) HandleAnswer(ctx context.Context, roomID, peerID, sdp string) {
	e.enqueue(func() {
		if e.session == nil || e.session.roomID != roomID {
			return
		}
		if err := e.session.peers.HandleAnswer(peerID, sdp); err != nil {
			log.Printf("media: handle answer from %s: %v", peerID, err)
		}
	})
}

// HandleICE adds a remote ICE candidate to an existing connection.
func (e *Engine) HandleICE(ctx context.Context, roomID, peerID, candidate string) {
	e.enqueue(func() {
		if e.session == nil || e.session.roomID != roomID {
			return
		}
		if err := e.session.peers.HandleICE(peerID, candidate); err != nil {
			log.Printf("media: handle ice from %s: %v", peerID, err)
		}
	})
}

// PeerDisconnected tears down any connection/decoder/frame-server state for
// a peer that left the overlay entirely, independent of connection-state
// callbacks (§7 "Connection closed/failed/disconnected").
func (e *Engine) PeerDisconnected(peerID string) {
	e.enqueue(func() {
		if e.session == nil {
			return
		}
		e.session.peers.ClosePeer(peerID)
		e.dropDecoder(peerID)
		e.frames.Remove(peerID)
		e.bus.Publish("VoiceDisconnected", peerID)
	})
}

// --- Join/leave internals ---------------------------------------------

func (e *Engine) joinLocked(ctx context.Context, roomID, channelID string) {
	track, err := webrtc.NewLocalAudioTrack()
	if err != nil {
		log.Printf("media: create local audio track: %v", err)
		return
	}

	enc, err := gopus.NewEncoder(sampleRate, captureChannels, opusApplication)
	if err != nil {
		log.Printf("media: create opus encoder: %v", err)
		return
	}

	s := &voiceSession{
		roomID:     roomID,
		channelID:  channelID,
		peers:      webrtc.NewManager(e.selfID, track),
		localTrack: track,
		encoder:    enc,
		decoders:   make(map[string]*remoteAudio),
		pb:         newPlayback(),
		stop:       make(chan struct{}),
	}
	e.wirePeerManager(ctx, s)
	e.session = s
	e.spawnPlaybackFlusher(s)

	// Device acquisition failures are degraded-mode, not fatal (§7 "Device
	// acquisition failure"): the join proceeds without mic/speaker.
	if mic, err := startMicCapture(); err != nil {
		log.Printf("media: mic capture unavailable, joining without mic: %v", err)
	} else {
		s.mic = mic
		e.spawnAudioReader(s)
	}
	if spk, err := startSpeakerPlayback(s.pb); err != nil {
		log.Printf("media: speaker playback unavailable: %v", err)
	} else {
		s.speaker = spk
	}

	e.setStatus(func(st *Status) {
		*st = Status{Active: true, RoomID: roomID, ChannelID: channelID}
	})
	activeSessionsGauge.Set(1)
	e.broadcastVoiceState(ctx)
}

func (e *Engine) leaveLocked(ctx context.Context) {
	s := e.session
	if s == nil {
		return
	}
	e.session = nil
	activeSessionsGauge.Set(0)

	// Broadcast the leave before tearing down, so peers see VoiceState first
	// (§4.3 "leave: broadcast VoiceState{channel = None}, close all peer
	// connections...").
	e.signal.SendVoiceSignal(ctx, s.roomID, proto.Envelope{
		Type:             proto.TypeVoiceState,
		PeerID:           e.selfID,
		RoomID:           s.roomID,
		InVoiceChannelID: nil,
	})

	close(s.stop)

	// Close peer connections and devices before waiting: the remote-track
	// readers block in RTP reads that only unblock once their connection
	// closes, and the mic/camera/screen readers block in device reads that
	// only unblock once their device handle closes.
	s.peers.CloseAll()
	if s.mic != nil {
		s.mic.Close()
	}
	if s.speaker != nil {
		s.speaker.Close()
	}
	if s.camera != nil {
		_ = s.camera.Close()
	}
	if s.screen != nil {
		_ = s.screen.Close()
	}

	s.wg.Wait()
	e.frames.Remove(e.selfID)

	e.setStatus(func(st *Status) { *st = Status{} })
}

// spawnPlaybackFlusher closes out the shared output ring's in-flight block
// once per 20ms block period, independent of any single remote track's
// packet arrival timing: mix() only accumulates into the in-flight block,
// so without this periodic flush a block mixed from multiple peers would
// never reach the ring the playback device reads from.
func (e *Engine) spawnPlaybackFlusher(s *voiceSession) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.pb.flush()
			}
		}
	}()
}

// --- Audio path ---------------------------------------------------------

func (e *Engine) spawnAudioReader(s *voiceSession) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stop:
				return
			case block, ok := <-s.mic.Blocks():
				if !ok {
					return
				}
				e.enqueue(func() { e.onAudioBlock(s, block) })
			}
		}
	}()
}

// onAudioBlock runs on the engine's single goroutine: it always updates
// VAD/level (even while muted, per §4.3 "Muted blocks skip step 2 but
// still update the level"), then Opus-encodes and writes to the local
// track unless muted.
func (e *Engine) onAudioBlock(s *voiceSession, block []int16) {
	if e.session != s {
		return
	}
	speaking, edge := s.vad.observe(block)
	e.setStatus(func(st *Status) { st.AudioLevel = s.vad.level })
	if edge {
		e.setStatus(func(st *Status) { st.Speaking = speaking })
		e.publishSpeaking(speaking)
	}

	if e.Status().Muted {
		return
	}

	payload, err := s.encoder.Encode(block, blockSize, opusMaxBytes)
	if err != nil {
		log.Printf("media: opus encode: %v", err)
		return
	}
	if err := s.localTrack.WriteSample(pionmedia.Sample{Data: payload, Duration: webrtc.AudioSampleDuration}); err != nil {
		log.Printf("media: write audio sample: %v", err)
	}
}

func (e *Engine) publishSpeaking(speaking bool) {
	e.bus.Publish("SpeakingChanged", map[string]any{"peer_id": e.selfID, "speaking": speaking})
}

// decoderFor returns (creating if necessary) the Opus decoder + VAD state
// for peerID.
func (e *Engine) decoderFor(s *voiceSession, peerID string) (*remoteAudio, error) {
	s.decodersMu.Lock()
	defer s.decodersMu.Unlock()
	if ra, ok := s.decoders[peerID]; ok {
		return ra, nil
	}
	d, err := gopus.NewDecoder(sampleRate, captureChannels)
	if err != nil {
		return nil, err
	}
	ra := &remoteAudio{decoder: d}
	s.decoders[peerID] = ra
	return ra, nil
}

func (e *Engine) dropDecoder(peerID string) {
	if e.session == nil {
		return
	}
	e.session.decodersMu.Lock()
	delete(e.session.decoders, peerID)
	e.session.decodersMu.Unlock()
}

// remoteAudioReader loops: read RTP packet → skip if payload empty →
// decode via that peer's Opus decoder → try-send into the playback queue
// (§4.3 "Remote audio"). One task per incoming track; terminates on read
// error or disconnect (§5).
func (e *Engine) remoteAudioReader(s *voiceSession, peerID string, track *pion.TrackRemote) {
	defer s.wg.Done()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		ra, err := e.decoderFor(s, peerID)
		if err != nil {
			continue
		}
		pcm, err := ra.decoder.Decode(pkt.Payload, blockSize, false)
		if err != nil {
			// Decode error: drop the frame, no propagation (§7).
			framesDroppedTotal.WithLabelValues("opus_decode_error").Inc()
			continue
		}

		_, edge := ra.vad.observe(pcm)
		deafened := e.Status().Deafened
		if edge && !deafened {
			// Deafened suppresses voice-activity events from remote tracks
			// to the UI while continued reading keeps resume immediate
			// (§4.3 "Deafened semantics").
			e.bus.Publish("SpeakingChanged", map[string]any{"peer_id": peerID, "speaking": ra.vad.speaking})
		}
		if !deafened {
			s.pb.mix(pcm)
		}

		select {
		case <-s.stop:
			return
		default:
		}
	}
}

// --- Video / screen path -------------------------------------------------

func (e *Engine) spawnVideoReader(ctx context.Context, src *videoSource, frameType byte) {
	s := e.session
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			jpeg, err := src.readJPEG()
			if err != nil {
				return
			}
			select {
			case <-s.stop:
				return
			default:
			}
			e.enqueue(func() { e.onLocalFrame(s, frameType, jpeg) })
		}
	}()
}

// onLocalFrame implements Invariant 5: every locally produced JPEG frame is
// pushed to the frame server under the local peer id and dispatched to
// every connected peer, chunked iff necessary.
func (e *Engine) onLocalFrame(s *voiceSession, frameType byte, jpeg []byte) {
	if e.session != s {
		return
	}
	switch frameType {
	case webrtc.FrameTypeVideo:
		e.frames.PushVideoFrame(e.selfID, jpeg)
		s.peers.BroadcastVideoFrame(jpeg)
	case webrtc.FrameTypeScreen:
		e.frames.PushScreenFrame(e.selfID, jpeg)
		s.peers.BroadcastScreenFrame(jpeg)
	}
}

// --- Peer manager wiring --------------------------------------------

func (e *Engine) wirePeerManager(ctx context.Context, s *voiceSession) {
	s.peers.OnICECandidate(func(peerID, candidateJSON string) {
		e.enqueue(func() {
			if e.session != s {
				return
			}
			e.sendSignal(ctx, proto.TypeICECandidate, peerID, "", candidateJSON)
		})
	})

	s.peers.OnConnectionState(func(peerID string, state pion.PeerConnectionState) {
		e.enqueue(func() {
			if e.session != s {
				return
			}
			switch state {
			case pion.PeerConnectionStateFailed, pion.PeerConnectionStateDisconnected, pion.PeerConnectionStateClosed:
				e.dropDecoder(peerID)
				e.frames.Remove(peerID)
				e.bus.Publish("VoiceDisconnected", peerID)
			case pion.PeerConnectionStateConnected:
				e.bus.Publish("VoiceConnected", peerID)
			}
		})
	})

	s.peers.OnRemoteTrack(func(peerID string, track *pion.TrackRemote) {
		s.wg.Add(1)
		go e.remoteAudioReader(s, peerID, track)
	})

	s.peers.OnFrame(func(peerID string, frameType byte, jpeg []byte) {
		switch frameType {
		case webrtc.FrameTypeVideo:
			e.frames.PushVideoFrame(peerID, jpeg)
		case webrtc.FrameTypeScreen:
			e.frames.PushScreenFrame(peerID, jpeg)
		}
	})
}

func (e *Engine) sendSignal(ctx context.Context, envType, toPeerID, sdp, candidate string) {
	if e.session == nil {
		return
	}
	e.signal.SendVoiceSignal(ctx, e.session.roomID, proto.Envelope{
		Type:         envType,
		From:         e.selfID,
		To:           toPeerID,
		RoomID:       e.session.roomID,
		SDP:          sdp,
		ICECandidate: candidate,
	})
}

// broadcastVoiceState publishes the current voice state to the room,
// rebroadcast on every state-changing command and periodically by Run's
// ticker (the engine's own periodic state-broadcast trigger, §4.3).
func (e *Engine) broadcastVoiceState(ctx context.Context) {
	s := e.session
	if s == nil {
		return
	}
	st := e.Status()
	channelID := s.channelID
	e.signal.SendVoiceSignal(ctx, s.roomID, proto.Envelope{
		Type:             proto.TypeVoiceState,
		PeerID:           e.selfID,
		RoomID:           s.roomID,
		InVoiceChannelID: &channelID,
		Muted:            st.Muted,
		Deafened:         st.Deafened,
		CameraOn:         st.CameraOn,
		ScreenSharing:    st.ScreenSharing,
	})
}
