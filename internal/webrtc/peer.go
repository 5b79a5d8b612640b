// Package webrtc is the WebRTC peer manager (spec §4.4): it owns one
// audio-RTP track (encoder side) plus a map of peer id → peer connection
// and peer id → data channel, the tie-break rule that guarantees exactly
// one offer per ordered pair, and the chunked data-channel frame wire
// format used for video/screen frames.
package webrtc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
)

// Frame type prefixes (§4.4 "Frame wire format over data channel").
const (
	FrameTypeVideo  byte = 'V'
	FrameTypeScreen byte = 'S'
	FrameTypeChunk  byte = 'C'

	// MaxDataChannelMessage is the largest payload sent in one data-channel
	// message, kept below the 16 KB SCTP limit.
	MaxDataChannelMessage = 15000

	// ChunkHeaderSize is the fixed header prepended to every chunk: type
	// byte, frame-type byte, u32 frame id, u16 total chunks, u16 index.
	ChunkHeaderSize = 10

	// DataChannelLabel is the label used by the offerer when creating the
	// per-connection data channel for video/screen frames.
	DataChannelLabel = "media-frames"

	// evictAge bounds how many frame ids old a pending reassembly entry may
	// be before it is dropped, per §5 "Chunk-reassembly tables evict
	// entries whose frame id is more than 4 old."
	evictAge = 4
)

// RemoteTrackHandler is invoked once per incoming audio RTP track.
type RemoteTrackHandler func(peerID string, track *pion.TrackRemote)

// ICECandidateHandler is invoked with the JSON-encoded ICE candidate to be
// forwarded over the overlay by the signaling glue.
type ICECandidateHandler func(peerID, candidateJSON string)

// ConnectionStateHandler is invoked on every peer connection state
// transition, used by the media engine to trigger cleanup on
// failed/disconnected/closed.
type ConnectionStateHandler func(peerID string, state pion.PeerConnectionState)

// FrameHandler is invoked once per fully reassembled video/screen frame
// received from a peer (Invariant 6: byte-for-byte identical to the
// sender's original JPEG).
type FrameHandler func(peerID string, frameType byte, jpeg []byte)

// Manager owns every peer connection for the local voice session. A new
// Manager is created on each voice join (§4.3 "create a fresh
// peer-manager") and torn down wholesale on leave.
type Manager struct {
	selfID string

	localAudioTrack *pion.TrackLocalStaticSample

	onICECandidate    ICECandidateHandler
	onConnectionState ConnectionStateHandler
	onRemoteTrack     RemoteTrackHandler
	onFrame           FrameHandler

	mu    sync.Mutex
	peers map[string]*peerConn

	frameCounter atomic.Uint32
}

type peerConn struct {
	pc *pion.PeerConnection
	dc *pion.DataChannel

	mu     sync.Mutex
	chunks map[chunkKey]*pendingFrame
}

type chunkKey struct {
	frameType byte
	frameID   uint32
}

type pendingFrame struct {
	total   uint16
	parts   [][]byte
	got     int
}

// stunServers is the two public STUN endpoints used for every connection
// (§4.4 "two public STUN endpoints").
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewManager constructs a peer manager for one voice session. localAudioTrack
// is the single Opus-encoded local audio track shared by every connection.
func NewManager(selfID string, localAudioTrack *pion.TrackLocalStaticSample) *Manager {
	return &Manager{
		selfID:          selfID,
		localAudioTrack: localAudioTrack,
		peers:           make(map[string]*peerConn),
	}
}

func (m *Manager) OnICECandidate(h ICECandidateHandler)       { m.onICECandidate = h }
func (m *Manager) OnConnectionState(h ConnectionStateHandler) { m.onConnectionState = h }
func (m *Manager) OnRemoteTrack(h RemoteTrackHandler)         { m.onRemoteTrack = h }
func (m *Manager) OnFrame(h FrameHandler)                     { m.onFrame = h }

// ShouldOffer implements the tie-break rule (§4.4, §9): the local peer
// offers iff its id sorts strictly before the remote id in byte-lexical
// order (never locale-aware). It does not look at existing connections;
// the caller checks separately that no connection to that peer exists yet.
func ShouldOffer(localID, remoteID string) bool {
	return strings.Compare(localID, remoteID) < 0
}

func (m *Manager) hasConnection(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peerID]
	return ok
}

// HasConnection reports whether a connection to peerID already exists
// (Invariant 3: at most one connection per remote peer id per session).
func (m *Manager) HasConnection(peerID string) bool { return m.hasConnection(peerID) }

func (m *Manager) newPeerConnection(peerID string) (*pion.PeerConnection, error) {
	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	interceptorRegistry, err := defaultInterceptors(mediaEngine)
	if err != nil {
		return nil, err
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(interceptorRegistry),
	)

	iceServers := make([]pion.ICEServer, len(stunServers))
	for i, s := range stunServers {
		iceServers[i] = pion.ICEServer{URLs: []string{s}}
	}

	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if m.localAudioTrack != nil {
		sender, err := pc.AddTrack(m.localAudioTrack)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		// Drain RTCP into a throwaway buffer so the sender doesn't stall
		// (§4.4 "Spawn a drain loop on the RTP sender").
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil || m.onICECandidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		m.onICECandidate(peerID, string(b))
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		if state == pion.PeerConnectionStateFailed ||
			state == pion.PeerConnectionStateDisconnected ||
			state == pion.PeerConnectionStateClosed {
			m.ClosePeer(peerID)
		}
		if m.onConnectionState != nil {
			m.onConnectionState(peerID, state)
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		if m.onRemoteTrack != nil {
			m.onRemoteTrack(peerID, track)
		}
	})

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		m.attachDataChannel(peerID, dc)
	})

	return pc, nil
}

// defaultInterceptors wires the standard NACK/RTCP-report/TWCC interceptor
// chain onto mediaEngine, exactly as the teacher's own PeerConnection setup
// does for its VP8/Opus sessions.
func defaultInterceptors(mediaEngine *pion.MediaEngine) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return registry, nil
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) attachDataChannel(peerID string, dc *pion.DataChannel) {
	m.mu.Lock()
	pconn, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	pconn.mu.Lock()
	pconn.dc = dc
	pconn.mu.Unlock()

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		m.handleFrameMessage(peerID, pconn, msg.Data)
	})
}

// CreateOffer builds a fresh peer connection to peerID, creates an SDP
// offer, and returns it JSON-serialized for the signaling glue to
// transmit. It also creates the "media-frames" data channel, since the
// offerer always owns channel creation (§4.4).
func (m *Manager) CreateOffer(peerID string) (string, error) {
	if m.hasConnection(peerID) {
		return "", fmt.Errorf("connection to %s already exists", peerID)
	}

	pc, err := m.newPeerConnection(peerID)
	if err != nil {
		return "", err
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("create data channel: %w", err)
	}

	pconn := &peerConn{pc: pc, dc: dc, chunks: make(map[chunkKey]*pendingFrame)}
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		m.handleFrameMessage(peerID, pconn, msg.Data)
	})

	m.mu.Lock()
	m.peers[peerID] = pconn
	m.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.ClosePeer(peerID)
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.ClosePeer(peerID)
		return "", fmt.Errorf("set local description: %w", err)
	}

	b, err := json.Marshal(offer)
	if err != nil {
		m.ClosePeer(peerID)
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	return string(b), nil
}

// HandleOffer builds a connection if one doesn't already exist, sets the
// remote offer, creates an answer, and returns it JSON-serialized.
func (m *Manager) HandleOffer(peerID, sdpJSON string) (string, error) {
	var offer pion.SessionDescription
	if err := json.Unmarshal([]byte(sdpJSON), &offer); err != nil {
		return "", fmt.Errorf("unmarshal offer: %w", err)
	}

	m.mu.Lock()
	pconn, exists := m.peers[peerID]
	m.mu.Unlock()

	if !exists {
		pc, err := m.newPeerConnection(peerID)
		if err != nil {
			return "", err
		}
		pconn = &peerConn{pc: pc, chunks: make(map[chunkKey]*pendingFrame)}
		m.mu.Lock()
		m.peers[peerID] = pconn
		m.mu.Unlock()
	}

	if err := pconn.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pconn.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pconn.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	b, err := json.Marshal(answer)
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}
	return string(b), nil
}

// HandleAnswer sets the remote description on the existing connection to
// peerID, created earlier by CreateOffer.
func (m *Manager) HandleAnswer(peerID, sdpJSON string) error {
	var answer pion.SessionDescription
	if err := json.Unmarshal([]byte(sdpJSON), &answer); err != nil {
		return fmt.Errorf("unmarshal answer: %w", err)
	}

	m.mu.Lock()
	pconn, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection to %s", peerID)
	}
	if err := pconn.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// HandleICE adds a remote ICE candidate to the existing connection.
func (m *Manager) HandleICE(peerID, candidateJSON string) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &init); err != nil {
		return fmt.Errorf("unmarshal ice candidate: %w", err)
	}

	m.mu.Lock()
	pconn, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection to %s", peerID)
	}
	if err := pconn.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ClosePeer drops the data channel entry and closes the peer connection
// for peerID. Idempotent.
func (m *Manager) ClosePeer(peerID string) {
	m.mu.Lock()
	pconn, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if pconn.dc != nil {
		_ = pconn.dc.Close()
	}
	_ = pconn.pc.Close()
}

// CloseAll tears down every active connection, used on voice leave/rejoin.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peerConn)
	m.mu.Unlock()
	for _, pconn := range peers {
		if pconn.dc != nil {
			_ = pconn.dc.Close()
		}
		_ = pconn.pc.Close()
	}
}

// PeerIDs returns a snapshot of peer ids with an active connection.
func (m *Manager) PeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// SendVideoFrame sends a JPEG camera frame to one connected peer, chunking
// it iff 1+len(jpeg) exceeds MaxDataChannelMessage (Invariant 5).
func (m *Manager) SendVideoFrame(peerID string, jpeg []byte) error {
	return m.sendFrame(peerID, FrameTypeVideo, jpeg)
}

// SendScreenFrame sends a JPEG screen-share frame to one connected peer.
func (m *Manager) SendScreenFrame(peerID string, jpeg []byte) error {
	return m.sendFrame(peerID, FrameTypeScreen, jpeg)
}

// BroadcastVideoFrame dispatches a JPEG camera frame to every connected
// peer (Invariant 5b).
func (m *Manager) BroadcastVideoFrame(jpeg []byte) {
	m.broadcastFrame(FrameTypeVideo, jpeg)
}

// BroadcastScreenFrame dispatches a JPEG screen-share frame to every
// connected peer.
func (m *Manager) BroadcastScreenFrame(jpeg []byte) {
	m.broadcastFrame(FrameTypeScreen, jpeg)
}

func (m *Manager) broadcastFrame(frameType byte, jpeg []byte) {
	for _, peerID := range m.PeerIDs() {
		if err := m.sendFrame(peerID, frameType, jpeg); err != nil {
			log.Printf("webrtc: send %c frame to %s: %v", frameType, peerID, err)
		}
	}
}

func (m *Manager) sendFrame(peerID string, frameType byte, jpeg []byte) error {
	m.mu.Lock()
	pconn, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok || pconn.dc == nil {
		return fmt.Errorf("no data channel to %s", peerID)
	}

	if 1+len(jpeg) <= MaxDataChannelMessage {
		return pconn.dc.Send(append([]byte{frameType}, jpeg...))
	}
	return m.sendChunked(pconn, frameType, jpeg)
}

func (m *Manager) sendChunked(pconn *peerConn, frameType byte, jpeg []byte) error {
	frameID := m.frameCounter.Add(1)
	chunkPayload := MaxDataChannelMessage - ChunkHeaderSize
	total := (len(jpeg) + chunkPayload - 1) / chunkPayload
	if total > 0xffff {
		return fmt.Errorf("frame too large to chunk: %d bytes", len(jpeg))
	}

	for i := 0; i < total; i++ {
		start := i * chunkPayload
		end := start + chunkPayload
		if end > len(jpeg) {
			end = len(jpeg)
		}
		buf := make([]byte, ChunkHeaderSize+(end-start))
		buf[0] = FrameTypeChunk
		buf[1] = frameType
		binary.LittleEndian.PutUint32(buf[2:6], frameID)
		binary.LittleEndian.PutUint16(buf[6:8], uint16(total))
		binary.LittleEndian.PutUint16(buf[8:10], uint16(i))
		copy(buf[ChunkHeaderSize:], jpeg[start:end])
		if err := pconn.dc.Send(buf); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i, total, err)
		}
	}
	return nil
}

// handleFrameMessage decodes one incoming data-channel message: a
// single-fragment video/screen frame, or one chunk of a chunked frame.
// Unknown leading bytes are logged and discarded (§6.2).
func (m *Manager) handleFrameMessage(peerID string, pconn *peerConn, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case FrameTypeVideo, FrameTypeScreen:
		if m.onFrame != nil {
			m.onFrame(peerID, data[0], data[1:])
		}
	case FrameTypeChunk:
		m.handleChunk(peerID, pconn, data)
	default:
		log.Printf("webrtc: unknown data-channel frame type %q from %s, discarding", data[0], peerID)
	}
}

func (m *Manager) handleChunk(peerID string, pconn *peerConn, data []byte) {
	if len(data) < ChunkHeaderSize {
		return
	}
	frameType := data[1]
	frameID := binary.LittleEndian.Uint32(data[2:6])
	total := binary.LittleEndian.Uint16(data[6:8])
	index := binary.LittleEndian.Uint16(data[8:10])
	payload := data[ChunkHeaderSize:]

	key := chunkKey{frameType: frameType, frameID: frameID}

	pconn.mu.Lock()
	defer pconn.mu.Unlock()

	evictOld(pconn.chunks, frameID)

	pf, ok := pconn.chunks[key]
	if !ok {
		pf = &pendingFrame{total: total, parts: make([][]byte, total)}
		pconn.chunks[key] = pf
	}
	if int(index) >= len(pf.parts) || pf.parts[index] != nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	pf.parts[index] = buf
	pf.got++

	if pf.got != int(pf.total) {
		return
	}
	delete(pconn.chunks, key)

	full := make([]byte, 0, len(payload)*int(pf.total))
	for _, part := range pf.parts {
		full = append(full, part...)
	}
	if m.onFrame != nil {
		m.onFrame(peerID, frameType, full)
	}
}

// evictOld drops pending reassembly entries whose frame id is more than
// evictAge older than newID, wrapping-aware per §4.4/§5. Caller holds
// pconn.mu.
func evictOld(chunks map[chunkKey]*pendingFrame, newID uint32) {
	for key := range chunks {
		if int32(newID-key.frameID) > evictAge {
			delete(chunks, key)
		}
	}
}

// NewLocalAudioTrack creates the single local Opus audio track shared by
// every peer connection in a session.
func NewLocalAudioTrack() (*pion.TrackLocalStaticSample, error) {
	return pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "chatr",
	)
}

// AudioSampleDuration is the fixed 20ms block duration used for every
// Opus-encoded audio sample written to the local track.
const AudioSampleDuration = 20 * time.Millisecond
