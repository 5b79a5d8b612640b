package webrtc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// TestMain checks this package's tests leave no goroutines running. The
// reassembly/tie-break tests here never establish a real ICE connection, so
// any lingering goroutine would indicate a leak in the code under test
// rather than an artifact of a live peer connection.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestShouldOffer(t *testing.T) {
	assert.True(t, ShouldOffer("peerA", "peerB"), "lexicographically lower peer must offer")
	assert.False(t, ShouldOffer("peerB", "peerA"), "lexicographically higher peer must not offer")
	assert.False(t, ShouldOffer("same", "same"), "a peer never offers to itself")
}

// buildChunks splits jpeg exactly the way sendChunked does, without a real
// data channel, so the reassembly path can be tested standalone.
func buildChunks(frameType byte, frameID uint32, jpeg []byte) [][]byte {
	chunkPayload := MaxDataChannelMessage - ChunkHeaderSize
	total := (len(jpeg) + chunkPayload - 1) / chunkPayload
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkPayload
		end := start + chunkPayload
		if end > len(jpeg) {
			end = len(jpeg)
		}
		buf := make([]byte, ChunkHeaderSize+(end-start))
		buf[0] = FrameTypeChunk
		buf[1] = frameType
		buf[2] = byte(frameID)
		buf[3] = byte(frameID >> 8)
		buf[4] = byte(frameID >> 16)
		buf[5] = byte(frameID >> 24)
		buf[6] = byte(total)
		buf[7] = byte(total >> 8)
		buf[8] = byte(i)
		buf[9] = byte(i >> 8)
		copy(buf[ChunkHeaderSize:], jpeg[start:end])
		out = append(out, buf)
	}
	return out
}

func TestChunkReassembly(t *testing.T) {
	jpeg := bytes.Repeat([]byte{0xAB}, MaxDataChannelMessage*2+137)

	var got []byte
	m := &Manager{peers: make(map[string]*peerConn)}
	m.OnFrame(func(peerID string, frameType byte, data []byte) {
		got = data
	})

	pconn := &peerConn{chunks: make(map[chunkKey]*pendingFrame)}
	for _, chunk := range buildChunks(FrameTypeVideo, 1, jpeg) {
		m.handleChunk("peerX", pconn, chunk)
	}

	assert.True(t, bytes.Equal(got, jpeg), "reassembled frame mismatch: got %d bytes, want %d", len(got), len(jpeg))
}

func TestChunkReassemblyDropsOutOfOrderDuplicate(t *testing.T) {
	jpeg := bytes.Repeat([]byte{0x01}, MaxDataChannelMessage+50)
	chunks := buildChunks(FrameTypeScreen, 5, jpeg)

	var gotCount int
	m := &Manager{peers: make(map[string]*peerConn)}
	m.OnFrame(func(peerID string, frameType byte, data []byte) {
		gotCount++
	})

	pconn := &peerConn{chunks: make(map[chunkKey]*pendingFrame)}
	// Deliver the first chunk twice before the rest; the duplicate must be
	// ignored rather than double-counted toward completion.
	m.handleChunk("peerX", pconn, chunks[0])
	m.handleChunk("peerX", pconn, chunks[0])
	for _, chunk := range chunks[1:] {
		m.handleChunk("peerX", pconn, chunk)
	}

	assert.Equal(t, 1, gotCount, "expected exactly one reassembled frame")
}

func TestEvictOldChunkEntries(t *testing.T) {
	chunks := map[chunkKey]*pendingFrame{
		{frameType: FrameTypeVideo, frameID: 1}: {total: 2, parts: make([][]byte, 2)},
	}
	evictOld(chunks, 1+evictAge+1)
	assert.Empty(t, chunks, "expected stale entry to be evicted")
}

func TestSingleFragmentFrameBypassesChunking(t *testing.T) {
	small := []byte{1, 2, 3, 4}
	var got []byte
	var gotType byte
	m := &Manager{peers: make(map[string]*peerConn)}
	m.OnFrame(func(peerID string, frameType byte, data []byte) {
		got = data
		gotType = frameType
	})

	msg := append([]byte{FrameTypeVideo}, small...)
	pconn := &peerConn{chunks: make(map[chunkKey]*pendingFrame)}
	m.handleFrameMessage("peerX", pconn, msg)

	assert.Equal(t, byte(FrameTypeVideo), gotType)
	assert.True(t, bytes.Equal(got, small), "expected passthrough of single-fragment frame, got data=%v", got)
}
