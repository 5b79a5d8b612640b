package media

import (
	"sync"

	"github.com/chatr/chatr/internal/util"
)

// blockSize is one 20ms PCM block at 48 kHz mono (§4.3 "exactly 960 samples").
const blockSize = 960

// ringBlocks is the playback ring buffer's capacity in 20ms blocks: 5 blocks
// * 960 samples = 4800 samples, the ~100ms cap named in Invariant 7.
const ringBlocks = 4800 / blockSize

// playback is the shared output ring (§4.3 "Audio mixing"/"Remote audio").
// Every remote-track-reader task mixes its decoded PCM into the in-flight
// block by additive summation with clamping; a ticker flushes the completed
// block into the ring so oversupply drops the oldest block rather than
// blocking any reader.
type playback struct {
	mu        sync.Mutex
	pending   []float32
	deafened  bool
	ring      *util.RingBuffer[[]float32]
}

func newPlayback() *playback {
	return &playback{ring: util.NewRingBuffer[[]float32](ringBlocks)}
}

// mix adds one peer's decoded int16 PCM block into the in-flight output
// block, clamped to [-1.0, 1.0] (Invariant: "Audio mixing").
func (p *playback) mix(samples []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = make([]float32, blockSize)
	}
	for i, s := range samples {
		if i >= len(p.pending) {
			break
		}
		v := p.pending[i] + float32(s)/32768.0
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		p.pending[i] = v
	}
}

// flush closes out the in-flight block and pushes it onto the ring, unless
// deafened (in which case playback is silenced but mixing keeps running so
// resuming is immediate, per §4.3 "Deafened semantics").
func (p *playback) flush() {
	p.mu.Lock()
	block := p.pending
	p.pending = nil
	deafened := p.deafened
	p.mu.Unlock()
	if block == nil || deafened {
		return
	}
	p.ring.Push(block)
}

func (p *playback) setDeafened(v bool) {
	p.mu.Lock()
	p.deafened = v
	p.mu.Unlock()
}

// drain returns every buffered block, oldest first, and empties the ring for
// the playback device thread to write out on its next callback.
func (p *playback) drain() [][]float32 {
	p.mu.Lock()
	ring := p.ring
	p.ring = util.NewRingBuffer[[]float32](ringBlocks)
	p.mu.Unlock()
	return ring.Snapshot()
}

// bufferedSamples reports how many samples are currently queued in the ring.
func (p *playback) bufferedSamples() int {
	return p.ring.Len() * blockSize
}
