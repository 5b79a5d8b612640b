package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// sampleRate and captureChannels are fixed by spec §4.3's audio path.
const (
	sampleRate      = 48000
	captureChannels = 1
)

// micCapture owns the capture device on its own OS thread (malgo runs its
// data callback off a dedicated audio thread internally); Close sets the
// shared stop flag by tearing the device down, matching §5's "dedicated OS
// threads whose lifetime is tied to a handle object that sets a shared stop
// flag on drop" discipline.
type micCapture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	blocks chan []int16

	pendingMu sync.Mutex
	pending   []int16

	closed atomic.Bool
}

// startMicCapture opens the default capture device and streams fixed
// 960-sample (20ms) mono PCM blocks onto the returned channel.
func startMicCapture() (*micCapture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &micCapture{ctx: ctx, blocks: make(chan []int16, 8)}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = captureChannels
	cfg.SampleRate = sampleRate
	cfg.Alsa.NoMMap = 1

	onData := func(_, input []byte, frameCount uint32) {
		m.accumulate(input, int(frameCount))
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		_ = ctx.Uninit()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	m.device = device
	return m, nil
}

func (m *micCapture) accumulate(input []byte, frameCount int) {
	if m.closed.Load() {
		return
	}
	samples := bytesToInt16(input, frameCount*captureChannels)

	m.pendingMu.Lock()
	m.pending = append(m.pending, samples...)
	for len(m.pending) >= blockSize {
		block := make([]int16, blockSize)
		copy(block, m.pending[:blockSize])
		m.pending = m.pending[blockSize:]
		select {
		case m.blocks <- block:
		default:
			// Engine fell behind; drop the block rather than block the
			// audio device thread.
		}
	}
	m.pendingMu.Unlock()
}

// Blocks returns the channel of captured 960-sample PCM blocks.
func (m *micCapture) Blocks() <-chan []int16 { return m.blocks }

// Close stops and tears down the capture device.
func (m *micCapture) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if m.device != nil {
		m.device.Uninit()
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
	}
}

// speakerPlayback owns the playback device and pulls mixed blocks from a
// *playback on every callback.
type speakerPlayback struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	source  *playback
	carry   []float32
	closed  atomic.Bool
}

func startSpeakerPlayback(src *playback) (*speakerPlayback, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	s := &speakerPlayback{ctx: ctx, source: src}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = captureChannels
	cfg.SampleRate = sampleRate

	onData := func(output, _ []byte, frameCount uint32) {
		s.fill(output, int(frameCount))
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		_ = ctx.Uninit()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	s.device = device
	return s, nil
}

func (s *speakerPlayback) fill(output []byte, frameCount int) {
	need := frameCount * captureChannels
	for len(s.carry) < need {
		blocks := s.source.drain()
		if len(blocks) == 0 {
			break
		}
		for _, b := range blocks {
			s.carry = append(s.carry, b...)
		}
	}

	n := need
	if n > len(s.carry) {
		n = len(s.carry)
	}
	for i := 0; i < n; i++ {
		v := int16(s.carry[i] * 32767)
		output[2*i] = byte(v)
		output[2*i+1] = byte(v >> 8)
	}
	for i := n * 2; i < len(output); i++ {
		output[i] = 0
	}
	s.carry = s.carry[n:]
}

func (s *speakerPlayback) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.device != nil {
		s.device.Uninit()
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
	}
}

func bytesToInt16(b []byte, maxSamples int) []int16 {
	n := len(b) / 2
	if n > maxSamples {
		n = maxSamples
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}
