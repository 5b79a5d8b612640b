package media

import "testing"

func TestPlaybackMixAdditiveClamp(t *testing.T) {
	p := newPlayback()
	loud := make([]int16, blockSize)
	for i := range loud {
		loud[i] = 32767
	}
	p.mix(loud)
	p.mix(loud) // two peers speaking at full volume simultaneously
	p.flush()

	blocks := p.drain()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 flushed block, got %d", len(blocks))
	}
	for _, v := range blocks[0] {
		if v > 1.0 || v < -1.0 {
			t.Fatalf("mixed sample out of range: %f", v)
		}
	}
}

func TestPlaybackDeafenedDropsFlushedBlocks(t *testing.T) {
	p := newPlayback()
	p.setDeafened(true)
	p.mix(make([]int16, blockSize))
	p.flush()

	if got := len(p.drain()); got != 0 {
		t.Fatalf("expected no buffered blocks while deafened, got %d", got)
	}
}

func TestPlaybackRingDropsOldestWhenFull(t *testing.T) {
	p := newPlayback()
	for i := 0; i < ringBlocks+3; i++ {
		p.mix(make([]int16, blockSize))
		p.flush()
	}
	blocks := p.drain()
	if len(blocks) != ringBlocks {
		t.Fatalf("expected ring capped at %d blocks, got %d", ringBlocks, len(blocks))
	}
}

func TestPlaybackDrainEmptiesRing(t *testing.T) {
	p := newPlayback()
	p.mix(make([]int16, blockSize))
	p.flush()
	_ = p.drain()
	if got := p.bufferedSamples(); got != 0 {
		t.Fatalf("expected ring empty after drain, got %d buffered samples", got)
	}
}
