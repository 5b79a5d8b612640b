package media

import "testing"

func TestVADSilenceNeverSpeaks(t *testing.T) {
	v := &vadState{}
	block := make([]int16, 960)
	speaking, edge := v.observe(block)
	if speaking || edge {
		t.Fatalf("silent block must not trigger speaking, got speaking=%v edge=%v", speaking, edge)
	}
}

func TestVADLoudBlockTriggersSpeakingEdge(t *testing.T) {
	v := &vadState{}
	block := make([]int16, 960)
	for i := range block {
		block[i] = 20000
	}
	speaking, edge := v.observe(block)
	if !speaking || !edge {
		t.Fatalf("loud block must trigger a speaking edge, got speaking=%v edge=%v", speaking, edge)
	}
}

func TestVADNoEdgeOnSustainedSpeech(t *testing.T) {
	v := &vadState{}
	loud := make([]int16, 960)
	for i := range loud {
		loud[i] = 20000
	}
	v.observe(loud)
	_, edge := v.observe(loud)
	if edge {
		t.Fatal("a second consecutive loud block must not re-trigger the edge")
	}
}

func TestVADReturnsToSilenceEdge(t *testing.T) {
	v := &vadState{}
	loud := make([]int16, 960)
	for i := range loud {
		loud[i] = 20000
	}
	silent := make([]int16, 960)

	v.observe(loud)
	for i := 0; i < 20; i++ {
		v.observe(silent)
	}
	if v.speaking {
		t.Fatal("sustained silence should eventually decay the EMA below threshold")
	}
}
