package media

import "math"

// vadThreshold and emaAlpha are spec-fixed constants (§4.3 "Audio path").
const (
	vadThreshold = 0.01
	emaAlpha     = 0.3
)

// vadState tracks the smoothed audio level and speaking edge across blocks.
type vadState struct {
	level    float64
	speaking bool
}

// observe computes RMS over one PCM block (int16, 48 kHz mono, any length),
// smooths it into the running level with a 0.3 EMA, and reports whether a
// speaking-edge transition occurred alongside the new speaking flag.
func (v *vadState) observe(block []int16) (speaking bool, edge bool) {
	rms := rmsOf(block)
	v.level = emaAlpha*rms + (1-emaAlpha)*v.level
	newSpeaking := v.level > vadThreshold
	edge = newSpeaking != v.speaking
	v.speaking = newSpeaking
	return newSpeaking, edge
}

func rmsOf(block []int16) float64 {
	if len(block) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range block {
		f := float64(s) / 32768.0
		sumSq += f * f
	}
	return math.Sqrt(sumSq / float64(len(block)))
}
