package audio

import (
	"math"

	"github.com/chanderlud/telepathy/internal/coretypes"
)

// SilenceGate implements hysteretic silence gating: once RMS drops below
// threshold for more than SilenceHysteresisFrames (80) consecutive frames,
// frames are reported as silent; any supra-threshold frame resets the
// counter. The hangover counts up to a fixed limit and then flips rather
// than gating sends directly; the call engine still computes RMS for
// statistics either way.
type SilenceGate struct {
	Threshold float32
	remaining int
}

// DefaultSilenceThreshold is the RMS level below which a frame starts
// counting toward the hangover.
const DefaultSilenceThreshold = 0.005

// NewSilenceGate returns a gate using DefaultSilenceThreshold.
func NewSilenceGate() *SilenceGate {
	return &SilenceGate{Threshold: DefaultSilenceThreshold}
}

// Evaluate advances the gate by one frame's RMS and reports whether the
// frame should be emitted as Silence.
func (g *SilenceGate) Evaluate(rms float32) (silent bool) {
	if rms >= g.Threshold {
		g.remaining = 0
		return false
	}
	if g.remaining < coretypes.SilenceHysteresisFrames {
		g.remaining++
		return false
	}
	return true
}

// RMS computes the root-mean-square level of a float32 frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	mean := sum / float64(len(frame))
	return float32(math.Sqrt(mean))
}
