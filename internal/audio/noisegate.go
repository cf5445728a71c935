package audio

// NoiseGate zeroes capture-side frames whose RMS falls below threshold,
// independent of the hysteretic SilenceGate: it cleans the signal itself
// before AGC/encode run on it, whereas SilenceGate only decides whether a
// frame is reported as silence for transmission. A short hold period keeps
// the gate from chopping speech during brief pauses.
type NoiseGate struct {
	threshold float32
	hold      int
	remaining int
	open      bool
}

const (
	// DefaultNoiseGateThreshold is the RMS level below which audio is
	// gated (~-40 dBFS).
	DefaultNoiseGateThreshold = float32(0.01)

	// DefaultNoiseGateHold is the number of frames the gate stays open
	// after the signal drops below threshold (200ms at 10ms/frame).
	DefaultNoiseGateHold = 20
)

// NewNoiseGate returns a Gate using the default threshold and hold.
func NewNoiseGate() *NoiseGate {
	return &NoiseGate{threshold: DefaultNoiseGateThreshold, hold: DefaultNoiseGateHold}
}

// Process zeroes samples in place when the gate is closed.
func (g *NoiseGate) Process(samples []float32) {
	if RMS(samples) >= g.threshold {
		g.open = true
		g.remaining = g.hold
	} else if g.remaining > 0 {
		g.remaining--
	} else {
		g.open = false
	}

	if !g.open {
		for i := range samples {
			samples[i] = 0
		}
	}
}
