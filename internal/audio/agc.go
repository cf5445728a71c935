package audio

// AGC is a single-channel automatic gain control processor applied to
// capture-side samples after the fixed InputGain multiplier and after
// denoise. It monitors short-term RMS and adjusts a multiplicative gain
// toward a target level with independent attack/release time constants,
// clamped to [minGain, maxGain] to keep silence from being amplified into
// noise.
type AGC struct {
	target float64
	gain   float64
}

const (
	// DefaultAGCTarget is the desired RMS level (linear, ~-14 dBFS).
	DefaultAGCTarget = 0.20

	minAGCGain = 0.1
	maxAGCGain = 10.0

	agcAttackCoeff  = 0.80
	agcReleaseCoeff = 0.02

	// agcMinRMS suppresses gain updates on frames at/below the noise floor.
	agcMinRMS = 0.001
)

// NewAGC returns an AGC targeting DefaultAGCTarget with unity starting gain.
func NewAGC() *AGC {
	return &AGC{target: DefaultAGCTarget, gain: 1.0}
}

// Process adjusts samples in place, updating the internal gain estimate from
// the frame's RMS before applying it.
func (a *AGC) Process(samples []float32) {
	rms := float64(RMS(samples))
	if rms > agcMinRMS {
		if rms > a.target {
			a.gain -= (a.gain - a.target/rms) * agcAttackCoeff
		} else {
			a.gain += (a.target/rms - a.gain) * agcReleaseCoeff
		}
		if a.gain < minAGCGain {
			a.gain = minAGCGain
		} else if a.gain > maxAGCGain {
			a.gain = maxAGCGain
		}
	}

	gain := float32(a.gain)
	for i, s := range samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
}
