package audio

import (
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

// sincResamplerParams are the pipeline constants both peers must agree on:
// sinc_len 256, cutoff 0.95, Blackman-Harris2 window, oversampling 256,
// linear interpolation.
var sincResamplerParams = resampler.Config{
	SincLen:       256,
	Cutoff:        0.95,
	Window:        resampler.WindowBlackmanHarris2,
	Oversample:    256,
	Interpolation: resampler.InterpolationLinear,
}

// SincResampler adapts github.com/tphakala/go-audio-resampler to the
// Resampler interface, used both for denoise-path rate conversion and for
// the output processor's conversion to the local device's sample rate.
type SincResampler struct {
	r *resampler.Resampler
}

// NewSincResampler builds a mono resampler using sincResamplerParams.
func NewSincResampler() (*SincResampler, error) {
	r, err := resampler.New(1, sincResamplerParams)
	if err != nil {
		return nil, fmt.Errorf("audio: build resampler: %w", err)
	}
	return &SincResampler{r: r}, nil
}

// Resample implements Resampler.
func (s *SincResampler) Resample(in []float32, dstRate, srcRate int) []float32 {
	if dstRate == srcRate {
		return in
	}
	out, err := s.r.Process(in, float64(dstRate)/float64(srcRate))
	if err != nil {
		// Resampling should not fail for well-formed input; fall back to
		// passing the frame through unresampled rather than dropping audio
		// entirely.
		return in
	}
	return out
}

// Close releases the resampler's internal state.
func (s *SincResampler) Close() error {
	return s.r.Close()
}
