package audio

import (
	"github.com/chanderlud/telepathy/internal/coretypes"
)

// OutputConfig configures one OutputProcessor instance.
type OutputConfig struct {
	In           *Unbounded[ProcessorMessage]
	PlaybackRing *Ring[float32]
	Resampler    Resampler
	OutputRate   int // local playback device's sample rate

	Gain     *coretypes.AtomicFloat32
	StatsRMS chan<- float32

	// EchoCanceller, if set, receives each frame as the far-end reference
	// for the input side's echo subtraction.
	EchoCanceller *EchoCanceller
}

// OutputProcessor is the blocking decode-output→playback-ring loop.
type OutputProcessor struct {
	cfg  OutputConfig
	stop chan struct{}
	done chan struct{}
}

// NewOutputProcessor builds a processor ready to Run.
func NewOutputProcessor(cfg OutputConfig) *OutputProcessor {
	if cfg.Gain == nil {
		cfg.Gain = coretypes.NewAtomicFloat32(1.0)
	}
	return &OutputProcessor{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
}

// Stop requests the loop to exit.
func (p *OutputProcessor) Stop() { close(p.stop) }

// Done reports when the loop has exited.
func (p *OutputProcessor) Done() <-chan struct{} { return p.done }

// Run drains cfg.In, producing playback samples until Stop is called or the
// input queue closes.
func (p *OutputProcessor) Run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		msg, ok := p.cfg.In.Pop()
		if !ok {
			return
		}

		var samples []float32
		switch msg.Kind {
		case MsgSilence:
			samples = make([]float32, coretypes.FrameSize)
		case MsgData:
			samples = toFloat32(int16FromLEBytes(msg.Data))
		case MsgSamples:
			samples = toFloat32(msg.Samples)
		}

		gain := p.cfg.Gain.Load()
		for i, s := range samples {
			samples[i] = s * gain
		}

		rms := RMS(samples)
		if p.cfg.StatsRMS != nil {
			select {
			case p.cfg.StatsRMS <- rms:
			default:
			}
		}

		if p.cfg.EchoCanceller != nil {
			p.cfg.EchoCanceller.FeedFarEnd(samples)
		}

		if p.cfg.Resampler != nil && p.cfg.OutputRate != 0 && p.cfg.OutputRate != 48000 {
			samples = p.cfg.Resampler.Resample(samples, p.cfg.OutputRate, 48000)
		}

		p.cfg.PlaybackRing.PushN(samples)
	}
}

// PullPlaybackFrame is invoked by the real-time playback callback: for each
// output-channel slot it pulls one sample and replicates it across all
// channels. It does not allocate; each Ring.Pop briefly takes the ring's
// mutex.
func PullPlaybackFrame(ring *Ring[float32], out []float32, channels int, deafened bool) {
	if deafened {
		for i := range out {
			out[i] = 0
		}
		return
	}
	frames := len(out) / channels
	for f := 0; f < frames; f++ {
		v, ok := ring.Pop()
		if !ok {
			v = 0
		}
		for c := 0; c < channels; c++ {
			out[f*channels+c] = v
		}
	}
}
