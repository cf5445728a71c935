package audio

import (
	"log"
	"sync/atomic"

	"github.com/chanderlud/telepathy/internal/coretypes"
)

// InputConfig configures one InputProcessor instance.
type InputConfig struct {
	Device       CaptureDevice
	Denoiser     Denoiser // nil disables denoise
	Resampler    Resampler
	CodecEnabled bool

	// EchoCanceller, NoiseGate, and AGC are optional pre-denoise/post-denoise
	// cleanup stages; nil disables each independently.
	EchoCanceller *EchoCanceller
	NoiseGate     *NoiseGate
	AGC           *AGC

	Muted *atomic.Bool
	Gain  *coretypes.AtomicFloat32 // input gain multiplier, default 1.0

	StatsRMS chan<- float32 // non-blocking push; stats collector drains
	Out      *Unbounded[ProcessorMessage]
}

// InputProcessor is the blocking capture→processing loop. It
// runs on a dedicated goroutine pinned to real work (no channel awaits
// beyond reading its own device and writing to the unbounded output queue,
// consistent with "DSP loops never await").
type InputProcessor struct {
	cfg  InputConfig
	gate *SilenceGate
	stop chan struct{}
	done chan struct{}
}

// NewInputProcessor builds a processor ready to Run.
func NewInputProcessor(cfg InputConfig) *InputProcessor {
	if cfg.Gain == nil {
		cfg.Gain = coretypes.NewAtomicFloat32(1.0)
	}
	return &InputProcessor{cfg: cfg, gate: NewSilenceGate(), stop: make(chan struct{}), done: make(chan struct{})}
}

// Stop requests the loop to exit after its current frame.
func (p *InputProcessor) Stop() { close(p.stop) }

// Done reports when the loop has exited.
func (p *InputProcessor) Done() <-chan struct{} { return p.done }

// Run executes the capture loop until Stop is called or the device errs.
func (p *InputProcessor) Run() {
	defer close(p.done)
	deviceRate := p.cfg.Device.SampleRate()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		frame, err := p.cfg.Device.ReadFrame()
		if err != nil {
			log.Printf("[audio] capture device error: %v", err)
			return
		}

		if p.cfg.Muted != nil && p.cfg.Muted.Load() {
			p.cfg.Out.Push(Silence())
			continue
		}

		samples := toFloat32(frame)

		const denoiseNativeRate = 48000
		if p.cfg.Denoiser != nil && p.cfg.Resampler != nil && deviceRate != denoiseNativeRate {
			samples = p.cfg.Resampler.Resample(samples, denoiseNativeRate, deviceRate)
		}

		if p.cfg.EchoCanceller != nil {
			p.cfg.EchoCanceller.Process(samples)
		}
		if p.cfg.NoiseGate != nil {
			p.cfg.NoiseGate.Process(samples)
		}

		gain := float32(1.0)
		if p.cfg.Gain != nil {
			gain = p.cfg.Gain.Load()
		}
		applyGainClamped(samples, gain)

		if p.cfg.Denoiser != nil {
			p.cfg.Denoiser.Process(samples)
		}
		if p.cfg.AGC != nil {
			p.cfg.AGC.Process(samples)
		}

		rms := RMS(samples)
		if p.cfg.StatsRMS != nil {
			select {
			case p.cfg.StatsRMS <- rms:
			default:
			}
		}

		if p.gate.Evaluate(rms) {
			p.cfg.Out.Push(Silence())
			continue
		}

		pcm := toInt16(samples)
		if p.cfg.CodecEnabled {
			p.cfg.Out.Push(SamplesMsg(pcm))
		} else {
			p.cfg.Out.Push(DataMsg(int16LEBytes(pcm)))
		}
	}
}

func toFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func toInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clampInt16(s * 32768.0)
	}
	return out
}

func applyGainClamped(samples []float32, gain float32) {
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

func clampInt16(v float32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func int16LEBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func int16FromLEBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}
