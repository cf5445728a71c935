package audio

import "sync"

// EchoCanceller is a normalized-least-mean-squares acoustic echo canceller
// shared between one call's InputProcessor and OutputProcessor: the output
// side feeds it the frame just written to the playback ring as the far-end
// reference, and the input side subtracts its estimate of the resulting
// echo from the next captured frame. NLMS tap length and bulk delay are
// independent of FrameSize, so they keep fixed sample counts even though
// this pipeline's frame is 480 samples (10ms).
type EchoCanceller struct {
	mu sync.Mutex

	weights []float64
	tapLen  int
	step    float64

	farBuf    []float32
	farHead   int
	bufLen    int
	delayLen  int
	frameSize int
}

const (
	// echoBulkDelay is the assumed sample delay between playback and the
	// echo reaching the microphone (40ms @ 48kHz).
	echoBulkDelay = 1920
	// echoTaps is the NLMS filter length (10ms @ 48kHz), covering the
	// residual delay/room response after the bulk delay.
	echoTaps = 480
	// echoStep is the NLMS step size mu; conservative to favor stability
	// over fast convergence.
	echoStep = 0.1
)

// NewEchoCanceller builds a canceller for the given frame size in samples.
func NewEchoCanceller(frameSize int) *EchoCanceller {
	bufLen := frameSize + echoBulkDelay + echoTaps
	return &EchoCanceller{
		weights:   make([]float64, echoTaps),
		tapLen:    echoTaps,
		step:      echoStep,
		farBuf:    make([]float32, bufLen),
		bufLen:    bufLen,
		delayLen:  echoBulkDelay,
		frameSize: frameSize,
	}
}

// FeedFarEnd records the most recent playback frame as the far-end
// reference. Called from the output processor after computing playback
// samples, before they reach the ring.
func (a *EchoCanceller) FeedFarEnd(frame []float32) {
	a.mu.Lock()
	for _, s := range frame {
		a.farBuf[a.farHead] = s
		a.farHead = (a.farHead + 1) % a.bufLen
	}
	a.mu.Unlock()
}

// Process subtracts the estimated echo from a captured frame in place.
// Called from the input processor before denoise/AGC/gain.
func (a *EchoCanceller) Process(frame []float32) {
	refLen := a.frameSize + a.tapLen - 1
	ref := make([]float32, refLen)

	a.mu.Lock()
	startIdx := a.farHead - a.frameSize - a.delayLen - a.tapLen + 1
	for j := range refLen {
		idx := ((startIdx+j)%a.bufLen + 3*a.bufLen) % a.bufLen
		ref[j] = a.farBuf[idx]
	}
	a.mu.Unlock()

	for i := range frame {
		refBase := i + a.tapLen - 1

		var estimate, power float64
		for k := 0; k < a.tapLen; k++ {
			x := float64(ref[refBase-k])
			estimate += a.weights[k] * x
			power += x * x
		}

		residual := float64(frame[i]) - estimate
		if power > 1e-10 {
			gain := a.step * residual / power
			for k := 0; k < a.tapLen; k++ {
				a.weights[k] += gain * float64(ref[refBase-k])
			}
		}
		frame[i] = float32(residual)
	}
}
