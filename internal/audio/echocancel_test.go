package audio

import (
	"math"
	"testing"

	"github.com/chanderlud/telepathy/internal/coretypes"
)

func sinFrame(freq float64, frameIdx, frameSize int) []float32 {
	out := make([]float32, frameSize)
	for i := range out {
		t := float64(frameIdx*frameSize+i) / 48000.0
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

func TestEchoCancellerPassthroughWithNoReference(t *testing.T) {
	a := NewEchoCanceller(coretypes.FrameSize)
	frame := sinFrame(440, 0, coretypes.FrameSize)
	original := make([]float32, len(frame))
	copy(original, frame)

	a.Process(frame)

	for i, v := range frame {
		if math.Abs(float64(v-original[i])) > 1e-6 {
			t.Errorf("sample %d: expected %v, got %v", i, original[i], v)
		}
	}
}

func TestEchoCancellerConverges(t *testing.T) {
	a := NewEchoCanceller(coretypes.FrameSize)

	var lastRMS float32
	for i := 0; i < 400; i++ {
		far := sinFrame(440, i, coretypes.FrameSize)
		a.FeedFarEnd(far)

		near := sinFrame(440, i, coretypes.FrameSize)
		a.Process(near)
		lastRMS = RMS(near)
	}

	if lastRMS > 0.3 {
		t.Fatalf("expected echo cancellation to reduce RMS well below original 0.5 amplitude, got %v", lastRMS)
	}
}
