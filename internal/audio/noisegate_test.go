package audio

import "testing"

func TestNoiseGateZeroesQuietFrames(t *testing.T) {
	g := NewNoiseGate()
	quiet := make([]float32, 480)
	for i := range quiet {
		quiet[i] = 0.001
	}
	g.Process(quiet)
	for i, s := range quiet {
		if s != 0 {
			t.Fatalf("sample %d not gated: %v", i, s)
		}
	}
}

func TestNoiseGatePassesLoudFrames(t *testing.T) {
	g := NewNoiseGate()
	loud := makeSine(480, 0.5)
	g.Process(loud)
	if RMS(loud) == 0 {
		t.Fatal("expected loud frame to pass through ungated")
	}
}

func TestNoiseGateHoldsOpenThroughBriefPause(t *testing.T) {
	g := NewNoiseGate()
	loud := makeSine(480, 0.5)
	g.Process(loud)

	quiet := make([]float32, 480)
	g.Process(quiet)
	if !g.open {
		t.Fatal("expected gate to stay open during hold period")
	}

	for i := 0; i < DefaultNoiseGateHold+1; i++ {
		g.Process(make([]float32, 480))
	}
	if g.open {
		t.Fatal("expected gate to close after hold period elapses")
	}
}
