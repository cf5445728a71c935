package audio

// BitrateLadder is the ordered set of Opus target bitrates (kbps) the call
// controller steps through as link quality changes, from barely-intelligible
// emergency quality up to high-fidelity voice.
var BitrateLadder = []int{8, 12, 16, 24, 32, 48}

// DefaultBitrateKbps is the starting rung for a new call.
const DefaultBitrateKbps = 32

// NextBitrateKbps returns the next ladder rung given the current setting and
// the quality monitor's most recent loss fraction and round-trip latency:
// step down a rung when loss exceeds 5%, step up a rung when loss is under
// 1% and rttMs is a real, sub-150ms measurement, otherwise hold. rttMs == 0
// means no measurement has landed yet, so the ladder never climbs on that
// alone.
func NextBitrateKbps(currentKbps int, lossRate float64, rttMs float64) int {
	idx := bitrateStepIndex(currentKbps)
	switch {
	case lossRate > 0.05 && idx > 0:
		return BitrateLadder[idx-1]
	case lossRate < 0.01 && rttMs > 0 && rttMs < 150 && idx < len(BitrateLadder)-1:
		return BitrateLadder[idx+1]
	default:
		return BitrateLadder[idx]
	}
}

func bitrateStepIndex(kbps int) int {
	best, bestDist := 0, iabs(kbps-BitrateLadder[0])
	for i, step := range BitrateLadder {
		if d := iabs(kbps - step); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
