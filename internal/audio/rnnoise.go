package audio

/*
#cgo pkg-config: rnnoise
#include <rnnoise.h>
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

// rnnoiseFrameSize is RNNoise's native frame size; a 480-sample call-engine
// frame is the same size, so no splitting is needed here.
const rnnoiseFrameSize = 480

// RNNoiseDenoiser wraps the cgo RNNoise binding in the Denoiser interface,
// using a pre-allocated scratch buffer and a dry/wet blend level.
type RNNoiseDenoiser struct {
	mu    sync.Mutex
	state *C.DenoiseState
	level float32 // 0.0 = bypass, 1.0 = full suppression
	vad   float32 // voice probability from the most recent Process call

	cIn  *C.float
	cOut *C.float
}

// NewRNNoiseDenoiser allocates one RNNoise state instance and its
// pre-allocated C buffers.
func NewRNNoiseDenoiser() *RNNoiseDenoiser {
	cIn := (*C.float)(C.malloc(C.size_t(rnnoiseFrameSize) * C.size_t(unsafe.Sizeof(C.float(0)))))
	cOut := (*C.float)(C.malloc(C.size_t(rnnoiseFrameSize) * C.size_t(unsafe.Sizeof(C.float(0)))))
	return &RNNoiseDenoiser{
		state: C.rnnoise_create(nil),
		level: 1.0,
		cIn:   cIn,
		cOut:  cOut,
	}
}

// SetLevel sets the suppression blend level, clamped to [0, 1].
func (nc *RNNoiseDenoiser) SetLevel(level float32) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	nc.mu.Lock()
	nc.level = level
	nc.mu.Unlock()
}

// Process implements Denoiser: applies noise suppression in-place to buf,
// which must be exactly rnnoiseFrameSize (480) samples.
func (nc *RNNoiseDenoiser) Process(buf []float32) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.level == 0 || len(buf) != rnnoiseFrameSize {
		return
	}

	inSlice := unsafe.Slice(nc.cIn, rnnoiseFrameSize)
	outSlice := unsafe.Slice(nc.cOut, rnnoiseFrameSize)
	level := nc.level

	for i := 0; i < rnnoiseFrameSize; i++ {
		inSlice[i] = C.float(buf[i] * 32767.0)
	}
	nc.vad = float32(C.rnnoise_process_frame(nc.state, nc.cOut, nc.cIn))
	for i := 0; i < rnnoiseFrameSize; i++ {
		denoised := float32(outSlice[i]) / 32767.0
		buf[i] = buf[i]*(1-level) + denoised*level
	}
}

// VoiceProbability implements Denoiser: RNNoise's own per-frame voice
// activity estimate, already computed as part of rnnoise_process_frame.
func (nc *RNNoiseDenoiser) VoiceProbability() float32 {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.vad
}

// Destroy frees the underlying C RNNoise state and pre-allocated buffers.
// Callers must not call Process after Destroy.
func (nc *RNNoiseDenoiser) Destroy() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.state != nil {
		C.rnnoise_destroy(nc.state)
		nc.state = nil
	}
	if nc.cIn != nil {
		C.free(unsafe.Pointer(nc.cIn))
		nc.cIn = nil
	}
	if nc.cOut != nil {
		C.free(unsafe.Pointer(nc.cOut))
		nc.cOut = nil
	}
}
