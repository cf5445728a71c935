package audio

// CodecConfig is the negotiated per-call codec configuration:
// enabled if either side enabled it, vbr if either side wants it, residual
// bits the minimum of both headers' values. Held as plain fields rather
// than atomics since one CodecConfig is created per EarlyCallState and
// never mutated after handshake (only NetworkConfig/flags mutate live).
type CodecConfig struct {
	Enabled      bool
	VBR          bool
	ResidualBits float32 // 2.0-8.0, opaque to the call engine
}

// Encoder is the opaque, optional audio-codec encoder. The call engine
// never interprets its output bytes — it treats encoded frames as opaque.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	SetBitrate(bps int) error
	SetVBR(enabled bool) error
	SetPacketLossPercent(pct int) error
}

// Decoder is the opaque, optional audio-codec decoder: Decode for a
// received frame and DecodePLC for packet-loss concealment. It has no
// forward-error-correction path.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
	DecodePLC() ([]int16, error)
}

// Denoiser is the optional RNN denoise model, operating in place on a
// 480-sample mono frame of float samples in [-1, 1].
type Denoiser interface {
	Process(frame []float32)

	// VoiceProbability returns the model's voice-activity estimate, in
	// [0, 1], for the frame most recently passed to Process.
	VoiceProbability() float32
}

// Resampler is the external sinc-resampler collaborator:
// sinc_len 256, cutoff 0.95, Blackman-Harris2, oversampling 256, linear
// interpolation. The call engine only ever calls Resample; tuning lives in
// the concrete adapter.
type Resampler interface {
	Resample(in []float32, dstRate, srcRate int) []float32
}

// CaptureDevice is the external device-capture collaborator: the pipeline
// only ever reads frames from it.
type CaptureDevice interface {
	// ReadFrame blocks until one FrameSize-sample mono frame is captured.
	ReadFrame() ([]int16, error)
	SampleRate() int
	Close() error
}

// PlaybackDevice is the external device-playback collaborator: the
// pipeline only ever writes frames to it.
type PlaybackDevice interface {
	WriteFrame(samples []float32) error
	SampleRate() int
	Close() error
}
