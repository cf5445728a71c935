package audio

import (
	"fmt"
	"sync"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"gopkg.in/hraban/opus.v2"
)

// opusMaxPacketBytes bounds one encoded Opus packet.
const opusMaxPacketBytes = 1275

// OpusEncoder adapts gopkg.in/hraban/opus.v2 to the Encoder interface; it
// stands in for the opaque codec named in the call engine's wire contract
// (see DESIGN.md's domain-stack entry for internal/audio).
type OpusEncoder struct {
	mu  sync.Mutex
	enc *opus.Encoder
}

// NewOpusEncoder builds an encoder for a mono stream at sampleRate,
// configured from the negotiated CodecConfig.
func NewOpusEncoder(sampleRate int, cfg CodecConfig) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: build opus encoder: %w", err)
	}
	if err := enc.SetVbr(cfg.VBR); err != nil {
		return nil, fmt.Errorf("audio: configure opus vbr: %w", err)
	}
	// residual_bits (2.0-8.0 per 10ms frame) maps onto a bitrate budget;
	// at 100 frames/s this is residual_bits*100*coretypes.FrameSize-ish,
	// approximated here as a linear mapping into Opus's supported range.
	bps := residualBitsToBitrate(cfg.ResidualBits)
	if err := enc.SetBitrate(bps); err != nil {
		return nil, fmt.Errorf("audio: configure opus bitrate: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

func residualBitsToBitrate(residualBits float32) int {
	if residualBits < 2 {
		residualBits = 2
	}
	if residualBits > 8 {
		residualBits = 8
	}
	const minBps, maxBps = 8000, 64000
	frac := (residualBits - 2) / 6
	return minBps + int(frac*(maxBps-minBps))
}

// Encode implements Encoder. Guarded by mu since the call controller's
// quality-tick goroutine may call SetBitrate concurrently with the encoder
// stage's Encode calls.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, opusMaxPacketBytes)
	n, err := e.enc.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return out[:n], nil
}

// SetBitrate implements Encoder.
func (e *OpusEncoder) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.SetBitrate(bps)
}

// SetVBR implements Encoder.
func (e *OpusEncoder) SetVBR(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.SetVbr(enabled)
}

// SetPacketLossPercent implements Encoder.
func (e *OpusEncoder) SetPacketLossPercent(pct int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.SetPacketLossPerc(pct)
}

// OpusDecoder adapts gopkg.in/hraban/opus.v2 to the Decoder interface,
// with packet-loss concealment via a Decode(nil, ...) call. Opus in-band
// FEC (DecodeFEC) is not used.
type OpusDecoder struct {
	dec *opus.Decoder
}

// NewOpusDecoder builds a decoder for a mono stream at sampleRate.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: build opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode implements Decoder.
func (d *OpusDecoder) Decode(frame []byte) ([]int16, error) {
	pcm := make([]int16, coretypes.FrameSize)
	n, err := d.dec.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm[:n], nil
}

// DecodePLC implements Decoder: feeding nil triggers Opus's internal
// packet-loss concealment.
func (d *OpusDecoder) DecodePLC() ([]int16, error) {
	pcm := make([]int16, coretypes.FrameSize)
	n, err := d.dec.Decode(nil, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: opus plc: %w", err)
	}
	return pcm[:n], nil
}
