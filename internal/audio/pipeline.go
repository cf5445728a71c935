// Package audio implements the capture→process→(codec)→network→(codec)→
// process→playback pipeline, plus its codec/denoise/resample adapters.
package audio

import (
	"sync/atomic"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/wire"
)

// Config bundles everything needed to start a 1:1 call's pipeline. Room
// calls build the input side once and attach one Output+NetworkOutputTask
// per member instead; see internal/room.
type Config struct {
	CaptureDevice  CaptureDevice
	PlaybackDevice PlaybackDevice
	AudioStream    overlay.Stream // the negotiated audio sub-stream
	Codec          CodecConfig

	Encoder Encoder // nil if Codec.Enabled is false
	Decoder Decoder

	Denoiser  Denoiser
	Resampler Resampler

	// EchoCancel enables a shared NLMS echo canceller wired between the
	// output processor (far-end reference) and the input processor (echo
	// subtraction). NoiseGate and AGC enable their respective capture-side
	// cleanup stages.
	EchoCancel bool
	NoiseGate  bool
	AGC        bool

	Muted *atomic.Bool
	Deaf  *atomic.Bool

	InputGain  *coretypes.AtomicFloat32
	OutputGain *coretypes.AtomicFloat32

	InputRMS  chan<- float32
	OutputRMS chan<- float32

	UploadBytes   *atomic.Uint64
	DownloadBytes *atomic.Uint64
}

// Pipeline owns every DSP/network stage of one call's audio path. Dropping
// it (Stop then awaiting Done) stops every stage deterministically.
type Pipeline struct {
	input   *InputProcessor
	encoder *EncoderStage
	netIn   *NetworkInputTask
	netOut  *NetworkOutputTask
	output  *OutputProcessor

	inToEncoder     *Unbounded[ProcessorMessage]
	encodedToNet    *Unbounded[ProcessorMessage]
	decodedToOutput *Unbounded[ProcessorMessage]

	playback     PlaybackDevice
	playbackRing *Ring[float32]
	playbackDone chan struct{}
	playbackStop chan struct{}
	deaf         *atomic.Bool

	done chan struct{}
}

// New builds a Pipeline ready for Start.
func New(cfg Config) *Pipeline {
	inToEncoder := NewUnbounded[ProcessorMessage]()
	encodedToNet := NewUnbounded[ProcessorMessage]()
	decodedToOutput := NewUnbounded[ProcessorMessage]()

	var echoCanceller *EchoCanceller
	if cfg.EchoCancel {
		echoCanceller = NewEchoCanceller(coretypes.FrameSize)
	}
	var noiseGate *NoiseGate
	if cfg.NoiseGate {
		noiseGate = NewNoiseGate()
	}
	var agc *AGC
	if cfg.AGC {
		agc = NewAGC()
	}

	input := NewInputProcessor(InputConfig{
		Device:        cfg.CaptureDevice,
		Denoiser:      cfg.Denoiser,
		Resampler:     cfg.Resampler,
		CodecEnabled:  cfg.Codec.Enabled,
		EchoCanceller: echoCanceller,
		NoiseGate:     noiseGate,
		AGC:           agc,
		Muted:         cfg.Muted,
		Gain:          cfg.InputGain,
		StatsRMS:      cfg.InputRMS,
		Out:           inToEncoder,
	})

	encoder := NewEncoderStage(inToEncoder, encodedToNet, cfg.Encoder)

	audioWriter := &AudioWriter{W: wire.NewWriter(cfg.AudioStream, wire.LenWidth16)}
	netIn := NewNetworkInputTask(encodedToNet, cfg.UploadBytes, audioWriter)

	netOut := NewNetworkOutputTask(
		wire.NewReader(cfg.AudioStream, wire.LenWidth16, coretypes.MaxAudioFrameBytes),
		decodedToOutput, cfg.Decoder, cfg.DownloadBytes,
	)

	playbackRing := NewRing[float32](coretypes.RingChannelSamples)
	output := NewOutputProcessor(OutputConfig{
		In:            decodedToOutput,
		PlaybackRing:  playbackRing,
		Resampler:     cfg.Resampler,
		OutputRate:    cfg.PlaybackDevice.SampleRate(),
		Gain:          cfg.OutputGain,
		StatsRMS:      cfg.OutputRMS,
		EchoCanceller: echoCanceller,
	})

	return &Pipeline{
		input: input, encoder: encoder, netIn: netIn, netOut: netOut, output: output,
		inToEncoder: inToEncoder, encodedToNet: encodedToNet, decodedToOutput: decodedToOutput,
		playback: cfg.PlaybackDevice, playbackRing: playbackRing, deaf: cfg.Deaf,
		playbackDone: make(chan struct{}), playbackStop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Receiving exposes the network-output task's receiving-state transitions
// for the call controller to consume.
func (p *Pipeline) Receiving() <-chan ReceivingEvent { return p.netOut.Receiving }

// Encoder exposes the pipeline's encoder, if codec is enabled, so the call
// controller can retune its bitrate as link quality changes. Returns nil
// when the call negotiated no codec.
func (p *Pipeline) Encoder() Encoder { return p.encoder.Encoder }

// Start launches every stage's goroutine/thread.
func (p *Pipeline) Start() {
	go p.input.Run()
	go p.encoder.Run()
	go p.netIn.Run()
	go p.netOut.Run()
	go p.output.Run()
	go p.playbackLoop()
}

// playbackLoop stands in for the real-time device callback the external
// playback library would drive; it pulls one frame at the pipeline's
// cadence and writes it to the device (spec's playback callback is
// real-time and non-blocking on the ring; here the device Write itself may
// block per its own contract).
func (p *Pipeline) playbackLoop() {
	defer close(p.playbackDone)
	frame := make([]float32, coretypes.FrameSize)
	for {
		select {
		case <-p.playbackStop:
			return
		default:
		}
		deafened := p.deaf != nil && p.deaf.Load()
		PullPlaybackFrame(p.playbackRing, frame, 1, deafened)
		if err := p.playback.WriteFrame(frame); err != nil {
			return
		}
	}
}

// Stop tears down every stage in dependency order, then signals Done.
// Safe to call once.
func (p *Pipeline) Stop() {
	p.input.Stop()
	p.netOut.Stop()
	close(p.playbackStop)
	go func() {
		<-p.input.Done()
		p.inToEncoder.Close() // unblocks the encoder stage's Pop
		<-p.encoder.Done()
		p.encodedToNet.Close() // unblocks the network-input task's Pop
		<-p.netIn.Done()
		<-p.netOut.Done()
		p.decodedToOutput.Close() // unblocks the output processor's Pop
		<-p.output.Done()
		<-p.playbackDone
		close(p.done)
	}()
}

// Done reports when every stage has fully stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }
