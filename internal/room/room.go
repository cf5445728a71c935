// Package room implements the mesh-call room controller: a shared input
// pipeline fanned out to every member's own independent playback path. No
// server-side mixing.
package room

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// EarlyCallState is the audio header and codec config every room member
// shares: the same audio header and codec config, negotiated once up
// front rather than per-peer.
type EarlyCallState struct {
	Header wire.AudioHeader
	Codec  audio.CodecConfig
}

// MemberDelivery pairs an accepted audio sub-stream with the peer's
// negotiated EarlyCallState, as handed off by the session manager once a
// room member's call handshake completes.
type MemberDelivery struct {
	Peer   overlay.PeerID
	Stream overlay.Stream
	State  EarlyCallState
}

// Config bundles a Controller's collaborators.
type Config struct {
	Members    []overlay.PeerID
	EarlyState EarlyCallState

	Sessions     map[overlay.PeerID]*session.State
	StartSession chan<- overlay.PeerID
	Deliveries   <-chan MemberDelivery

	CaptureDevice audio.CaptureDevice
	Encoder       audio.Encoder
	Denoiser      audio.Denoiser
	Resampler     audio.Resampler
	NoiseGate     bool
	AGC           bool

	Muted     *atomic.Bool
	Deaf      *atomic.Bool
	InputGain *coretypes.AtomicFloat32
	InputRMS  chan<- float32

	UploadBytes *atomic.Uint64

	// NewPlaybackMember builds the per-member output side (playback device,
	// output gain/RMS, download-byte counter) once a member's audio
	// sub-stream arrives. Owned by the root engine, which knows how to open
	// a playback device per peer.
	NewPlaybackMember func(peer overlay.PeerID) (audio.PlaybackDevice, *coretypes.AtomicFloat32, chan<- float32, *atomic.Uint64)
}

// Controller runs one room call's shared input pipeline and the set of
// per-member output pipelines attached to it.
type Controller struct {
	cfg Config

	inToEncoder  *audio.Unbounded[audio.ProcessorMessage]
	encodedQueue *audio.Unbounded[audio.ProcessorMessage]
	input        *audio.InputProcessor
	encoder      *audio.EncoderStage
	netIn        *audio.NetworkInputTask

	members map[overlay.PeerID]*memberOutput
	done    chan struct{}
}

type memberOutput struct {
	netOut       *audio.NetworkOutputTask
	output       *audio.OutputProcessor
	decodedQueue *audio.Unbounded[audio.ProcessorMessage]
	ring         *audio.Ring[float32]
	stop         chan struct{}
	playbackDone chan struct{}
}

// New builds a Controller with the shared input pipeline wired and ready;
// call Run to launch it; Run attaches each member delivery as it arrives.
func New(cfg Config) *Controller {
	inToEncoder := audio.NewUnbounded[audio.ProcessorMessage]()
	encodedQueue := audio.NewUnbounded[audio.ProcessorMessage]()

	var noiseGate *audio.NoiseGate
	if cfg.NoiseGate {
		noiseGate = audio.NewNoiseGate()
	}
	var agc *audio.AGC
	if cfg.AGC {
		agc = audio.NewAGC()
	}

	input := audio.NewInputProcessor(audio.InputConfig{
		Device:       cfg.CaptureDevice,
		Denoiser:     cfg.Denoiser,
		Resampler:    cfg.Resampler,
		CodecEnabled: cfg.EarlyState.Codec.Enabled,
		NoiseGate:    noiseGate,
		AGC:          agc,
		Muted:        cfg.Muted,
		Gain:         cfg.InputGain,
		StatsRMS:     cfg.InputRMS,
		Out:          inToEncoder,
	})
	encoder := audio.NewEncoderStage(inToEncoder, encodedQueue, cfg.Encoder)
	netIn := audio.NewNetworkInputTask(encodedQueue, cfg.UploadBytes)

	return &Controller{
		cfg: cfg, inToEncoder: inToEncoder, encodedQueue: encodedQueue,
		input: input, encoder: encoder, netIn: netIn,
		members: make(map[overlay.PeerID]*memberOutput),
		done:    make(chan struct{}),
	}
}

// Run notifies/starts a call with every member, starts the shared input
// pipeline, then attaches each member's output pipeline as their audio
// sub-stream arrives.
func (c *Controller) Run(ctx context.Context) {
	for _, peer := range c.cfg.Members {
		if st, ok := c.cfg.Sessions[peer]; ok {
			st.SetPendingStartCall(session.StartCallRequest{Room: true})
			st.StartCall.Notify()
			continue
		}
		select {
		case c.cfg.StartSession <- peer:
		default:
			log.Printf("[room] start-session queue full for %s", peer)
		}
	}

	go c.input.Run()
	go c.encoder.Run()
	go c.netIn.Run()

	for {
		select {
		case d, ok := <-c.cfg.Deliveries:
			if !ok {
				return
			}
			c.join(d)
		case <-ctx.Done():
			c.Stop()
			return
		}
	}
}

// join attaches one member's writer (to the shared input fan-out) and
// independent output/playback pipeline.
func (c *Controller) join(d MemberDelivery) {
	writer := &audio.AudioWriter{Peer: d.Peer, W: wire.NewWriter(d.Stream, wire.LenWidth16)}
	c.netIn.AddWriter(writer)

	playback, outGain, outRMS, downloadBytes := c.cfg.NewPlaybackMember(d.Peer)

	decodedQueue := audio.NewUnbounded[audio.ProcessorMessage]()
	var decoder audio.Decoder
	if d.State.Codec.Enabled {
		dec, err := audio.NewOpusDecoder(playback.SampleRate())
		if err != nil {
			log.Printf("[room] building decoder for %s failed: %v", d.Peer, err)
		} else {
			decoder = dec
		}
	}

	netOut := audio.NewNetworkOutputTask(
		wire.NewReader(d.Stream, wire.LenWidth16, coretypes.MaxAudioFrameBytes),
		decodedQueue, decoder, downloadBytes,
	)

	ring := audio.NewRing[float32](coretypes.RingChannelSamples)
	output := audio.NewOutputProcessor(audio.OutputConfig{
		In: decodedQueue, PlaybackRing: ring, Resampler: c.cfg.Resampler,
		OutputRate: playback.SampleRate(), Gain: outGain, StatsRMS: outRMS,
	})

	mo := &memberOutput{
		netOut: netOut, output: output, decodedQueue: decodedQueue, ring: ring,
		stop: make(chan struct{}), playbackDone: make(chan struct{}),
	}
	c.members[d.Peer] = mo

	go netOut.Run()
	go output.Run()
	go func() {
		defer close(mo.playbackDone)
		frame := make([]float32, coretypes.FrameSize)
		for {
			select {
			case <-mo.stop:
				return
			default:
			}
			deafened := c.cfg.Deaf != nil && c.cfg.Deaf.Load()
			audio.PullPlaybackFrame(ring, frame, 1, deafened)
			if err := playback.WriteFrame(frame); err != nil {
				return
			}
		}
	}()
}

// Stop tears down the shared input pipeline and every member's output
// pipeline.
func (c *Controller) Stop() {
	c.input.Stop()
	<-c.input.Done()
	c.inToEncoder.Close()
	<-c.encoder.Done()
	c.encodedQueue.Close()
	<-c.netIn.Done()

	for _, mo := range c.members {
		mo.netOut.Stop()
		<-mo.netOut.Done()
		mo.decodedQueue.Close()
		<-mo.output.Done()
		close(mo.stop)
		<-mo.playbackDone
	}
	close(c.done)
}

// Done reports when Stop has finished tearing down every pipeline.
func (c *Controller) Done() <-chan struct{} { return c.done }
