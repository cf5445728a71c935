package telepathy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/callctl"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	roompkg "github.com/chanderlud/telepathy/internal/room"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/sessionmgr"
	"github.com/chanderlud/telepathy/internal/statscollector"
	"github.com/chanderlud/telepathy/internal/wire"
)

// restartFloor is the minimum pause between manager restarts: a 100ms floor
// between retries rather than a tight loop.
const restartFloor = 100 * time.Millisecond

// Config bundles every external collaborator the Engine needs but does not
// implement itself: device capture/playback, denoise, resample, and the
// UI-facing callback sink. The overlay networking library and the codec
// are wired internally; only their tuning knobs are exposed here.
type Config struct {
	Identity  Identity
	Network   NetworkConfig
	Callbacks Callbacks

	// NewCaptureDevice/NewPlaybackDevice open the local microphone and a
	// per-peer playback device respectively. Peer is empty for a 1:1
	// call's single playback device and set to the remote peer for room
	// members, giving each room member its own independent playback path.
	NewCaptureDevice  func() (audio.CaptureDevice, error)
	NewPlaybackDevice func(peer overlay.PeerID) (audio.PlaybackDevice, error)

	// NewDenoiser/NewResampler build per-call instances; returning nil from
	// NewDenoiser disables denoise for that call regardless of
	// SetDenoiseEnabled (e.g. the device doesn't support it).
	NewDenoiser  func() audio.Denoiser
	NewResampler func() (audio.Resampler, error)

	// AudioFormat carries the fixed channel/sample-rate/format fields of
	// the local AudioHeader; CodecEnabled/VBR/ResidualBits are filled in
	// from CodecPreference below.
	AudioFormat     wire.AudioHeader
	CodecPreference audio.CodecConfig

	// EchoCancel/NoiseGate/AGC enable the optional capture-side cleanup
	// stages. 1:1 call pipelines use all three; the room input pipeline
	// uses NoiseGate and AGC but has no echo canceller.
	EchoCancel bool
	NoiseGate  bool
	AGC        bool
}

// Engine is the public facade wiring the session manager, call handshake,
// audio pipeline, and room controller behind one restart-supervised
// lifetime.
type Engine struct {
	cfg    Config
	shared *sharedState

	ccScreenshare chan callctl.ScreenshareRequest

	mgr atomic.Pointer[sessionmgr.Manager]

	room atomic.Pointer[roomSession]
}

// roomSession bundles a running room.Controller with the collaborators the
// Engine needs to tear it down again.
type roomSession struct {
	ctrl       *roompkg.Controller
	cancel     context.CancelFunc
	deliveries chan roompkg.MemberDelivery
	earlyState roompkg.EarlyCallState
}

// New validates cfg and returns an Engine ready for Run.
func New(cfg Config) (*Engine, error) {
	if cfg.NewCaptureDevice == nil {
		return nil, ErrNoInputDevice
	}
	if cfg.NewPlaybackDevice == nil {
		return nil, ErrNoOutputDevice
	}
	e := &Engine{
		cfg:           cfg,
		shared:        newSharedState(cfg.Identity),
		ccScreenshare: make(chan callctl.ScreenshareRequest, 4),
	}
	return e, nil
}

// Run drives the restart-supervisor loop: build an overlay adapter and
// session manager, run it until it exits, then wait at least restartFloor
// before rebuilding both from scratch. Every manager exit leads to a
// rebuild (exits other than ErrManagerRestart are logged first); Run
// returns only on ctx cancellation or when the overlay host cannot be
// built.
func (e *Engine) Run(ctx context.Context) error {
	go e.forwardScreenshareRequests(ctx)

	for {
		adapter, err := overlay.NewLibP2P()
		if err != nil {
			return fmt.Errorf("telepathy: %w: %v", ErrSwarmBuild, err)
		}

		mgr := sessionmgr.New(sessionmgr.Deps{
			Adapter:      adapter,
			Network:      e.cfg.Network,
			Callbacks:    e.cfg.Callbacks,
			LocalPeer:    e.shared.getIdentity().PeerID,
			LocalHeader:  e.localHeader,
			IsRoomMember: e.shared.isRoomMember,
			OnInCall:     e.onInCall(adapter),
		})
		e.mgr.Store(mgr)
		e.cfg.Callbacks.StartSessions()

		started := time.Now()
		err = mgr.Run(ctx)
		_ = adapter.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, sessionmgr.ErrManagerRestart) {
			log.Printf("[telepathy] session manager exited, restarting: %v", err)
		}

		if elapsed := time.Since(started); elapsed < restartFloor {
			select {
			case <-time.After(restartFloor - elapsed):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// localHeader builds the AudioHeader this peer advertises in Hello/HelloAck,
// reflecting the live codec preference.
func (e *Engine) localHeader() wire.AudioHeader {
	h := e.cfg.AudioFormat
	h.CodecEnabled = e.cfg.CodecPreference.Enabled
	h.VBR = e.cfg.CodecPreference.VBR
	h.ResidualBits = e.cfg.CodecPreference.ResidualBits
	return h
}

// forwardScreenshareRequests bridges callctl's screenshare requests (stable
// across manager restarts) onto whichever session manager is currently
// live, since a fresh Manager (and its StartScreenshare channel) is built
// on every restart.
func (e *Engine) forwardScreenshareRequests(ctx context.Context) {
	for {
		select {
		case req := <-e.ccScreenshare:
			mgr := e.mgr.Load()
			if mgr == nil {
				log.Printf("[telepathy] dropped screenshare request from %s: no active manager", req.Peer)
				continue
			}
			select {
			case mgr.StartScreenshare <- sessionmgr.StartScreenshareRequest{Peer: req.Peer}:
			default:
				log.Printf("[telepathy] dropped screenshare request from %s: manager busy", req.Peer)
			}
		case <-ctx.Done():
			return
		}
	}
}

// onInCall is session.Deps.OnInCall: room members hand their audio
// sub-stream to the room controller instead of running a 1:1 Pipeline.
func (e *Engine) onInCall(adapter overlay.Adapter) func(ctx context.Context, st *session.State, ctrl *session.ControlStream, isDialer bool, local, remote wire.AudioHeader) (string, bool) {
	handleCall := callctl.HandleCall(callctl.Deps{
		Adapter:          adapter,
		Callbacks:        e.cfg.Callbacks,
		NewPipeline:      e.pipelineFactory(),
		StartScreenshare: e.ccScreenshare,
	})

	return func(ctx context.Context, st *session.State, ctrl *session.ControlStream, isDialer bool, local, remote wire.AudioHeader) (string, bool) {
		if e.shared.isRoomMember(st.Peer) {
			return e.roomOnInCall(ctx, adapter, st, ctrl, isDialer)
		}
		return handleCall(ctx, st, ctrl, isDialer, local, remote)
	}
}

// roomOnInCall delivers st's audio sub-stream to the active room
// controller, then blocks keeping this session's InCall phase alive until
// the member leaves the call.
func (e *Engine) roomOnInCall(ctx context.Context, adapter overlay.Adapter, st *session.State, ctrl *session.ControlStream, isDialer bool) (string, bool) {
	rs := e.room.Load()
	if rs == nil {
		return "not in a room", false
	}

	stream, reason, fatal, ended := callctl.OpenAudioStream(ctx, adapter, st, ctrl, isDialer)
	if ended {
		return reason, fatal
	}

	select {
	case rs.deliveries <- roompkg.MemberDelivery{Peer: st.Peer, Stream: stream, State: rs.earlyState}:
	case <-ctx.Done():
		_ = stream.Close()
		return ctx.Err().Error(), false
	}
	e.cfg.Callbacks.SessionStatus(st.Peer, StatusConnected)

	select {
	case <-st.EndCall.C():
		_ = ctrl.W.WriteFrame(wire.Encode(wire.Goodbye("")))
		return "", true
	case <-ctx.Done():
		return ctx.Err().Error(), false
	}
}

// pipelineFactory closes over the Engine's device/denoise/resample
// collaborators to satisfy callctl.PipelineFactory, attaching a
// statscollector.Collector to each built pipeline: one collector instance
// per call.
func (e *Engine) pipelineFactory() callctl.PipelineFactory {
	return func(stream overlay.Stream, codec audio.CodecConfig, isDialer bool) (*audio.Pipeline, error) {
		capture, err := e.cfg.NewCaptureDevice()
		if err != nil {
			return nil, fmt.Errorf("telepathy: %w: %v", ErrNoInputDevice, err)
		}
		playback, err := e.cfg.NewPlaybackDevice("")
		if err != nil {
			_ = capture.Close()
			return nil, fmt.Errorf("telepathy: %w: %v", ErrNoOutputDevice, err)
		}
		resampler, err := e.cfg.NewResampler()
		if err != nil {
			_ = capture.Close()
			_ = playback.Close()
			return nil, fmt.Errorf("telepathy: %w: %v", ErrStreamConfig, err)
		}

		var denoiser audio.Denoiser
		if e.shared.denoise.Load() && e.cfg.NewDenoiser != nil {
			denoiser = e.cfg.NewDenoiser()
		}

		var encoder audio.Encoder
		var decoder audio.Decoder
		if codec.Enabled {
			enc, err := audio.NewOpusEncoder(capture.SampleRate(), codec)
			if err != nil {
				_ = capture.Close()
				_ = playback.Close()
				return nil, fmt.Errorf("telepathy: %w: %v", ErrInvalidEncoder, err)
			}
			dec, err := audio.NewOpusDecoder(playback.SampleRate())
			if err != nil {
				_ = capture.Close()
				_ = playback.Close()
				return nil, fmt.Errorf("telepathy: %w: %v", ErrInvalidEncoder, err)
			}
			encoder, decoder = enc, dec
		}

		inputRMS := make(chan float32, 4)
		outputRMS := make(chan float32, 4)
		var uploadBytes, downloadBytes atomic.Uint64
		var latencyNanos atomic.Int64
		var lossGauge coretypes.AtomicFloat32

		pipeline := audio.New(audio.Config{
			CaptureDevice:  capture,
			PlaybackDevice: playback,
			AudioStream:    stream,
			Codec:          codec,
			Encoder:        encoder,
			Decoder:        decoder,
			Denoiser:       denoiser,
			Resampler:      resampler,
			Muted:          &e.shared.muted,
			Deaf:           &e.shared.deafened,
			InputGain:      &e.shared.inputGain,
			OutputGain:     &e.shared.outputGain,
			InputRMS:       inputRMS,
			OutputRMS:      outputRMS,
			UploadBytes:    &uploadBytes,
			DownloadBytes:  &downloadBytes,
			EchoCancel:     e.cfg.EchoCancel,
			NoiseGate:      e.cfg.NoiseGate,
			AGC:            e.cfg.AGC,
		})

		collector := statscollector.New(statscollector.Config{
			InputRMS:      inputRMS,
			OutputRMS:     outputRMS,
			LatencyNanos:  &latencyNanos,
			UploadBytes:   &uploadBytes,
			DownloadBytes: &downloadBytes,
			LossGauge:     &lossGauge,
			Callbacks:     e.cfg.Callbacks,
		})
		go collector.Run()
		go func() {
			<-pipeline.Done()
			collector.Stop()
		}()

		return pipeline, nil
	}
}

// StartSession requests the session manager open (or accept) a control
// stream with peer.
func (e *Engine) StartSession(peer overlay.PeerID) {
	mgr := e.mgr.Load()
	if mgr == nil {
		return
	}
	select {
	case mgr.StartSession <- peer:
	default:
		log.Printf("[telepathy] start-session queue full for %s", peer)
	}
}

// StartCall requests an outgoing call to peer, who must already have an
// open session (StartSession first if not). ringtone may be nil.
func (e *Engine) StartCall(peer overlay.PeerID, ringtone []byte) error {
	mgr := e.mgr.Load()
	if mgr == nil {
		return ErrNoSession
	}
	st, ok := mgr.Session(peer)
	if !ok {
		return ErrNoSession
	}
	st.SetPendingStartCall(session.StartCallRequest{Ringtone: ringtone})
	st.StartCall.Notify()
	return nil
}

// EndCall requests the current call with peer end via a local Goodbye.
func (e *Engine) EndCall(peer overlay.PeerID) error {
	mgr := e.mgr.Load()
	if mgr == nil {
		return ErrNoSession
	}
	st, ok := mgr.Session(peer)
	if !ok {
		return ErrNoSession
	}
	st.EndCall.Notify()
	return nil
}

// StopSession requests the session with peer close (ignored while in call).
func (e *Engine) StopSession(peer overlay.PeerID) error {
	mgr := e.mgr.Load()
	if mgr == nil {
		return ErrNoSession
	}
	st, ok := mgr.Session(peer)
	if !ok {
		return ErrNoSession
	}
	st.StopSession.Notify()
	return nil
}

// SendChat queues a chat message for delivery to peer over its session's
// control stream.
func (e *Engine) SendChat(peer overlay.PeerID, text string, attachments []Attachment) error {
	mgr := e.mgr.Load()
	if mgr == nil {
		return ErrNoSession
	}
	st, ok := mgr.Session(peer)
	if !ok {
		return ErrNoSession
	}
	select {
	case st.Outbound <- wire.NewChat(text, attachments):
		return nil
	default:
		return fmt.Errorf("telepathy: outbound queue full for %s", peer)
	}
}

// JoinRoom starts a mesh call with members, building the shared input
// pipeline and notifying/starting sessions for every member.
func (e *Engine) JoinRoom(members []overlay.PeerID) error {
	if e.room.Load() != nil {
		return ErrAlreadyInCall
	}
	mgr := e.mgr.Load()
	if mgr == nil {
		return ErrNoSession
	}

	capture, err := e.cfg.NewCaptureDevice()
	if err != nil {
		return fmt.Errorf("telepathy: %w: %v", ErrNoInputDevice, err)
	}
	resampler, err := e.cfg.NewResampler()
	if err != nil {
		_ = capture.Close()
		return fmt.Errorf("telepathy: %w: %v", ErrStreamConfig, err)
	}
	var denoiser audio.Denoiser
	if e.shared.denoise.Load() && e.cfg.NewDenoiser != nil {
		denoiser = e.cfg.NewDenoiser()
	}

	codec := e.cfg.CodecPreference
	var encoder audio.Encoder
	if codec.Enabled {
		enc, err := audio.NewOpusEncoder(capture.SampleRate(), codec)
		if err != nil {
			_ = capture.Close()
			return fmt.Errorf("telepathy: %w: %v", ErrInvalidEncoder, err)
		}
		encoder = enc
	}

	e.shared.setRoomMembers(members)

	deliveries := make(chan roompkg.MemberDelivery, len(members))
	inputRMS := make(chan float32, 4)
	var uploadBytes atomic.Uint64

	ctrl := roompkg.New(roompkg.Config{
		Members:    members,
		EarlyState: roompkg.EarlyCallState{Header: e.localHeader(), Codec: codec},

		Sessions:     e.roomSessions(mgr, members),
		StartSession: mgr.StartSession,
		Deliveries:   deliveries,

		CaptureDevice: capture,
		Encoder:       encoder,
		Denoiser:      denoiser,
		Resampler:     resampler,
		NoiseGate:     e.cfg.NoiseGate,
		AGC:           e.cfg.AGC,

		Muted:     &e.shared.muted,
		Deaf:      &e.shared.deafened,
		InputGain: &e.shared.inputGain,
		InputRMS:  inputRMS,

		UploadBytes: &uploadBytes,

		NewPlaybackMember: e.newPlaybackMember,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &roomSession{ctrl: ctrl, cancel: cancel, deliveries: deliveries, earlyState: roompkg.EarlyCallState{Header: e.localHeader(), Codec: codec}}
	e.room.Store(rs)

	go ctrl.Run(runCtx)
	return nil
}

// roomSessions snapshots the manager's currently live per-peer session
// states room.Controller needs to notify start-call on join.
func (e *Engine) roomSessions(mgr *sessionmgr.Manager, members []overlay.PeerID) map[overlay.PeerID]*session.State {
	out := make(map[overlay.PeerID]*session.State, len(members))
	for _, peer := range members {
		if st, ok := mgr.Session(peer); ok {
			out[peer] = st
		}
	}
	return out
}

// newPlaybackMember opens a playback device for peer and the per-member
// gain/RMS/byte-counter collaborators room.Controller threads through its
// output pipeline.
func (e *Engine) newPlaybackMember(peer overlay.PeerID) (audio.PlaybackDevice, *coretypes.AtomicFloat32, chan<- float32, *atomic.Uint64) {
	playback, err := e.cfg.NewPlaybackDevice(peer)
	if err != nil {
		log.Printf("[telepathy] opening playback device for room member %s failed: %v", peer, err)
	}
	gain := coretypes.NewAtomicFloat32(1.0)
	rms := make(chan float32, 4)
	var downloadBytes atomic.Uint64
	return playback, gain, rms, &downloadBytes
}

// LeaveRoom tears down the active room call, if any.
func (e *Engine) LeaveRoom() {
	rs := e.room.Swap(nil)
	if rs == nil {
		return
	}
	e.shared.clearRoomMembers()
	rs.cancel()
	<-rs.ctrl.Done()
}

// SetIdentity replaces the local identity. Callers must not do
// this while in a call; the Engine does not itself enforce that here since
// only the UI knows whether a call is in progress at the moment of the
// request.
func (e *Engine) SetIdentity(id Identity) { e.shared.setIdentity(id) }

// SetContact adds or updates a contact-book entry.
func (e *Engine) SetContact(c Contact) { e.shared.setContact(c) }

// RemoveContact removes a contact-book entry.
func (e *Engine) RemoveContact(peer overlay.PeerID) { e.shared.removeContact(peer) }

// SetMuted toggles local microphone muting at the input processor.
func (e *Engine) SetMuted(muted bool) { e.shared.muted.Store(muted) }

// SetDeafened toggles local playback silencing at the output processor.
func (e *Engine) SetDeafened(deaf bool) { e.shared.deafened.Store(deaf) }

// SetDenoiseEnabled toggles whether future pipelines build a denoiser.
// Changing it mid-call has no effect on the running call's pipeline.
func (e *Engine) SetDenoiseEnabled(enabled bool) { e.shared.denoise.Store(enabled) }

// SetInputGain sets the capture-side gain multiplier.
func (e *Engine) SetInputGain(gain float32) { e.shared.inputGain.Store(gain) }

// SetOutputGain sets the playback-side gain multiplier.
func (e *Engine) SetOutputGain(gain float32) { e.shared.outputGain.Store(gain) }

// Stop tears down any active room call, whose goroutines are not owned by
// the manager's Run loop. It does not stop Run itself; Run ends when the
// context passed to it is cancelled.
func (e *Engine) Stop() {
	e.LeaveRoom()
}
