// Package callctl implements the call handshake and the in-call
// control-plane state machine.
package callctl

import (
	"context"
	"fmt"
	"log"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// PipelineFactory builds the audio pipeline once the audio sub-stream is
// open and the codec has been negotiated; supplied by the root engine,
// which owns the device/denoiser/resampler wiring.
type PipelineFactory func(stream overlay.Stream, codec audio.CodecConfig, isDialer bool) (*audio.Pipeline, error)

// ScreenshareRequest is forwarded to the session manager's start-screenshare
// channel when the peer sends a ScreenshareHeader mid-call.
type ScreenshareRequest struct {
	Peer        overlay.PeerID
	EncoderName string
}

// Deps bundles callctl's collaborators.
type Deps struct {
	Adapter          overlay.Adapter
	Callbacks        coretypes.Callbacks
	NewPipeline      PipelineFactory
	StartScreenshare chan<- ScreenshareRequest

	// LossGauge, if set, receives the quality monitor's 1s loss-fraction
	// reading; the stats collector's 100ms tick reads it alongside the
	// RMS/latency/bandwidth gauges rather than callctl pushing a
	// competing, partial Statistics snapshot of its own.
	LossGauge *coretypes.AtomicFloat32
}

// HandleCall implements session.Deps.OnInCall: it runs the call handshake
// (open the audio sub-stream, negotiate the codec) and then the call
// controller loop until the call ends, announcing "call connected" and
// teardown directly to the UI.
func HandleCall(deps Deps) func(ctx context.Context, st *session.State, ctrl *session.ControlStream, isDialer bool, local, remote wire.AudioHeader) (string, bool) {
	return func(ctx context.Context, st *session.State, ctrl *session.ControlStream, isDialer bool, local, remote wire.AudioHeader) (string, bool) {
		enabled, vbr, residualBits := wire.NegotiateCodec(local, remote)
		codec := audio.CodecConfig{Enabled: enabled, VBR: vbr, ResidualBits: residualBits}

		stream, reason, fatal, ended := OpenAudioStream(ctx, deps.Adapter, st, ctrl, isDialer)
		if ended {
			return reason, fatal
		}

		pipeline, err := deps.NewPipeline(stream, codec, isDialer)
		if err != nil {
			goodbye := "Audio device error"
			_ = ctrl.W.WriteFrame(wire.Encode(wire.Goodbye(goodbye)))
			deps.Callbacks.CallEnded(goodbye, false)
			return err.Error(), false
		}

		deps.Callbacks.SessionStatus(st.Peer, coretypes.StatusConnected)
		pipeline.Start()

		reason, userInitiated := runController(ctx, controllerDeps{
			State:            st,
			Ctrl:             ctrl,
			Callbacks:        deps.Callbacks,
			Pipeline:         pipeline,
			StartScreenshare: deps.StartScreenshare,
			Peer:             st.Peer,
			LossGauge:        deps.LossGauge,
			Encoder:          pipeline.Encoder(),
		})

		pipeline.Stop()
		<-pipeline.Done()

		deps.Callbacks.CallEnded(reason, userInitiated)
		return "", false
	}
}

// OpenAudioStream implements a dialer-opens/peer-waits rule: the dialer
// opens the audio sub-stream and the other side waits for it.
// ended is true if the call should be abandoned before the pipeline starts
// (e.g. a Goodbye arrived while waiting). Exported so the root engine can
// reuse it for room members, whose audio sub-stream feeds a room.Controller
// instead of a 1:1 Pipeline.
func OpenAudioStream(ctx context.Context, adapter overlay.Adapter, st *session.State, ctrl *session.ControlStream, isDialer bool) (overlay.Stream, string, bool, bool) {
	if isDialer {
		stream, err := adapter.OpenStream(ctx, st.Peer, coretypes.AudioProtocol)
		if err != nil {
			return nil, fmt.Sprintf("audio stream open failed: %v", err), false, true
		}
		return stream, "", false, false
	}

	delivery := st.RequestSubstream()

	for {
		select {
		case stream := <-delivery:
			return stream, "", false, false

		case cm := <-ctrl.Incoming:
			if cm.Err != nil {
				return nil, cm.Err.Error(), true, true
			}
			if cm.Msg.Tag == wire.TagGoodbye {
				return nil, cm.Msg.Reason, false, true
			}
			log.Printf("[callctl] unexpected message %v while awaiting audio sub-stream from %s", cm.Msg.Tag, st.Peer)

		case <-ctx.Done():
			return nil, "cancelled", false, true
		}
	}
}
