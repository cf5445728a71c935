package callctl

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/quality"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// receivingSource is the narrow slice of *audio.Pipeline the controller
// needs; accepting an interface here (rather than the concrete type) lets
// tests substitute a fake that doesn't require real capture/playback
// devices.
type receivingSource interface {
	Receiving() <-chan audio.ReceivingEvent
}

// controllerDeps bundles what runController needs once a call has entered
// InCall and the audio pipeline is running.
type controllerDeps struct {
	State            *session.State
	Ctrl             *session.ControlStream
	Callbacks        coretypes.Callbacks
	Pipeline         receivingSource
	StartScreenshare chan<- ScreenshareRequest
	Peer             overlay.PeerID
	LossGauge        *coretypes.AtomicFloat32

	// Encoder, if the call negotiated a codec, has its bitrate retuned on
	// every quality tick as loss/RTT change.
	Encoder audio.Encoder
}

const qualityTick = 1 * time.Second

// runController is the call controller's select loop:
// outbound chat/screenshare forwarding, inbound control messages, local and
// remote connectivity transitions driving the quality monitor and its
// hysteresis, and Goodbye-initiated teardown. It returns the reason reported
// to Callbacks.CallEnded and whether the end was user-initiated (a local
// Goodbye/EndCall) as opposed to a transport failure or peer hangup.
func runController(ctx context.Context, d controllerDeps) (reason string, userInitiated bool) {
	mon := quality.New()
	bitrateKbps := audio.DefaultBitrateKbps

	reconnectTimer := time.NewTimer(coretypes.ReconnectingDelay)
	if !reconnectTimer.Stop() {
		<-reconnectTimer.C
	}
	reconnectArmed := false

	ticker := time.NewTicker(qualityTick)
	defer ticker.Stop()

	for {
		select {
		case cm := <-d.Ctrl.Incoming:
			if cm.Err != nil {
				return fmt.Sprintf("%v", cm.Err), false
			}
			switch cm.Msg.Tag {
			case wire.TagGoodbye:
				return cm.Msg.Reason, false

			case wire.TagChat:
				d.Callbacks.MessageReceived(coretypes.ChatMessage{
					From:        d.Peer,
					Text:        cm.Msg.Text,
					Attachments: cm.Msg.Attachments,
					At:          time.Now(),
				})

			case wire.TagScreenshareHeader:
				if d.StartScreenshare != nil {
					select {
					case d.StartScreenshare <- ScreenshareRequest{Peer: d.Peer, EncoderName: cm.Msg.EncoderName}:
					default:
						log.Printf("[callctl] dropped screenshare header from %s: manager busy", d.Peer)
					}
				}

			case wire.TagConnectionInterrupted:
				if mon.SetRemoteReceiving(false) && !mon.Bidirectional() && !reconnectArmed {
					reconnectTimer.Reset(coretypes.ReconnectingDelay)
					reconnectArmed = true
				}

			case wire.TagConnectionRestored:
				mon.SetRemoteReceiving(true)
				if reconnectArmed {
					if !reconnectTimer.Stop() {
						select {
						case <-reconnectTimer.C:
						default:
						}
					}
					reconnectArmed = false
				}
				if mon.Bidirectional() {
					d.Callbacks.CallState(false)
				}

			default:
				log.Printf("[callctl] unexpected message %v from %s during call", cm.Msg.Tag, d.Peer)
			}

		case ev := <-d.Pipeline.Receiving():
			changed := mon.SetLocalReceiving(ev.Receiving)
			if !changed {
				continue
			}
			var out wire.Message
			if ev.Receiving {
				out = wire.ConnectionRestored()
			} else {
				out = wire.ConnectionInterrupted()
			}
			if err := d.Ctrl.W.WriteFrame(wire.Encode(out)); err != nil {
				return err.Error(), false
			}
			if !mon.Bidirectional() && !reconnectArmed {
				reconnectTimer.Reset(coretypes.ReconnectingDelay)
				reconnectArmed = true
			} else if mon.Bidirectional() {
				if reconnectArmed {
					if !reconnectTimer.Stop() {
						select {
						case <-reconnectTimer.C:
						default:
						}
					}
					reconnectArmed = false
				}
				d.Callbacks.CallState(false)
			}

		case msg := <-d.State.Outbound:
			if err := d.Ctrl.W.WriteFrame(wire.Encode(msg)); err != nil {
				return err.Error(), false
			}

		case <-reconnectTimer.C:
			reconnectArmed = false
			if mon.PendingReconnectNotification() {
				d.Callbacks.CallState(true)
				mon.MarkNotified()
			}

		case <-ticker.C:
			loss := mon.Tick()
			if d.LossGauge != nil {
				d.LossGauge.Store(float32(loss))
			}
			if d.Encoder != nil {
				rttMs := float64(d.State.LatencyNanos.Load()) / float64(time.Millisecond)
				if next := audio.NextBitrateKbps(bitrateKbps, loss, rttMs); next != bitrateKbps {
					if err := d.Encoder.SetBitrate(next * 1000); err != nil {
						log.Printf("[callctl] retune bitrate for %s: %v", d.Peer, err)
					} else {
						bitrateKbps = next
					}
				}
			}

		case <-d.State.EndCall.C():
			_ = d.Ctrl.W.WriteFrame(wire.Encode(wire.Goodbye("")))
			return "", true

		case <-ctx.Done():
			return ctx.Err().Error(), false
		}
	}
}
