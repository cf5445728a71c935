package callctl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// fakePipeline substitutes for *audio.Pipeline in controller tests: only
// Receiving() is exercised by runController.
type fakePipeline struct {
	ch chan audio.ReceivingEvent
}

func newFakePipeline() *fakePipeline { return &fakePipeline{ch: make(chan audio.ReceivingEvent, 4)} }

func (p *fakePipeline) Receiving() <-chan audio.ReceivingEvent { return p.ch }

type fakeCallbacks struct {
	messages []coretypes.ChatMessage
	states   []bool
}

func (f *fakeCallbacks) AcceptCall(context.Context, overlay.PeerID, []byte, <-chan struct{}) (bool, error) {
	return true, nil
}
func (f *fakeCallbacks) CallEnded(string, bool)                       {}
func (f *fakeCallbacks) GetContact(overlay.PeerID) (*coretypes.Contact, bool) { return nil, false }
func (f *fakeCallbacks) CallState(reconnecting bool)                 { f.states = append(f.states, reconnecting) }
func (f *fakeCallbacks) SessionStatus(overlay.PeerID, coretypes.SessionStatus) {}
func (f *fakeCallbacks) StartSessions()                              {}
func (f *fakeCallbacks) Statistics(coretypes.Statistics)              {}
func (f *fakeCallbacks) MessageReceived(msg coretypes.ChatMessage)    { f.messages = append(f.messages, msg) }
func (f *fakeCallbacks) ManagerActive(bool, bool)                     {}
func (f *fakeCallbacks) ScreenshareStarted(<-chan struct{}, bool)     {}

// remoteStream stands in for the peer's end of the control sub-stream: it
// reads/writes frames directly, unlike the session.ControlStream given to
// runController, so tests can both send to and inspect the controller.
type remoteStream struct {
	r *wire.Reader
	w *wire.Writer
}

// newControlPipe builds a net.Pipe control sub-stream and wires its local
// side into a session.ControlStream backed by its own decode-and-publish
// goroutine, matching how Session feeds runController in production.
func newControlPipe() (local *session.ControlStream, remote *remoteStream) {
	c1, c2 := net.Pipe()

	incoming := make(chan session.ControlMessage)
	r := wire.NewReader(c1, wire.LenWidth64, 0)
	go func() {
		for {
			frame, err := r.ReadFrame()
			if err != nil {
				incoming <- session.ControlMessage{Err: err}
				return
			}
			msg, err := wire.Decode(frame)
			if err != nil {
				continue
			}
			incoming <- session.ControlMessage{Msg: msg}
		}
	}()

	local = &session.ControlStream{Incoming: incoming, W: wire.NewWriter(c1, wire.LenWidth64)}
	remote = &remoteStream{r: wire.NewReader(c2, wire.LenWidth64, 0), w: wire.NewWriter(c2, wire.LenWidth64)}
	return local, remote
}

// TestControllerPeerGoodbyeEndsCall matches end-to-end scenario A's
// teardown leg: a peer-sent Goodbye ends the call with that reason and
// userInitiated=false.
func TestControllerPeerGoodbyeEndsCall(t *testing.T) {
	local, remote := newControlPipe()
	cb := &fakeCallbacks{}
	st := session.NewState("peer-a")
	pipe := newFakePipeline()

	done := make(chan struct{})
	var reason string
	var userInitiated bool
	go func() {
		reason, userInitiated = runController(context.Background(), controllerDeps{
			State: st, Ctrl: local, Callbacks: cb, Pipeline: pipe, Peer: "peer-a",
		})
		close(done)
	}()

	if err := remote.w.WriteFrame(wire.Encode(wire.Goodbye("hung up"))); err != nil {
		t.Fatalf("write goodbye: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runController did not return after peer Goodbye")
	}
	if reason != "hung up" || userInitiated {
		t.Fatalf("got reason=%q userInitiated=%v, want \"hung up\"/false", reason, userInitiated)
	}
}

// TestControllerLocalEndCallSendsGoodbye matches scenario A's local
// hangup leg.
func TestControllerLocalEndCallSendsGoodbye(t *testing.T) {
	local, remote := newControlPipe()
	cb := &fakeCallbacks{}
	st := session.NewState("peer-b")
	pipe := newFakePipeline()

	done := make(chan struct{})
	var reason string
	var userInitiated bool
	go func() {
		reason, userInitiated = runController(context.Background(), controllerDeps{
			State: st, Ctrl: local, Callbacks: cb, Pipeline: pipe, Peer: "peer-b",
		})
		close(done)
	}()

	st.EndCall.Notify()

	// net.Pipe is synchronous: the controller's Goodbye write completes only
	// once this side reads it, so read it before waiting for the return.
	frame, err := remote.r.ReadFrame()
	if err != nil {
		t.Fatalf("read goodbye: %v", err)
	}
	msg, err := wire.Decode(frame)
	if err != nil || msg.Tag != wire.TagGoodbye {
		t.Fatalf("expected a Goodbye frame, got %+v err=%v", msg, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runController did not return after local EndCall")
	}
	if !userInitiated {
		t.Fatal("expected userInitiated=true for local end-call")
	}
	_ = reason
}

// TestControllerChatDelivery exercises inbound Chat forwarding to the UI.
func TestControllerChatDelivery(t *testing.T) {
	local, remote := newControlPipe()
	cb := &fakeCallbacks{}
	st := session.NewState("peer-c")
	pipe := newFakePipeline()

	go runController(context.Background(), controllerDeps{
		State: st, Ctrl: local, Callbacks: cb, Pipeline: pipe, Peer: "peer-c",
	})

	if err := remote.w.WriteFrame(wire.Encode(wire.NewChat("hi", nil))); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(cb.messages) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("chat message was never delivered to callbacks")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if cb.messages[0].Text != "hi" {
		t.Fatalf("got text %q, want \"hi\"", cb.messages[0].Text)
	}

	st.EndCall.Notify()
	time.Sleep(50 * time.Millisecond)
}

// TestControllerRemoteInterruptedTriggersReconnecting matches end-to-end
// scenario D: a sustained ConnectionInterrupted eventually fires a
// reconnecting notification after the 1.5s hysteresis.
func TestControllerRemoteInterruptedTriggersReconnecting(t *testing.T) {
	local, remote := newControlPipe()
	cb := &fakeCallbacks{}
	st := session.NewState("peer-d")
	pipe := newFakePipeline()

	go runController(context.Background(), controllerDeps{
		State: st, Ctrl: local, Callbacks: cb, Pipeline: pipe, Peer: "peer-d",
	})

	if err := remote.w.WriteFrame(wire.Encode(wire.ConnectionInterrupted())); err != nil {
		t.Fatalf("write interrupted: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		found := false
		for _, s := range cb.states {
			if s {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a reconnecting=true CallState notification")
		case <-time.After(50 * time.Millisecond):
		}
	}

	st.EndCall.Notify()
	time.Sleep(50 * time.Millisecond)
}
