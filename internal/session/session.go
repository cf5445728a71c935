// Package session implements the per-peer control-stream state machine
// and the call handshake that promotes it into a call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/wire"
)

// Phase is one of the five session states.
type Phase int

const (
	Idle Phase = iota
	IncomingRinging
	OutgoingRinging
	InCall
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case IncomingRinging:
		return "IncomingRinging"
	case OutgoingRinging:
		return "OutgoingRinging"
	case InCall:
		return "InCall"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

const keepAlivePeriod = 10 * time.Second

// Sentinel errors for the conceptual error kinds callers match on.
var (
	ErrTransportSend  = errors.New("session: transport send failed")
	ErrTransportRecv  = errors.New("session: transport receive failed")
	ErrReceiveClosed  = errors.New("session: receive channel closed")
	ErrUnexpectedMsg  = errors.New("session: unexpected message")
	ErrSessionStopped = errors.New("session: stopped")
)

// StartCallRequest carries the ringtone and room flag of an outgoing call.
// The caller arms it with State.SetPendingStartCall (an atomic store, no
// lock) immediately before State.StartCall.Notify.
type StartCallRequest struct {
	Ringtone []byte
	Room     bool
}

// HelloSink pairs the local and remote audio headers of a call. Session
// does not populate it; OnInCall receives both headers as arguments.
type HelloSink struct {
	Local  wire.AudioHeader
	Remote wire.AudioHeader
}

// Deps bundles a Session's collaborators as a callback-field + atomics
// composition, mirroring how the rest of this package wires state.
type Deps struct {
	Callbacks    coretypes.Callbacks
	LocalHeader  func() wire.AudioHeader
	IsRoomMember func(overlay.PeerID) bool
	GlobalInCall *atomic.Bool

	// OnInCall runs the call handshake + pipeline once HelloAck/Accept
	// completes. It takes over the control sub-stream's ControlMessage
	// channel for the call's duration and returns the Goodbye reason
	// (possibly empty) and whether the failure, if any, was a fatal
	// transport error.
	OnInCall func(ctx context.Context, st *State, ctrl *ControlStream, isDialer bool, local, remote wire.AudioHeader) (reason string, fatal bool)
}

// ControlMessage is one decoded control-stream frame, or the error that
// ended the read loop. Unknown-variant frames are logged and dropped by the
// reader loop itself and never reach this channel.
type ControlMessage struct {
	Msg wire.Message
	Err error
}

// ControlStream exposes the session's control sub-stream to the in-call
// collaborator (call handshake + call controller): Incoming delivers frames
// already decoded by Session's single reader goroutine, so no caller ever
// reads the underlying framer directly. Only one consumer reads Incoming at
// a time, since every consumer is reached through a synchronous call chain
// rooted in Run's own select loop.
type ControlStream struct {
	Incoming <-chan ControlMessage
	W        *wire.Writer
}

// Session runs the per-peer control-stream state machine.
type Session struct {
	state    *State
	deps     Deps
	isDialer bool // dialer of the control sub-stream; drives the handshake

	r *wire.Reader
	w *wire.Writer

	incoming chan ControlMessage

	phase Phase
}

// New constructs a Session bound to an already-open control sub-stream.
// isDialer records which side opened this control sub-stream, used to
// decide who opens the audio sub-stream during the handshake.
func New(st *State, stream overlay.Stream, isDialer bool, deps Deps) *Session {
	return &Session{
		state:    st,
		deps:     deps,
		isDialer: isDialer,
		r:        wire.NewReader(stream, wire.LenWidth64, 0),
		w:        wire.NewWriter(stream, wire.LenWidth64),
		incoming: make(chan ControlMessage),
		phase:    Idle,
	}
}

// readControlLoop is the sole reader of s.r for the Session's entire
// lifetime: every consumer, in every phase, takes frames off s.incoming
// instead of touching the framer itself, so only one goroutine ever calls
// s.r.ReadFrame. Unknown message variants are logged and skipped here
// rather than surfaced as a message, matching the "log and skip, not fatal"
// handling of an unrecognized tag byte.
func (s *Session) readControlLoop(ctx context.Context) {
	for {
		frame, err := s.r.ReadFrame()
		if err != nil {
			s.publish(ctx, ControlMessage{Err: fmt.Errorf("%w: %v", ErrTransportRecv, err)})
			return
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownVariant) {
				log.Printf("[session] unknown variant from %s, ignoring", s.state.Peer)
				continue
			}
			s.publish(ctx, ControlMessage{Err: fmt.Errorf("%w: %v", ErrTransportRecv, err)})
			return
		}
		if !s.publish(ctx, ControlMessage{Msg: msg}) {
			return
		}
	}
}

// publish delivers cm to s.incoming, giving up if ctx is done so the loop
// doesn't block forever once nothing will ever read again.
func (s *Session) publish(ctx context.Context, cm ControlMessage) bool {
	select {
	case s.incoming <- cm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drives the session state machine until it reaches Stopping or a fatal
// error occurs. It returns ErrSessionStopped when stop-session is signalled
// outside a call, ctx.Err() on cancellation, or a wrapped transport error
// otherwise.
func (s *Session) Run(ctx context.Context) error {
	go s.readControlLoop(ctx)

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		if s.phase == Stopping {
			return nil
		}
		select {
		case cm := <-s.incoming:
			if cm.Err != nil {
				if s.phase == InCall {
					s.deps.Callbacks.CallEnded(cm.Err.Error(), false)
				}
				return cm.Err
			}
			if err := s.handleMessage(ctx, cm.Msg); err != nil {
				return err
			}

		case msg := <-s.state.Outbound:
			if err := s.send(msg); err != nil {
				if s.phase == InCall {
					s.deps.Callbacks.CallEnded(err.Error(), false)
				}
				return err
			}

		case <-s.state.StartCall.C():
			if s.phase != Idle {
				continue
			}
			if err := s.startOutgoingCall(ctx); err != nil {
				return err
			}

		case <-s.state.StopSession.C():
			if s.state.InCall.Load() {
				continue // InCall always ignores stop-session
			}
			s.phase = Stopping
			return ErrSessionStopped

		case <-keepAlive.C:
			if err := s.send(wire.KeepAlive()); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) send(m wire.Message) error {
	if err := s.w.WriteFrame(wire.Encode(m)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportSend, err)
	}
	return nil
}

func (s *Session) handleMessage(ctx context.Context, msg wire.Message) error {
	switch s.phase {
	case Idle:
		if msg.Tag == wire.TagHello {
			return s.handleIncomingHello(ctx, msg)
		}
		log.Printf("[session] unexpected message %v while idle from %s", msg.Tag, s.state.Peer)
		return nil
	default:
		// Outside Idle, unexpected control-phase messages (not already
		// consumed by OutgoingRinging's own wait on s.incoming) are logged
		// and skipped rather than treated as fatal.
		log.Printf("[session] unexpected message %v in phase %s from %s", msg.Tag, s.phase, s.state.Peer)
		return nil
	}
}

func (s *Session) handleIncomingHello(ctx context.Context, hello wire.Message) error {
	s.phase = IncomingRinging

	if s.deps.IsRoomMember != nil && s.deps.IsRoomMember(s.state.Peer) {
		return s.acceptIncoming(ctx, hello)
	}

	if s.deps.GlobalInCall != nil && s.deps.GlobalInCall.Load() {
		if err := s.send(wire.Busy()); err != nil {
			return err
		}
		s.phase = Idle
		return nil
	}

	cancel := make(chan struct{})
	accepted := make(chan bool, 1)
	errc := make(chan error, 1)
	go func() {
		ok, err := s.deps.Callbacks.AcceptCall(ctx, s.state.Peer, hello.Ringtone, cancel)
		if err != nil {
			errc <- err
			return
		}
		accepted <- ok
	}()

	select {
	case ok := <-accepted:
		if ok {
			return s.acceptIncoming(ctx, hello)
		}
		if err := s.send(wire.Reject()); err != nil {
			return err
		}
		s.phase = Idle
		return nil

	case err := <-errc:
		s.phase = Idle
		return err

	case cm := <-s.incoming:
		// A message arrived while the accept prompt was outstanding. Per
		// the resolved open question (DESIGN.md #1), a peer-sent Goodbye
		// cancels the prompt with no response sent.
		close(cancel)
		if cm.Err == nil && cm.Msg.Tag == wire.TagGoodbye {
			s.phase = Idle
			return nil
		}
		if cm.Err != nil {
			return cm.Err
		}
		log.Printf("[session] unexpected message %v while prompting for %s", cm.Msg.Tag, s.state.Peer)
		s.phase = Idle
		return nil
	}
}

func (s *Session) acceptIncoming(ctx context.Context, hello wire.Message) error {
	local := s.deps.LocalHeader()
	if err := s.send(wire.HelloAck(local)); err != nil {
		return err
	}
	return s.enterCall(ctx, hello.AudioHeader, local)
}

func (s *Session) startOutgoingCall(ctx context.Context) error {
	s.phase = OutgoingRinging
	req := s.state.pendingStartCall.Load()
	local := s.deps.LocalHeader()

	timeout := 10 * time.Second
	if req != nil && len(req.Ringtone) > 0 {
		timeout = 20 * time.Second
	}
	var ringtone []byte
	var room bool
	if req != nil {
		ringtone, room = req.Ringtone, req.Room
	}
	if err := s.send(wire.Hello(local, room, ringtone)); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cm := <-s.incoming:
		if cm.Err != nil {
			return cm.Err
		}
		switch cm.Msg.Tag {
		case wire.TagHelloAck:
			return s.enterCall(ctx, cm.Msg.AudioHeader, local)
		case wire.TagReject:
			s.deps.Callbacks.CallEnded(fmt.Sprintf("%s did not accept the call", s.state.Peer), false)
			s.phase = Idle
			return nil
		case wire.TagBusy:
			s.deps.Callbacks.CallEnded(fmt.Sprintf("%s is busy", s.state.Peer), false)
			s.phase = Idle
			return nil
		default:
			s.deps.Callbacks.CallEnded("unexpected message", false)
			s.phase = Idle
			return nil
		}

	case <-timer.C:
		s.deps.Callbacks.CallEnded("unexpected message", false)
		s.phase = Idle
		return nil

	case <-s.state.EndCall.C():
		if err := s.send(wire.Goodbye("")); err != nil {
			return err
		}
		s.phase = Idle
		return nil
	}
}

func (s *Session) enterCall(ctx context.Context, remote, local wire.AudioHeader) error {
	s.phase = InCall
	s.state.InCall.Store(true)
	if s.deps.GlobalInCall != nil {
		s.deps.GlobalInCall.Store(true)
	}
	reason, fatal := s.deps.OnInCall(ctx, s.state, &ControlStream{Incoming: s.incoming, W: s.w}, s.isDialer, local, remote)
	s.state.InCall.Store(false)
	if s.deps.GlobalInCall != nil {
		s.deps.GlobalInCall.Store(false)
	}
	s.phase = Idle
	if fatal {
		return fmt.Errorf("%w: %s", ErrTransportSend, reason)
	}
	return nil
}
