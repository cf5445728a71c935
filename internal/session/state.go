package session

import (
	"sync/atomic"

	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/wire"
)

// State is the per-peer session state. One strong reference lives
// in the manager's session map, one is held by the running session task;
// never cyclic. Created when either side opens a chat control stream;
// destroyed on stop-session or fatal transport error.
//
// Invariant: while InCall is true, StopSession notifications are ignored.
type State struct {
	Peer overlay.PeerID

	StartCall   *Notifier
	StopSession *Notifier
	EndCall     *Notifier

	InCall atomic.Bool

	// Outbound is the outbound-message queue: chat/screenshare headers the
	// call controller or session forwards to the peer.
	Outbound chan wire.Message

	// WantsSubstream is set while this session is waiting for the audio
	// sub-stream the peer is expected to open.
	WantsSubstream    atomic.Bool
	SubstreamDelivery chan overlay.Stream

	LatencyNanos  atomic.Int64
	UploadBytes   atomic.Uint64
	DownloadBytes atomic.Uint64

	// pendingStartCall carries the ringtone/room flag a caller sets
	// immediately before StartCall.Notify(); an atomic pointer so any
	// goroutine (the root engine, the room controller) can arm it without
	// taking a lock shared with the session's own select loop.
	pendingStartCall atomic.Pointer[StartCallRequest]
}

// SetPendingStartCall arms the request startOutgoingCall reads once
// StartCall fires. Callers must set this before calling StartCall.Notify().
func (s *State) SetPendingStartCall(req StartCallRequest) {
	s.pendingStartCall.Store(&req)
}

// NewState returns a freshly initialized State for peer.
func NewState(peer overlay.PeerID) *State {
	return &State{
		Peer:              peer,
		StartCall:         NewNotifier(),
		StopSession:       NewNotifier(),
		EndCall:           NewNotifier(),
		Outbound:          make(chan wire.Message, 16),
		SubstreamDelivery: make(chan overlay.Stream, 1),
	}
}

// RequestSubstream marks this session as waiting for an inbound audio
// sub-stream and returns the channel it will arrive on.
func (s *State) RequestSubstream() <-chan overlay.Stream {
	s.WantsSubstream.Store(true)
	return s.SubstreamDelivery
}
