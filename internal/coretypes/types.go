// Package coretypes holds the data-model types and UI-facing callback
// interface shared across every internal package, so that session manager,
// session, call controller, room controller, and the root facade all agree
// on one definition instead of each redeclaring it.
package coretypes

import (
	"context"
	"time"

	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/wire"
)

// Wire protocol identifiers and pipeline constants shared by every package
// that touches the network.
const (
	ProtocolID          = "/telepathy/0.0.1"
	ControlProtocol     = ProtocolID + "/control"
	AudioProtocol       = ProtocolID + "/audio"
	ScreenshareProtocol = ProtocolID + "/screenshare"

	// FrameSize is 480 mono samples (10ms @ 48kHz).
	FrameSize = 480
	// MaxAudioFrameBytes bounds a CBR raw int16 frame; VBR frames may be
	// shorter.
	MaxAudioFrameBytes = FrameSize * 2
	// SilenceSentinel is the one-byte audio-frame payload meaning "no
	// audio for one frame".
	SilenceSentinel = byte(0)

	// RingChannelSamples is the default bounded-ring capacity (~50ms @
	// 48kHz).
	RingChannelSamples = 2400
	// SilenceHysteresisFrames is the number of consecutive sub-threshold
	// frames still emitted as Data before switching to Silence.
	SilenceHysteresisFrames = 80

	// KeepAlivePeriod is the session control-loop keep-alive cadence.
	KeepAlivePeriod = 10 * time.Second
	// HelloTimeout / HelloTimeoutWithRingtone bound the outgoing-ringing
	// wait.
	HelloTimeout             = 10 * time.Second
	HelloTimeoutWithRingtone = 20 * time.Second
	// NetworkOutputReadTimeout is the 100ms window between "receiving"
	// state transitions.
	NetworkOutputReadTimeout = 100 * time.Millisecond
	// ReconnectingDelay is the quality-monitor hysteresis window before the
	// UI is told of a disconnect; LossWindow is the span the loss fraction
	// covers.
	ReconnectingDelay = 1500 * time.Millisecond
	LossWindow        = 10 * time.Second
)

// AudioHeader is re-exported from wire: it is exchanged verbatim on the
// wire, so the wire package owns its canonical definition.
type AudioHeader = wire.AudioHeader

// Identity is a long-lived asymmetric key pair; PeerID is its derived,
// stable address. Immutable during a session; replaceable only when not in
// a call (neither this type nor Engine.SetIdentity enforces that).
type Identity struct {
	PeerID     overlay.PeerID
	PrivateKey []byte
	PublicKey  []byte
}

// Contact is a UI-managed address-book entry looked up by PeerID during
// dial/accept.
type Contact struct {
	PeerID   overlay.PeerID
	Nickname string
	ID       string // opaque UI-assigned id
}

// NetworkConfig is mutable via the UI but only read by the session manager
// at startup/restart.
type NetworkConfig struct {
	RelayAddr  overlay.Multiaddr
	RelayID    overlay.PeerID
	ListenPort int
}

// Attachment mirrors wire.Attachment for UI consumption.
type Attachment = wire.Attachment

// ChatMessage is delivered to the UI via Callbacks.MessageReceived.
type ChatMessage struct {
	From        overlay.PeerID
	Text        string
	Attachments []Attachment
	At          time.Time
}

// ScreenshareConfig is the minimal surface the call engine needs to open a
// screenshare sub-stream and hand off to the (external) screen-capture
// collaborator, which is out of scope here.
type ScreenshareConfig struct {
	Enabled     bool
	EncoderName string
}

// RoomState is the optional set of peers the local user is calling as a
// group; all members share one EarlyCallState.
type RoomState struct {
	Members []overlay.PeerID
}

// Statistics is the per-100ms snapshot pushed to the UI.
type Statistics struct {
	InputLevel   float32
	OutputLevel  float32
	LatencyMs    float64
	UploadBps    uint64
	DownloadBps  uint64
	Loss         float64
}

// SessionStatus is the tri-state reported via Callbacks.SessionStatus.
type SessionStatus int

const (
	StatusInactive SessionStatus = iota
	StatusConnecting
	StatusConnected
)

// Callbacks is the narrow set of UI-facing collaborators the call engine
// depends on only through their interfaces, collapsed into one interface
// since every implementation here is internal to this module.
type Callbacks interface {
	// AcceptCall prompts the UI to accept/reject an incoming call from
	// peer; ringtone may be nil. cancel is closed if the prompt should be
	// abandoned (e.g. a peer-sent Goodbye arrived while waiting).
	AcceptCall(ctx context.Context, peer overlay.PeerID, ringtone []byte, cancel <-chan struct{}) (bool, error)
	CallEnded(message string, userInitiated bool)
	GetContact(peer overlay.PeerID) (*Contact, bool)
	CallState(reconnecting bool)
	SessionStatus(peer overlay.PeerID, status SessionStatus)
	StartSessions()
	Statistics(snapshot Statistics)
	MessageReceived(msg ChatMessage)
	ManagerActive(active bool, restartable bool)
	ScreenshareStarted(stopNotify <-chan struct{}, isSender bool)
}
