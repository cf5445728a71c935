// Package overlay wraps the p2p networking library behind the narrow
// surface the session manager needs: dialing, listening, accepting and
// opening named sub-streams, and a single event stream describing
// connection/identify/ping/hole-punch activity.
package overlay

import (
	"context"
	"io"
	"time"
)

// PeerID is the stable identifier derived from a peer's public key.
type PeerID string

// ConnID names one underlying transport connection to a peer. A peer may
// have more than one live ConnID while the session manager is still
// electing which connection to promote (see PeerState).
type ConnID string

// Multiaddr is an opaque dial/listen address understood by the overlay
// implementation (a libp2p multiaddr string in the concrete adapter).
type Multiaddr string

// Stream is a bidirectional byte stream belonging to one named protocol on
// one connection. Framed transports (internal/wire) are built on top of it.
type Stream interface {
	io.ReadWriteCloser
}

// IncomingStream pairs an accepted Stream with the peer and connection it
// arrived on.
type IncomingStream struct {
	Peer   PeerID
	Conn   ConnID
	Stream Stream
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EventConnectionEstablished EventKind = iota
	EventConnectionClosed
	EventOutgoingConnectionError
	EventPingResult
	EventIdentifyReceived
	EventIdentifySent
	EventHolePunchResult
)

// Event is the closed union of overlay notifications the session manager
// selects over. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Peer PeerID
	Conn ConnID

	// ConnectionEstablished
	Endpoint Multiaddr
	Relayed  bool
	Listener bool

	// PingResult: Latency is -1 when the ping failed/timed out.
	Latency time.Duration

	// IdentifyReceived
	ListenAddrs []Multiaddr

	// HolePunchResult
	OK bool
}

// Adapter is the narrow surface THE CORE requires from the overlay
// networking library. The concrete implementation (LibP2P) wraps a real
// p2p host; tests substitute an in-memory fake.
type Adapter interface {
	// Dial opens a connection to addr, returning the ConnID assigned to it.
	// Establishment is reported asynchronously via Events.
	Dial(ctx context.Context, addr Multiaddr) (ConnID, error)
	// ListenOn starts accepting inbound connections on addr.
	ListenOn(addr Multiaddr) error
	// Accept returns a channel of inbound sub-streams opened by peers on
	// protocol. The channel closes when the adapter is closed or the
	// underlying accept loop fails; a close triggers a manager restart.
	Accept(protocol string) (<-chan IncomingStream, error)
	// OpenStream opens an outbound named sub-stream to peer over its
	// currently elected connection.
	OpenStream(ctx context.Context, peer PeerID, protocol string) (Stream, error)
	// Disconnect closes every connection to peer.
	Disconnect(peer PeerID) error
	// CloseConnection closes one specific connection, leaving others to
	// the same peer intact.
	CloseConnection(id ConnID) error
	// Events returns the adapter's single event stream.
	Events() <-chan Event
	// Close tears down the adapter entirely.
	Close() error
}
