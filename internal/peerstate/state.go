// Package peerstate holds the session manager's transient, per-peer
// bookkeeping and the connection-election logic used before a session is
// promoted onto one connection.
package peerstate

import (
	"time"

	"github.com/chanderlud/telepathy/internal/overlay"
)

// ConnInfo is what the manager knows about one connection to a peer while
// it is still deciding whether to promote it into a session.
type ConnInfo struct {
	Latency     *time.Duration // nil until a PingResult has been observed
	Relayed     bool
}

// State is the session manager's transient view of a peer before a session
// exists. Owned exclusively by the session manager; removed once a
// sub-stream opens or the peer disconnects.
//
// Invariant: while Dialer is true and Dialed is false, addresses learned
// via IdentifyReceived have not yet been re-dialed for hole punching.
type State struct {
	Dialer      bool
	Dialed      bool
	Connections map[overlay.ConnID]*ConnInfo
}

// New returns an empty State for a freshly observed peer.
func New(dialer bool) *State {
	return &State{Dialer: dialer, Connections: make(map[overlay.ConnID]*ConnInfo)}
}

// Touch records (or updates) a connection to this peer.
func (s *State) Touch(id overlay.ConnID, relayed bool) {
	if c, ok := s.Connections[id]; ok {
		c.Relayed = relayed
		return
	}
	s.Connections[id] = &ConnInfo{Relayed: relayed}
}

// SetLatency records a ping latency observed on one connection. A negative
// latency (ping failed) is not recorded — the connection remains
// latency-unknown for election purposes.
func (s *State) SetLatency(id overlay.ConnID, latency time.Duration) {
	c, ok := s.Connections[id]
	if !ok {
		c = &ConnInfo{}
		s.Connections[id] = c
	}
	if latency >= 0 {
		c.Latency = &latency
	}
}

// AllLatenciesKnown reports whether every tracked connection has an
// observed latency — the precondition for election.
func (s *State) AllLatenciesKnown() bool {
	if len(s.Connections) == 0 {
		return false
	}
	for _, c := range s.Connections {
		if c.Latency == nil {
			return false
		}
	}
	return true
}

// HasNonRelayed reports whether at least one tracked connection is direct.
func (s *State) HasNonRelayed() bool {
	for _, c := range s.Connections {
		if !c.Relayed {
			return true
		}
	}
	return false
}
