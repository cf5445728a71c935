// Package sessionmgr implements the overlay-facing session manager:
// startup, the incoming-stream handler, and the main event loop that
// turns overlay connectivity into sessions.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/peerstate"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// ErrManagerRestart is returned by Run when the caller-supplied restart
// signal fires; the outer supervisor should wait and call Run again.
var ErrManagerRestart = errors.New("sessionmgr: restart requested")

// Deps bundles the manager's collaborators.
type Deps struct {
	Adapter      overlay.Adapter
	Network      coretypes.NetworkConfig
	Callbacks    coretypes.Callbacks
	LocalPeer    overlay.PeerID
	LocalHeader  func() wire.AudioHeader
	IsRoomMember func(overlay.PeerID) bool

	// OnInCall implements the call handshake + controller (internal/callctl.
	// HandleCall) once a session promotes to InCall.
	OnInCall func(ctx context.Context, st *session.State, ctrl *session.ControlStream, isDialer bool, local, remote wire.AudioHeader) (reason string, fatal bool)
}

// Manager owns every peer's transient PeerState before a session exists and
// every active session once one starts.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	peers    map[overlay.PeerID]*peerstate.State
	sessions map[overlay.PeerID]*session.State
	pending  []overlay.Event // events observed during startup's identify wait

	globalInCall atomic.Bool

	StartSession     chan overlay.PeerID
	StartScreenshare chan StartScreenshareRequest
	restart          chan struct{}
}

// StartScreenshareRequest requests opening (or receiving) a screenshare
// sub-stream with peer. Header is set when sending a header to a peer who
// has not yet opened the stream; nil when the local side is only ready to
// receive.
type StartScreenshareRequest struct {
	Peer   overlay.PeerID
	Header *coretypes.ScreenshareConfig
}

// New returns a Manager ready for Run.
func New(deps Deps) *Manager {
	return &Manager{
		deps:             deps,
		peers:            make(map[overlay.PeerID]*peerstate.State),
		sessions:         make(map[overlay.PeerID]*session.State),
		StartSession:     make(chan overlay.PeerID, 8),
		StartScreenshare: make(chan StartScreenshareRequest, 8),
		restart:          make(chan struct{}, 1),
	}
}

// Session looks up the live session for peer, if any. Exposed so the root
// engine can drive StartCall/EndCall/StopSession/chat delivery without the
// manager itself knowing about those higher-level operations.
func (m *Manager) Session(peer overlay.PeerID) (*session.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[peer]
	return st, ok
}

// RequestRestart signals the main loop to return ErrManagerRestart.
func (m *Manager) RequestRestart() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// Run executes the startup sequence, then the incoming-stream handler and
// main loop concurrently, until a fatal error, ctx cancellation, or a
// restart request. On ErrManagerRestart the caller's supervisor should wait
// for its own signal and invoke Run again on a fresh Manager/Adapter pair.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.startup(ctx); err != nil {
		return fmt.Errorf("sessionmgr: startup: %w", err)
	}

	controlStreams, err := m.deps.Adapter.Accept(coretypes.ControlProtocol)
	if err != nil {
		return fmt.Errorf("sessionmgr: accept control protocol: %w", err)
	}
	audioStreams, err := m.deps.Adapter.Accept(coretypes.AudioProtocol)
	if err != nil {
		return fmt.Errorf("sessionmgr: accept audio protocol: %w", err)
	}
	screenshareStreams, err := m.deps.Adapter.Accept(coretypes.ScreenshareProtocol)
	if err != nil {
		return fmt.Errorf("sessionmgr: accept screenshare protocol: %w", err)
	}

	handlerDone := make(chan error, 1)
	go m.incomingHandler(ctx, controlStreams, audioStreams, screenshareStreams, handlerDone)

	m.deps.Callbacks.ManagerActive(true, true)
	defer m.deps.Callbacks.ManagerActive(false, true)

	return m.mainLoop(ctx, handlerDone)
}

// startup listens, dials the relay (QUIC preferred, TCP fallback), waits
// for Identify in both directions, then listens on the relay's circuit
// address.
func (m *Manager) startup(ctx context.Context) error {
	listenAddr := overlay.Multiaddr(fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", m.deps.Network.ListenPort))
	if err := m.deps.Adapter.ListenOn(listenAddr); err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	relayAddr := m.deps.Network.RelayAddr
	connID, err := m.deps.Adapter.Dial(ctx, relayAddr)
	if err != nil {
		if tcp := tcpFallback(relayAddr); tcp != "" {
			log.Printf("[sessionmgr] QUIC dial to relay failed (%v), retrying over TCP", err)
			connID, err = m.deps.Adapter.Dial(ctx, tcp)
		}
		if err != nil {
			return fmt.Errorf("dial relay %s: %w", relayAddr, err)
		}
	}

	if err := m.awaitIdentify(ctx, connID); err != nil {
		return fmt.Errorf("await relay identify: %w", err)
	}

	circuitAddr := overlay.Multiaddr(fmt.Sprintf("%s/p2p/%s/p2p-circuit", relayAddr, m.deps.Network.RelayID))
	if err := m.deps.Adapter.ListenOn(circuitAddr); err != nil {
		return fmt.Errorf("listen on relay circuit %s: %w", circuitAddr, err)
	}
	return nil
}

// tcpFallback rewrites a QUIC/UDP multiaddr into its TCP equivalent, or
// returns "" if addr isn't recognizably QUIC.
func tcpFallback(addr overlay.Multiaddr) overlay.Multiaddr {
	s := string(addr)
	s = strings.Replace(s, "/udp/", "/tcp/", 1)
	s = strings.Replace(s, "/quic-v1", "", 1)
	s = strings.Replace(s, "/quic", "", 1)
	if s == string(addr) {
		return ""
	}
	return overlay.Multiaddr(s)
}

// awaitIdentify blocks until Identify has been both sent to and received
// from conn's peer. Events not matching conn are stashed in m.pending so the
// main loop processes them in order once it starts, rather than dropping
// activity observed during startup.
func (m *Manager) awaitIdentify(ctx context.Context, conn overlay.ConnID) error {
	events := m.deps.Adapter.Events()
	sent, received := false, false
	for !sent || !received {
		select {
		case ev := <-events:
			if ev.Conn == conn {
				switch ev.Kind {
				case overlay.EventIdentifySent:
					sent = true
					continue
				case overlay.EventIdentifyReceived:
					received = true
					continue
				}
			}
			m.pending = append(m.pending, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// incomingHandler is the incoming-stream handler: control
// sub-streams start new sessions; audio and screenshare sub-streams are
// handed to the waiting session's substream-delivery queue (see DESIGN.md's
// note on using distinct protocol IDs instead of demuxing one). Its exit
// (for any reason) triggers a manager restart.
func (m *Manager) incomingHandler(ctx context.Context, control, audioStreams, screenshareStreams <-chan overlay.IncomingStream, done chan<- error) {
	for {
		select {
		case inc, ok := <-control:
			if !ok {
				done <- fmt.Errorf("control accept loop closed")
				return
			}
			m.startSessionOn(ctx, inc.Peer, inc.Stream, false)

		case inc, ok := <-audioStreams:
			if !ok {
				done <- fmt.Errorf("audio accept loop closed")
				return
			}
			m.deliverSubstream("audio", inc)

		case inc, ok := <-screenshareStreams:
			if !ok {
				done <- fmt.Errorf("screenshare accept loop closed")
				return
			}
			m.deliverSubstream("screenshare", inc)

		case <-ctx.Done():
			done <- ctx.Err()
			return
		}
	}
}

func (m *Manager) deliverSubstream(kind string, inc overlay.IncomingStream) {
	m.mu.Lock()
	st, ok := m.sessions[inc.Peer]
	m.mu.Unlock()
	if !ok || !st.WantsSubstream.Load() {
		log.Printf("[sessionmgr] unsolicited %s sub-stream from %s, closing", kind, inc.Peer)
		_ = inc.Stream.Close()
		return
	}
	select {
	case st.SubstreamDelivery <- inc.Stream:
	default:
		log.Printf("[sessionmgr] %s sub-stream delivery queue full for %s, closing", kind, inc.Peer)
		_ = inc.Stream.Close()
	}
}

// startSessionOn creates the SessionState and Session for a freshly opened
// control sub-stream and runs it to completion in its own goroutine.
func (m *Manager) startSessionOn(ctx context.Context, peer overlay.PeerID, stream overlay.Stream, isDialer bool) {
	st := session.NewState(peer)

	m.mu.Lock()
	delete(m.peers, peer) // PeerState removed once a session opens
	m.sessions[peer] = st
	m.mu.Unlock()

	sess := session.New(st, stream, isDialer, session.Deps{
		Callbacks:    m.deps.Callbacks,
		LocalHeader:  m.deps.LocalHeader,
		IsRoomMember: m.deps.IsRoomMember,
		GlobalInCall: &m.globalInCall,
		OnInCall:     m.deps.OnInCall,
	})

	go func() {
		err := sess.Run(ctx)
		m.mu.Lock()
		delete(m.sessions, peer)
		m.mu.Unlock()
		if err != nil && !errors.Is(err, session.ErrSessionStopped) {
			log.Printf("[sessionmgr] session with %s ended: %v", peer, err)
		}
	}()
}

// promote closes every losing connection and retries opening the control
// sub-stream over the elected one, using bounded exponential backoff
// rather than a tight retry loop.
func (m *Manager) promote(ctx context.Context, peer overlay.PeerID, losers []overlay.ConnID) {
	for _, l := range losers {
		_ = m.deps.Adapter.CloseConnection(l)
	}
	m.mu.Lock()
	delete(m.peers, peer)
	m.mu.Unlock()
	go m.dialSessionWithBackoff(ctx, peer)
}

func (m *Manager) dialSessionWithBackoff(ctx context.Context, peer overlay.PeerID) {
	const maxBackoff = 5 * time.Second
	backoff := 100 * time.Millisecond
	for {
		m.mu.Lock()
		_, already := m.sessions[peer]
		m.mu.Unlock()
		if already {
			return
		}

		stream, err := m.deps.Adapter.OpenStream(ctx, peer, coretypes.ControlProtocol)
		if err == nil {
			m.startSessionOn(ctx, peer, stream, true)
			return
		}
		log.Printf("[sessionmgr] open control stream to %s failed, retrying in %s: %v", peer, backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
