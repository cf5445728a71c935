package sessionmgr

import (
	"context"
	"fmt"
	"log"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/peerstate"
)

// mainLoop is the manager's main select loop over the overlay event stream
// plus start-session, start-screenshare, and manager-restart requests.
func (m *Manager) mainLoop(ctx context.Context, handlerDone <-chan error) error {
	events := m.deps.Adapter.Events()
	for {
		if len(m.pending) > 0 {
			ev := m.pending[0]
			m.pending = m.pending[1:]
			m.handleEvent(ctx, ev)
			continue
		}

		select {
		case ev := <-events:
			m.handleEvent(ctx, ev)

		case peer := <-m.StartSession:
			m.handleStartSession(ctx, peer)

		case req := <-m.StartScreenshare:
			m.handleStartScreenshare(ctx, req)

		case <-m.restart:
			return ErrManagerRestart

		case err := <-handlerDone:
			return fmt.Errorf("incoming-stream handler exited: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev overlay.Event) {
	switch ev.Kind {
	case overlay.EventConnectionEstablished:
		m.onConnectionEstablished(ev)
	case overlay.EventPingResult:
		m.onPingResult(ctx, ev)
	case overlay.EventIdentifyReceived:
		m.onIdentifyReceived(ctx, ev)
	case overlay.EventHolePunchResult:
		m.onHolePunchResult(ctx, ev)
	case overlay.EventOutgoingConnectionError:
		m.onOutgoingConnectionError(ev)
	case overlay.EventConnectionClosed, overlay.EventIdentifySent:
		// No independent rule beyond PeerState/session teardown, which
		// happens via the connection's own disconnect path.
	}
}

func (m *Manager) onConnectionEstablished(ev overlay.Event) {
	if ev.Peer == m.deps.Network.RelayID {
		return
	}

	m.mu.Lock()
	if _, hasSession := m.sessions[ev.Peer]; hasSession {
		m.mu.Unlock()
		return
	}
	_, hadState := m.peers[ev.Peer]
	isRoomMember := m.deps.IsRoomMember != nil && m.deps.IsRoomMember(ev.Peer)
	if !hadState && !isRoomMember {
		m.mu.Unlock()
		_ = m.deps.Adapter.Disconnect(ev.Peer)
		return
	}

	ps, ok := m.peers[ev.Peer]
	if !ok {
		ps = peerstate.New(!ev.Listener)
		m.peers[ev.Peer] = ps
	}
	ps.Touch(ev.Conn, ev.Relayed)
	m.mu.Unlock()

	if ev.Listener {
		// The dialer side already reported "Connecting" at start-session
		// time; only the listener side reports it here.
		m.deps.Callbacks.SessionStatus(ev.Peer, coretypes.StatusConnecting)
	}
}

func (m *Manager) onPingResult(ctx context.Context, ev overlay.Event) {
	m.mu.Lock()
	if st, ok := m.sessions[ev.Peer]; ok {
		m.mu.Unlock()
		if ev.Latency >= 0 {
			st.LatencyNanos.Store(int64(ev.Latency))
		}
		return
	}

	ps, ok := m.peers[ev.Peer]
	if !ok {
		m.mu.Unlock()
		return
	}
	ps.SetLatency(ev.Conn, ev.Latency)

	ready := ps.Dialer && ps.AllLatenciesKnown() && ps.HasNonRelayed()
	var losers []overlay.ConnID
	if ready {
		_, losers = ps.Elect()
	}
	m.mu.Unlock()

	if ready {
		m.promote(ctx, ev.Peer, losers)
	}
}

func (m *Manager) onIdentifyReceived(ctx context.Context, ev overlay.Event) {
	m.mu.Lock()
	ps, ok := m.peers[ev.Peer]
	if !ok || !ps.Dialer || ps.Dialed {
		m.mu.Unlock()
		return
	}
	ps.Dialed = true
	addrs := ev.ListenAddrs
	m.mu.Unlock()

	for _, addr := range addrs {
		if _, err := m.deps.Adapter.Dial(ctx, addr); err != nil {
			log.Printf("[sessionmgr] hole-punch dial to %s at %s failed: %v", ev.Peer, addr, err)
		}
	}
}

func (m *Manager) onHolePunchResult(ctx context.Context, ev overlay.Event) {
	if ev.OK {
		return
	}
	m.mu.Lock()
	ps, ok := m.peers[ev.Peer]
	if !ok || ps.HasNonRelayed() || len(ps.Connections) == 0 {
		m.mu.Unlock()
		return
	}
	_, losers := ps.Elect()
	m.mu.Unlock()

	m.promote(ctx, ev.Peer, losers)
}

func (m *Manager) onOutgoingConnectionError(ev overlay.Event) {
	m.mu.Lock()
	_, ok := m.peers[ev.Peer]
	m.mu.Unlock()
	if !ok {
		m.deps.Callbacks.SessionStatus(ev.Peer, coretypes.StatusInactive)
	}
}

func (m *Manager) handleStartSession(ctx context.Context, peer overlay.PeerID) {
	if peer == m.deps.LocalPeer {
		return
	}
	m.mu.Lock()
	_, hasSession := m.sessions[peer]
	_, hasState := m.peers[peer]
	if hasSession || hasState {
		m.mu.Unlock()
		return
	}
	m.peers[peer] = peerstate.New(true)
	m.mu.Unlock()

	m.deps.Callbacks.SessionStatus(peer, coretypes.StatusConnecting)

	circuitAddr := overlay.Multiaddr(fmt.Sprintf("%s/p2p/%s/p2p-circuit/p2p/%s",
		m.deps.Network.RelayAddr, m.deps.Network.RelayID, peer))
	if _, err := m.deps.Adapter.Dial(ctx, circuitAddr); err != nil {
		m.mu.Lock()
		delete(m.peers, peer)
		m.mu.Unlock()
		m.deps.Callbacks.SessionStatus(peer, coretypes.StatusInactive)
	}
}

// handleStartScreenshare decides whether to start a screenshare.
// Capture/encoding itself is out of scope; this only opens the sub-stream
// (or arranges to receive one) and notifies the UI via ScreenshareStarted.
func (m *Manager) handleStartScreenshare(ctx context.Context, req StartScreenshareRequest) {
	if req.Header != nil {
		stream, err := m.deps.Adapter.OpenStream(ctx, req.Peer, coretypes.ScreenshareProtocol)
		if err != nil {
			log.Printf("[sessionmgr] open screenshare stream to %s failed: %v", req.Peer, err)
			return
		}
		stop := make(chan struct{})
		go func() {
			<-stop
			_ = stream.Close()
		}()
		m.deps.Callbacks.ScreenshareStarted(stop, true)
		return
	}

	m.mu.Lock()
	st, ok := m.sessions[req.Peer]
	m.mu.Unlock()
	if !ok {
		return
	}
	delivery := st.RequestSubstream()
	go func() {
		select {
		case stream := <-delivery:
			stop := make(chan struct{})
			go func() {
				<-stop
				_ = stream.Close()
			}()
			m.deps.Callbacks.ScreenshareStarted(stop, false)
		case <-ctx.Done():
		}
	}()
}
