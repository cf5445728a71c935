package overlay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"
	"github.com/libp2p/go-libp2p/p2p/protocol/identify"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"
)

// LibP2P is the concrete Adapter backed by a real go-libp2p host. It
// translates go-libp2p's notifee/event-bus/protocol-service callbacks into
// the flat Event stream the session manager consumes.
//
// Grounded on the go-libp2p dependency surface present across the retrieval
// pack (identify, ping, holepunch/dcutr, circuit relay v2, yamux, noise).
type LibP2P struct {
	host host.Host
	ids  *identify.IDService
	ping *ping.PingService

	mu      sync.Mutex
	conns   map[ConnID]network.Conn
	nextSeq uint64

	events chan Event
	closed chan struct{}
}

// NewLibP2P builds a host listening nowhere yet; call ListenOn to bind
// addresses. relayAddr/relayID are not dialed here — the session manager
// drives that explicitly via Dial as part of its own startup sequence.
func NewLibP2P() (*LibP2P, error) {
	h, err := libp2p.New(
		libp2p.EnableHolePunching(),
		libp2p.EnableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("overlay: build host: %w", err)
	}

	ids, err := identify.NewIDService(h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("overlay: identify service: %w", err)
	}
	ids.Start()

	sub, err := h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("overlay: subscribe identify events: %w", err)
	}

	pingSvc := ping.NewPingService(h)

	a := &LibP2P{
		host:   h,
		ids:    ids,
		ping:   pingSvc,
		conns:  make(map[ConnID]network.Conn),
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}

	h.Network().Notify(a.notifee())
	go a.identifyLoop(sub)

	if _, err := holepunch.NewService(h, ids, func() []multiaddr.Multiaddr { return nil },
		holepunch.WithTracer(a.holePunchTracer())); err != nil {
		_ = sub.Close()
		_ = h.Close()
		return nil, fmt.Errorf("overlay: holepunch service: %w", err)
	}

	return a, nil
}

// identifyLoop translates go-libp2p's identify event bus into the adapter's
// own IdentifyReceived events. IdentifySent is emitted separately, per
// connection, by identifyConn.
func (a *LibP2P) identifyLoop(sub event.Subscription) {
	defer sub.Close()
	for {
		select {
		case raw, ok := <-sub.Out():
			if !ok {
				return
			}
			evt, ok := raw.(event.EvtPeerIdentificationCompleted)
			if !ok {
				continue
			}
			id := a.connIDFor(evt.Conn)
			listenAddrs := make([]Multiaddr, 0, len(evt.ListenAddrs))
			for _, addr := range evt.ListenAddrs {
				listenAddrs = append(listenAddrs, Multiaddr(addr.String()))
			}
			a.emit(Event{
				Kind:        EventIdentifyReceived,
				Peer:        PeerID(evt.Peer),
				Conn:        id,
				ListenAddrs: listenAddrs,
			})

		case <-a.closed:
			return
		}
	}
}

// identifyConn triggers this side's half of the identify exchange for a
// freshly established connection and emits IdentifySent once IdentifyWait
// reports that exchange complete; go-libp2p has no separate signal that
// the peer received our own Identify message.
func (a *LibP2P) identifyConn(id ConnID, c network.Conn) {
	<-a.ids.IdentifyWait(c)
	a.emit(Event{Kind: EventIdentifySent, Peer: PeerID(c.RemotePeer()), Conn: id})
}

// holePunchTracer adapts the holepunch service's EventTracer callback into
// an EventHolePunchResult, consumed by the session manager's relay-fallback
// logic (scenario F).
type holePunchTracerFunc func(peer.ID, bool)

func (f holePunchTracerFunc) Trace(evt *holepunch.Event) {
	switch evt.Type {
	case holepunch.DirectDialEvtT:
		de, ok := evt.Evt.(*holepunch.DirectDialEvt)
		if !ok {
			return
		}
		f(evt.Remote, de.Success)
	case holepunch.EndHolePunchEvtT:
		he, ok := evt.Evt.(*holepunch.EndHolePunchEvt)
		if !ok {
			return
		}
		f(evt.Remote, he.Success)
	}
}

func (a *LibP2P) holePunchTracer() holepunch.EventTracer {
	return holePunchTracerFunc(func(p peer.ID, ok bool) {
		a.emit(Event{Kind: EventHolePunchResult, Peer: PeerID(p), OK: ok})
	})
}

func (a *LibP2P) notifee() *network.NotifyBundle {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			id := a.registerConn(c)
			a.emit(Event{
				Kind:     EventConnectionEstablished,
				Peer:     PeerID(c.RemotePeer()),
				Conn:     id,
				Endpoint: Multiaddr(c.RemoteMultiaddr().String()),
				Relayed:  isRelayedAddr(c.RemoteMultiaddr()),
				Listener: c.Stat().Direction == network.DirInbound,
			})
			go a.pingLoop(id, c)
			go a.identifyConn(id, c)
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			id := a.unregisterConn(c)
			a.emit(Event{Kind: EventConnectionClosed, Peer: PeerID(c.RemotePeer()), Conn: id})
		},
	}
}

func (a *LibP2P) registerConn(c network.Conn) ConnID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSeq++
	id := ConnID(fmt.Sprintf("%s/%d", c.RemotePeer(), a.nextSeq))
	a.conns[id] = c
	return id
}

func (a *LibP2P) unregisterConn(c network.Conn) ConnID {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, conn := range a.conns {
		if conn == c {
			delete(a.conns, id)
			return id
		}
	}
	return ""
}

// pingLoop periodically pings a fresh connection and emits PingResult
// events; the session manager uses these for latency-based election.
func (a *LibP2P) pingLoop(id ConnID, c network.Conn) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
			res := <-a.ping.Ping(ctx, c.RemotePeer())
			latency := res.RTT
			if res.Error != nil {
				latency = -1
			}
			a.emit(Event{Kind: EventPingResult, Peer: PeerID(c.RemotePeer()), Conn: id, Latency: latency})
		}
	}
}

func isRelayedAddr(addr multiaddr.Multiaddr) bool {
	_, err := addr.ValueForProtocol(multiaddr.P_CIRCUIT)
	return err == nil
}

func (a *LibP2P) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		log.Printf("[overlay] event channel full, dropping %v", ev.Kind)
	}
}

// Dial implements Adapter.
func (a *LibP2P) Dial(ctx context.Context, addr Multiaddr) (ConnID, error) {
	info, err := parseAddrInfo(string(addr))
	if err != nil {
		return "", fmt.Errorf("overlay: parse dial address: %w", err)
	}
	if err := a.host.Connect(ctx, *info); err != nil {
		a.emit(Event{Kind: EventOutgoingConnectionError, Peer: PeerID(info.ID)})
		return "", fmt.Errorf("overlay: dial: %w", err)
	}
	for _, c := range a.host.Network().ConnsToPeer(info.ID) {
		a.mu.Lock()
		for id, conn := range a.conns {
			if conn == c {
				a.mu.Unlock()
				return id, nil
			}
		}
		a.mu.Unlock()
	}
	return "", fmt.Errorf("overlay: dial succeeded but no tracked connection found")
}

// ListenOn implements Adapter.
func (a *LibP2P) ListenOn(addr Multiaddr) error {
	ma, err := multiaddr.NewMultiaddr(string(addr))
	if err != nil {
		return fmt.Errorf("overlay: parse listen address: %w", err)
	}
	return a.host.Network().Listen(ma)
}

// Accept implements Adapter.
func (a *LibP2P) Accept(proto string) (<-chan IncomingStream, error) {
	out := make(chan IncomingStream, 16)
	a.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		select {
		case out <- IncomingStream{Peer: PeerID(s.Conn().RemotePeer()), Conn: a.connIDFor(s.Conn()), Stream: s}:
		case <-a.closed:
			_ = s.Close()
		}
	})
	go func() {
		<-a.closed
		close(out)
	}()
	return out, nil
}

func (a *LibP2P) connIDFor(c network.Conn) ConnID {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, conn := range a.conns {
		if conn == c {
			return id
		}
	}
	return ""
}

// OpenStream implements Adapter.
func (a *LibP2P) OpenStream(ctx context.Context, p PeerID, proto string) (Stream, error) {
	s, err := a.host.NewStream(ctx, peer.ID(p), protocol.ID(proto))
	if err != nil {
		return nil, fmt.Errorf("overlay: open stream: %w", err)
	}
	return s, nil
}

// Disconnect implements Adapter.
func (a *LibP2P) Disconnect(p PeerID) error {
	return a.host.Network().ClosePeer(peer.ID(p))
}

// CloseConnection implements Adapter.
func (a *LibP2P) CloseConnection(id ConnID) error {
	a.mu.Lock()
	c, ok := a.conns[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("overlay: unknown connection %q", id)
	}
	return c.Close()
}

// Events implements Adapter.
func (a *LibP2P) Events() <-chan Event { return a.events }

// Close implements Adapter.
func (a *LibP2P) Close() error {
	close(a.closed)
	return a.host.Close()
}

func parseAddrInfo(addr string) (*peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(ma)
}
