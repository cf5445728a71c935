package sessionmgr

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// fakeAdapter is a minimal in-memory overlay.Adapter for exercising the
// manager's startup sequence and event-driven decisions without a real
// p2p host.
type fakeAdapter struct {
	mu          sync.Mutex
	dialed      []overlay.Multiaddr
	listened    []overlay.Multiaddr
	opened      []overlay.PeerID
	closedConns []overlay.ConnID
	disconnects []overlay.PeerID

	events  chan overlay.Event
	control chan overlay.IncomingStream
	audio   chan overlay.IncomingStream
	share   chan overlay.IncomingStream

	nextConn int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events:  make(chan overlay.Event, 32),
		control: make(chan overlay.IncomingStream, 4),
		audio:   make(chan overlay.IncomingStream, 4),
		share:   make(chan overlay.IncomingStream, 4),
	}
}

func (f *fakeAdapter) Dial(ctx context.Context, addr overlay.Multiaddr) (overlay.ConnID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, addr)
	f.nextConn++
	return overlay.ConnID(string(addr)), nil
}

func (f *fakeAdapter) ListenOn(addr overlay.Multiaddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened = append(f.listened, addr)
	return nil
}

func (f *fakeAdapter) Accept(protocol string) (<-chan overlay.IncomingStream, error) {
	switch protocol {
	case coretypes.ControlProtocol:
		return f.control, nil
	case coretypes.AudioProtocol:
		return f.audio, nil
	case coretypes.ScreenshareProtocol:
		return f.share, nil
	}
	return make(chan overlay.IncomingStream), nil
}

func (f *fakeAdapter) OpenStream(ctx context.Context, peer overlay.PeerID, protocol string) (overlay.Stream, error) {
	f.mu.Lock()
	f.opened = append(f.opened, peer)
	f.mu.Unlock()
	a, _ := net.Pipe()
	return a, nil
}

func (f *fakeAdapter) Disconnect(peer overlay.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, peer)
	return nil
}

func (f *fakeAdapter) CloseConnection(id overlay.ConnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedConns = append(f.closedConns, id)
	return nil
}

func (f *fakeAdapter) Events() <-chan overlay.Event { return f.events }
func (f *fakeAdapter) Close() error                 { return nil }

func (f *fakeAdapter) wasDisconnected(p overlay.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.disconnects {
		if d == p {
			return true
		}
	}
	return false
}

type fakeMgrCallbacks struct {
	mu       sync.Mutex
	statuses map[overlay.PeerID]coretypes.SessionStatus
	active   []bool
}

func newFakeMgrCallbacks() *fakeMgrCallbacks {
	return &fakeMgrCallbacks{statuses: make(map[overlay.PeerID]coretypes.SessionStatus)}
}

func (f *fakeMgrCallbacks) AcceptCall(context.Context, overlay.PeerID, []byte, <-chan struct{}) (bool, error) {
	return true, nil
}
func (f *fakeMgrCallbacks) CallEnded(string, bool) {}
func (f *fakeMgrCallbacks) GetContact(overlay.PeerID) (*coretypes.Contact, bool) {
	return nil, false
}
func (f *fakeMgrCallbacks) CallState(bool) {}
func (f *fakeMgrCallbacks) SessionStatus(peer overlay.PeerID, status coretypes.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[peer] = status
}
func (f *fakeMgrCallbacks) StartSessions()                           {}
func (f *fakeMgrCallbacks) Statistics(coretypes.Statistics)           {}
func (f *fakeMgrCallbacks) MessageReceived(coretypes.ChatMessage)     {}
func (f *fakeMgrCallbacks) ManagerActive(bool, bool)                  {}
func (f *fakeMgrCallbacks) ScreenshareStarted(<-chan struct{}, bool)  {}

func (f *fakeMgrCallbacks) statusOf(p overlay.PeerID) (coretypes.SessionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[p]
	return s, ok
}

func testDeps(adapter *fakeAdapter, cb *fakeMgrCallbacks) Deps {
	return Deps{
		Adapter:      adapter,
		Network:      coretypes.NetworkConfig{RelayAddr: "/ip4/1.2.3.4/udp/4001/quic-v1", RelayID: "relay-peer", ListenPort: 4001},
		Callbacks:    cb,
		LocalPeer:    "me",
		LocalHeader:  func() wire.AudioHeader { return wire.AudioHeader{Channels: 1, SampleRate: 48000} },
		IsRoomMember: func(overlay.PeerID) bool { return false },
		OnInCall: func(ctx context.Context, st *session.State, ctrl *session.ControlStream, isDialer bool, local, remote wire.AudioHeader) (string, bool) {
			return "", false
		},
	}
}

func runStartup(t *testing.T, m *Manager, adapter *fakeAdapter) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.startup(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for {
		adapter.mu.Lock()
		n := len(adapter.dialed)
		adapter.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup never dialed the relay")
		case <-time.After(5 * time.Millisecond):
		}
	}
	adapter.mu.Lock()
	connAddr := adapter.dialed[0]
	adapter.mu.Unlock()
	_ = connAddr

	adapter.events <- overlay.Event{Kind: overlay.EventIdentifySent, Peer: "relay-peer", Conn: overlay.ConnID(connAddr)}
	adapter.events <- overlay.Event{Kind: overlay.EventIdentifyReceived, Peer: "relay-peer", Conn: overlay.ConnID(connAddr)}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("startup failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("startup did not complete")
	}
}

func TestStartupDialsRelayAndListensOnCircuit(t *testing.T) {
	adapter := newFakeAdapter()
	cb := newFakeMgrCallbacks()
	m := New(testDeps(adapter, cb))

	runStartup(t, m, adapter)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.listened) != 2 {
		t.Fatalf("expected 2 ListenOn calls (initial + circuit), got %d: %v", len(adapter.listened), adapter.listened)
	}
}

func TestConnectionEstablishedDisconnectsUnknownNonMember(t *testing.T) {
	adapter := newFakeAdapter()
	cb := newFakeMgrCallbacks()
	m := New(testDeps(adapter, cb))

	m.handleEvent(context.Background(), overlay.Event{
		Kind: overlay.EventConnectionEstablished, Peer: "stranger", Conn: "c1", Listener: true,
	})

	if !adapter.wasDisconnected("stranger") {
		t.Fatal("expected unknown, non-member peer to be disconnected")
	}
}

func TestStartSessionDialsCircuitAndReportsConnecting(t *testing.T) {
	adapter := newFakeAdapter()
	cb := newFakeMgrCallbacks()
	m := New(testDeps(adapter, cb))

	m.handleStartSession(context.Background(), "bob")

	status, ok := cb.statusOf("bob")
	if !ok || status != coretypes.StatusConnecting {
		t.Fatalf("expected bob to be reported Connecting, got %v ok=%v", status, ok)
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.dialed) != 1 {
		t.Fatalf("expected one circuit dial, got %d", len(adapter.dialed))
	}
}

func TestStartSessionSkipsSelf(t *testing.T) {
	adapter := newFakeAdapter()
	cb := newFakeMgrCallbacks()
	m := New(testDeps(adapter, cb))

	m.handleStartSession(context.Background(), "me")

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.dialed) != 0 {
		t.Fatal("expected no dial attempt when starting a session with self")
	}
}
