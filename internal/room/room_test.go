package room

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/session"
	"github.com/chanderlud/telepathy/internal/wire"
)

// fakeCaptureDevice synthesizes a non-silent frame on every call, never
// blocking, so the input loop reliably observes Stop on its next
// iteration rather than waiting on a hardware buffer that never arrives.
type fakeCaptureDevice struct {
	rate   int
	closed atomic.Bool
}

func newFakeCaptureDevice(rate int) *fakeCaptureDevice {
	return &fakeCaptureDevice{rate: rate}
}

func (d *fakeCaptureDevice) ReadFrame() ([]int16, error) {
	if d.closed.Load() {
		return nil, io.EOF
	}
	frame := make([]int16, coretypes.FrameSize)
	for j := range frame {
		frame[j] = 100
	}
	return frame, nil
}
func (d *fakeCaptureDevice) SampleRate() int { return d.rate }
func (d *fakeCaptureDevice) Close() error    { d.closed.Store(true); return nil }

// fakePlaybackDevice records every frame it is asked to write.
type fakePlaybackDevice struct {
	rate int
	mu   sync.Mutex
	n    int
}

func (d *fakePlaybackDevice) WriteFrame(samples []float32) error {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
	return nil
}
func (d *fakePlaybackDevice) SampleRate() int { return d.rate }
func (d *fakePlaybackDevice) Close() error    { return nil }

func (d *fakePlaybackDevice) writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// playbackRegistry guards concurrent access to the per-member fake
// playback devices, since NewPlaybackMember runs on the controller's own
// goroutine while the test polls for writes from the test goroutine.
type playbackRegistry struct {
	mu      sync.Mutex
	devices map[overlay.PeerID]*fakePlaybackDevice
}

func (r *playbackRegistry) set(peer overlay.PeerID, d *fakePlaybackDevice) {
	r.mu.Lock()
	r.devices[peer] = d
	r.mu.Unlock()
}

func (r *playbackRegistry) writesFor(peer overlay.PeerID) int {
	r.mu.Lock()
	d := r.devices[peer]
	r.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.writes()
}

func newTestController(t *testing.T, members []overlay.PeerID) (*Controller, *playbackRegistry, chan MemberDelivery) {
	t.Helper()
	deliveries := make(chan MemberDelivery, len(members))
	playbacks := &playbackRegistry{devices: make(map[overlay.PeerID]*fakePlaybackDevice)}

	cfg := Config{
		Members:       members,
		EarlyState:    EarlyCallState{Codec: audio.CodecConfig{Enabled: false}},
		Sessions:      map[overlay.PeerID]*session.State{},
		StartSession:  make(chan overlay.PeerID, len(members)),
		Deliveries:    deliveries,
		CaptureDevice: newFakeCaptureDevice(48000),
		Muted:         &atomic.Bool{},
		InputGain:     coretypes.NewAtomicFloat32(1.0),
		InputRMS:      make(chan float32, 64),
		UploadBytes:   &atomic.Uint64{},
		NewPlaybackMember: func(peer overlay.PeerID) (audio.PlaybackDevice, *coretypes.AtomicFloat32, chan<- float32, *atomic.Uint64) {
			pb := &fakePlaybackDevice{rate: 48000}
			playbacks.set(peer, pb)
			return pb, coretypes.NewAtomicFloat32(1.0), make(chan float32, 64), &atomic.Uint64{}
		},
	}
	return New(cfg), playbacks, deliveries
}

// TestControllerFanOutDeliversToEveryMember exercises scenario E: one
// shared capture pipeline, independent playback per member, no
// server-side mixing between them.
func TestControllerFanOutDeliversToEveryMember(t *testing.T) {
	members := []overlay.PeerID{"alice", "bob"}
	c, playbacks, deliveries := newTestController(t, members)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	streamA, peerCloseA := newLoopbackStream(t)
	streamB, peerCloseB := newLoopbackStream(t)

	deliveries <- MemberDelivery{Peer: "alice", Stream: streamA}
	deliveries <- MemberDelivery{Peer: "bob", Stream: streamB}

	deadline := time.After(2 * time.Second)
	for {
		if playbacks.writesFor("alice") > 0 && playbacks.writesFor("bob") > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for both members to receive playback frames")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	peerCloseA()
	peerCloseB()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
}

// newLoopbackStream pairs an in-memory stream with a peer side that echoes
// every frame the controller writes straight back, simulating a remote
// member's own audio arriving into this member's output pipeline.
func newLoopbackStream(t *testing.T) (overlay.Stream, func()) {
	t.Helper()
	a, b := net.Pipe()

	go func() {
		r := wire.NewReader(b, wire.LenWidth16, coretypes.MaxAudioFrameBytes)
		w := wire.NewWriter(b, wire.LenWidth16)
		for {
			frame, err := r.ReadFrame()
			if err != nil {
				return
			}
			if err := w.WriteFrame(frame); err != nil {
				return
			}
		}
	}()

	return a, func() { _ = a.Close(); _ = b.Close() }
}
