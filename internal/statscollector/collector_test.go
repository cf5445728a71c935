package statscollector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
)

type fakeCallbacks struct {
	mu    sync.Mutex
	snaps []coretypes.Statistics
}

func (f *fakeCallbacks) AcceptCall(context.Context, overlay.PeerID, []byte, <-chan struct{}) (bool, error) {
	return false, nil
}
func (f *fakeCallbacks) CallEnded(string, bool)                       {}
func (f *fakeCallbacks) GetContact(overlay.PeerID) (*coretypes.Contact, bool) { return nil, false }
func (f *fakeCallbacks) CallState(bool)                               {}
func (f *fakeCallbacks) SessionStatus(overlay.PeerID, coretypes.SessionStatus) {}
func (f *fakeCallbacks) StartSessions()                               {}
func (f *fakeCallbacks) Statistics(s coretypes.Statistics) {
	f.mu.Lock()
	f.snaps = append(f.snaps, s)
	f.mu.Unlock()
}
func (f *fakeCallbacks) MessageReceived(coretypes.ChatMessage)       {}
func (f *fakeCallbacks) ManagerActive(bool, bool)                    {}
func (f *fakeCallbacks) ScreenshareStarted(<-chan struct{}, bool)    {}

func (f *fakeCallbacks) last() (coretypes.Statistics, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return coretypes.Statistics{}, 0
	}
	return f.snaps[len(f.snaps)-1], len(f.snaps)
}

func TestLevelMeterDecaysBelowFloorToZero(t *testing.T) {
	ch := make(chan float32, 4)
	m := newLevelMeter(ch)

	ch <- 0.8
	level := m.tick(10 * time.Millisecond)
	if level < 0.79 || level > 0.81 {
		t.Fatalf("expected ~0.8 after a loud sample, got %v", level)
	}

	// advance well past the half-life with no new samples
	level = m.tick(7 * levelHalfLife)
	if level != 0 {
		t.Fatalf("expected level to decay to 0 after 7 half-lives, got %v", level)
	}
}

func TestLevelMeterTakesWindowMax(t *testing.T) {
	ch := make(chan float32, 4)
	m := newLevelMeter(ch)

	ch <- 0.1
	ch <- 0.5
	ch <- 0.2
	level := m.tick(10 * time.Millisecond)
	if level < 0.49 || level > 0.51 {
		t.Fatalf("expected the window's max (~0.5), got %v", level)
	}
}

func TestCollectorStopEmitsZeroedSnapshotAndClearsAtomics(t *testing.T) {
	upload := &atomic.Uint64{}
	upload.Store(4096)
	latency := &atomic.Int64{}
	latency.Store(int64(50 * time.Millisecond))
	loss := coretypes.NewAtomicFloat32(0.25)
	cb := &fakeCallbacks{}

	c := New(Config{
		LatencyNanos: latency,
		UploadBytes:  upload,
		LossGauge:    loss,
		Callbacks:    cb,
	})

	go c.Run()
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	snap, n := cb.last()
	if n == 0 {
		t.Fatal("expected at least one snapshot to be emitted on stop")
	}
	if snap != (coretypes.Statistics{}) {
		t.Fatalf("expected a zeroed final snapshot, got %+v", snap)
	}
	if upload.Load() != 0 || latency.Load() != 0 || loss.Load() != 0 {
		t.Fatal("expected stop to clear the shared atomics")
	}
}
