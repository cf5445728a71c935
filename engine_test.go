package telepathy

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/chanderlud/telepathy/internal/audio"
	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/wire"
)

// noopCallbacks satisfies Callbacks for tests that never expect the UI
// sink to be driven to a particular value.
type noopCallbacks struct{}

func (noopCallbacks) AcceptCall(ctx context.Context, peer overlay.PeerID, ringtone []byte, cancel <-chan struct{}) (bool, error) {
	return true, nil
}
func (noopCallbacks) CallEnded(message string, userInitiated bool)      {}
func (noopCallbacks) GetContact(peer overlay.PeerID) (*Contact, bool)   { return nil, false }
func (noopCallbacks) CallState(reconnecting bool)                      {}
func (noopCallbacks) SessionStatus(peer overlay.PeerID, status SessionStatus) {}
func (noopCallbacks) StartSessions()                                   {}
func (noopCallbacks) Statistics(snapshot Statistics)                   {}
func (noopCallbacks) MessageReceived(msg ChatMessage)                  {}
func (noopCallbacks) ManagerActive(active bool, restartable bool)      {}
func (noopCallbacks) ScreenshareStarted(stopNotify <-chan struct{}, isSender bool) {}

// newTestPipe returns a Stream pair connected by net.Pipe, standing in for
// an opened audio sub-stream.
func newTestPipe() (overlay.Stream, overlay.Stream) {
	a, b := net.Pipe()
	return a, b
}

type fakeCaptureDevice struct{ closed bool }

func (f *fakeCaptureDevice) ReadFrame() ([]int16, error) { return make([]int16, 480), nil }
func (f *fakeCaptureDevice) SampleRate() int              { return 48000 }
func (f *fakeCaptureDevice) Close() error                 { f.closed = true; return nil }

type fakePlaybackDevice struct{ closed bool }

func (f *fakePlaybackDevice) WriteFrame(samples []float32) error { return nil }
func (f *fakePlaybackDevice) SampleRate() int                    { return 48000 }
func (f *fakePlaybackDevice) Close() error                       { f.closed = true; return nil }

type fakeResampler struct{}

func (fakeResampler) Resample(in []float32, dstRate, srcRate int) []float32 { return in }

func newTestConfig() Config {
	return Config{
		Identity:  Identity{PeerID: "local"},
		Callbacks: noopCallbacks{},
		NewCaptureDevice: func() (audio.CaptureDevice, error) {
			return &fakeCaptureDevice{}, nil
		},
		NewPlaybackDevice: func(peer overlay.PeerID) (audio.PlaybackDevice, error) {
			return &fakePlaybackDevice{}, nil
		},
		NewResampler: func() (audio.Resampler, error) {
			return fakeResampler{}, nil
		},
	}
}

func TestNewRejectsMissingDeviceFactories(t *testing.T) {
	cfg := newTestConfig()
	cfg.NewCaptureDevice = nil
	if _, err := New(cfg); !errors.Is(err, ErrNoInputDevice) {
		t.Fatalf("expected ErrNoInputDevice, got %v", err)
	}

	cfg = newTestConfig()
	cfg.NewPlaybackDevice = nil
	if _, err := New(cfg); !errors.Is(err, ErrNoOutputDevice) {
		t.Fatalf("expected ErrNoOutputDevice, got %v", err)
	}
}

func TestOperationsWithoutActiveManagerFail(t *testing.T) {
	e, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.StartCall("peer", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("StartCall: expected ErrNoSession, got %v", err)
	}
	if err := e.EndCall("peer"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("EndCall: expected ErrNoSession, got %v", err)
	}
	if err := e.StopSession("peer"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("StopSession: expected ErrNoSession, got %v", err)
	}
	if err := e.SendChat("peer", "hi", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SendChat: expected ErrNoSession, got %v", err)
	}
	if err := e.JoinRoom([]overlay.PeerID{"a", "b"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("JoinRoom: expected ErrNoSession, got %v", err)
	}

	// StartSession and LeaveRoom are no-ops without an active manager/room.
	e.StartSession("peer")
	e.LeaveRoom()
}

func TestSharedStateTogglesAreIndependent(t *testing.T) {
	e, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.SetMuted(true)
	e.SetDeafened(true)
	e.SetDenoiseEnabled(false)
	e.SetInputGain(0.5)
	e.SetOutputGain(2.0)

	if !e.shared.muted.Load() {
		t.Fatal("expected muted")
	}
	if !e.shared.deafened.Load() {
		t.Fatal("expected deafened")
	}
	if e.shared.denoise.Load() {
		t.Fatal("expected denoise disabled")
	}
	if got := e.shared.inputGain.Load(); got != 0.5 {
		t.Fatalf("input gain = %v, want 0.5", got)
	}
	if got := e.shared.outputGain.Load(); got != 2.0 {
		t.Fatalf("output gain = %v, want 2.0", got)
	}
}

func TestContactBookAndRoomMembership(t *testing.T) {
	e, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.SetContact(Contact{PeerID: "bob", Nickname: "Bob"})
	c, ok := e.shared.getContact("bob")
	if !ok || c.Nickname != "Bob" {
		t.Fatalf("expected contact Bob, got %+v, %v", c, ok)
	}
	e.RemoveContact("bob")
	if _, ok := e.shared.getContact("bob"); ok {
		t.Fatal("expected contact removed")
	}

	if e.shared.isRoomMember("carol") {
		t.Fatal("carol should not be a room member yet")
	}
	e.shared.setRoomMembers([]overlay.PeerID{"carol", "dave"})
	if !e.shared.isRoomMember("carol") || !e.shared.isRoomMember("dave") {
		t.Fatal("expected carol and dave to be room members")
	}
	e.shared.clearRoomMembers()
	if e.shared.isRoomMember("carol") {
		t.Fatal("expected room membership cleared")
	}
}

func TestLocalHeaderReflectsCodecPreference(t *testing.T) {
	e, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.cfg.CodecPreference = audio.CodecConfig{Enabled: true, VBR: true, ResidualBits: 6}

	h := e.localHeader()
	if !h.CodecEnabled || !h.VBR || h.ResidualBits != 6 {
		t.Fatalf("localHeader did not reflect codec preference: %+v", h)
	}
}

func TestPipelineFactoryBuildsWithoutCodec(t *testing.T) {
	e, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	factory := e.pipelineFactory()
	client, srv := newTestPipe()
	defer func() { _ = client.Close(); _ = srv.Close() }()
	go drainFrames(srv)

	pipeline, err := factory(client, audio.CodecConfig{Enabled: false}, true)
	if err != nil {
		t.Fatalf("pipelineFactory: %v", err)
	}
	if pipeline == nil {
		t.Fatal("expected a non-nil pipeline")
	}
	pipeline.Start()
	pipeline.Stop()
	<-pipeline.Done()
}

// drainFrames reads and discards length-prefixed audio frames from s until
// it errors (closed), so a pipeline writing into s over net.Pipe never
// blocks waiting for a reader.
func drainFrames(s overlay.Stream) {
	r := wire.NewReader(s, wire.LenWidth16, coretypes.MaxAudioFrameBytes)
	for {
		if _, err := r.ReadFrame(); err != nil {
			return
		}
	}
}

func TestPipelineFactoryPropagatesCaptureDeviceError(t *testing.T) {
	cfg := newTestConfig()
	cfg.NewCaptureDevice = func() (audio.CaptureDevice, error) {
		return nil, errors.New("no microphone")
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	factory := e.pipelineFactory()
	client, srv := newTestPipe()
	defer func() { _ = client.Close(); _ = srv.Close() }()

	if _, err := factory(client, audio.CodecConfig{Enabled: false}, true); !errors.Is(err, ErrNoInputDevice) {
		t.Fatalf("expected ErrNoInputDevice, got %v", err)
	}
}
