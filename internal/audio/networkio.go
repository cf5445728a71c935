package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
	"github.com/chanderlud/telepathy/internal/wire"
)

// AudioWriter is one peer's audio sub-stream, framed with a 16-bit length
// prefix.
type AudioWriter struct {
	Peer overlay.PeerID
	W    *wire.Writer
}

// NetworkInputTask is the async task that multiplexes the
// encoded/raw ProcessorMessage stream out to one writer per peer (N=1 for a
// 1:1 call, N>1 in a room).
type NetworkInputTask struct {
	In         *Unbounded[ProcessorMessage]
	mu         sync.RWMutex
	writers    []*AudioWriter
	UploadByte *atomic.Uint64
	done       chan struct{}
}

// NewNetworkInputTask builds a task fanning out to the given initial writers.
func NewNetworkInputTask(in *Unbounded[ProcessorMessage], uploadBytes *atomic.Uint64, writers ...*AudioWriter) *NetworkInputTask {
	return &NetworkInputTask{In: in, writers: writers, UploadByte: uploadBytes, done: make(chan struct{})}
}

// AddWriter attaches a new peer's audio sub-stream mid-flight (room join).
func (t *NetworkInputTask) AddWriter(w *AudioWriter) {
	t.mu.Lock()
	t.writers = append(t.writers, w)
	t.mu.Unlock()
}

// Done reports when the task has exited (In was closed).
func (t *NetworkInputTask) Done() <-chan struct{} { return t.done }

// Run drains In until it is closed (the shared stop-io signal closes In).
func (t *NetworkInputTask) Run() {
	defer close(t.done)
	for {
		msg, ok := t.In.Pop()
		if !ok {
			return
		}

		var payload []byte
		switch msg.Kind {
		case MsgSilence:
			payload = []byte{coretypes.SilenceSentinel}
		case MsgData:
			payload = msg.Data
		case MsgSamples:
			// Samples should have been consumed by an encoder before
			// reaching this task; treat unexpectedly-raw samples as a
			// programmer error made safe by falling back to raw bytes.
			payload = int16LEBytes(msg.Samples)
		}

		t.mu.RLock()
		writers := t.writers
		t.mu.RUnlock()

		for _, w := range writers {
			_ = w.W.WriteFrame(payload) // best-effort; a dead writer is
			// pruned by the session manager/call controller noticing the
			// peer's session ended, not by this task.
		}
		if t.UploadByte != nil {
			t.UploadByte.Add(uint64(len(payload)) * uint64(len(writers)))
		}
	}
}

// ReceivingEvent reports a local-receiving transition.
type ReceivingEvent struct {
	Receiving bool
}

// NetworkOutputTask is the async task that reads frames with a
// 100ms receive timeout and emits "receiving" transitions, decoded output
// feeding the output processor's unbounded queue.
type NetworkOutputTask struct {
	R          *wire.Reader
	Out        *Unbounded[ProcessorMessage]
	Decoder    Decoder
	Receiving  chan ReceivingEvent // buffered (4); call controller selects on it
	DownloadBy *atomic.Uint64
	done       chan struct{}
	stop       chan struct{}
}

// NewNetworkOutputTask builds a task reading from r.
func NewNetworkOutputTask(r *wire.Reader, out *Unbounded[ProcessorMessage], decoder Decoder, downloadBytes *atomic.Uint64) *NetworkOutputTask {
	return &NetworkOutputTask{
		R: r, Out: out, Decoder: decoder, DownloadBy: downloadBytes,
		Receiving: make(chan ReceivingEvent, 4),
		done:      make(chan struct{}), stop: make(chan struct{}),
	}
}

// Stop requests the task to exit; it may take up to the 100ms read timeout
// to observe this.
func (t *NetworkOutputTask) Stop() { close(t.stop) }

// Done reports when the task has exited.
func (t *NetworkOutputTask) Done() <-chan struct{} { return t.done }

// Run reads frames until Stop is called or a read error occurs.
func (t *NetworkOutputTask) Run() {
	defer close(t.done)

	type readResult struct {
		frame []byte
		err   error
	}
	frames := make(chan readResult, 1)
	readOne := func() {
		f, err := t.R.ReadFrame()
		frames <- readResult{frame: f, err: err}
	}
	go readOne()

	lastReceiving := false
	emit := func(receiving bool) {
		if receiving == lastReceiving {
			return // idempotent, duplicate suppression (spec property 7)
		}
		lastReceiving = receiving
		select {
		case t.Receiving <- ReceivingEvent{Receiving: receiving}:
		case <-t.stop:
		}
	}

	timer := time.NewTimer(coretypes.NetworkOutputReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return

		case res := <-frames:
			if res.err != nil {
				emit(false)
				return
			}
			emit(true)
			if t.DownloadBy != nil {
				t.DownloadBy.Add(uint64(len(res.frame)))
			}
			t.dispatch(res.frame)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(coretypes.NetworkOutputReadTimeout)
			go readOne()

		case <-timer.C:
			emit(false)
			timer.Reset(coretypes.NetworkOutputReadTimeout)
		}
	}
}

func (t *NetworkOutputTask) dispatch(frame []byte) {
	if len(frame) == 1 && frame[0] == coretypes.SilenceSentinel {
		t.Out.Push(Silence())
		return
	}
	if t.Decoder == nil {
		t.Out.Push(DataMsg(frame))
		return
	}
	pcm, err := t.Decoder.Decode(frame)
	if err != nil {
		pcm, err = t.Decoder.DecodePLC()
		if err != nil {
			return
		}
	}
	t.Out.Push(SamplesMsg(pcm))
}
