// Package statscollector implements the 100ms statistics snapshot:
// input/output level via a decaying running-max over an RMS window,
// latency, upload/download bandwidth, and loss, pushed to the UI callback.
package statscollector

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
)

const (
	tickInterval = 100 * time.Millisecond
	// levelHalfLife is the running-max decay half-life.
	levelHalfLife = 5 * time.Second
	// levelFloor is the cutoff below which a level reports as silence.
	levelFloor = 0.01
)

// levelMeter tracks one RMS channel's windowed max with a slowly-decaying
// running maximum, the same swap-and-reset idiom used for the byte-rate
// counters but applied to an audio level instead.
type levelMeter struct {
	in         <-chan float32
	runningMax float32
}

func newLevelMeter(in <-chan float32) *levelMeter {
	return &levelMeter{in: in}
}

// tick drains every pending sample, takes the window's max, decays the
// running maximum toward it, and reports the result (0 below the floor).
func (m *levelMeter) tick(elapsed time.Duration) float32 {
	var windowMax float32
	for {
		select {
		case v := <-m.in:
			if v > windowMax {
				windowMax = v
			}
		default:
			goto drained
		}
	}
drained:
	decay := float32(math.Exp2(-float64(elapsed) / float64(levelHalfLife)))
	m.runningMax *= decay
	if windowMax > m.runningMax {
		m.runningMax = windowMax
	}
	if m.runningMax < levelFloor {
		return 0
	}
	return m.runningMax
}

// Config bundles one active call's live gauges. Every field is optional;
// a nil gauge reports its zero value.
type Config struct {
	InputRMS  <-chan float32
	OutputRMS <-chan float32

	LatencyNanos  *atomic.Int64
	UploadBytes   *atomic.Uint64
	DownloadBytes *atomic.Uint64
	LossGauge     *coretypes.AtomicFloat32

	Callbacks coretypes.Callbacks
}

// Collector runs the 100ms snapshot loop for one active call. The root
// engine attaches one to every 1:1 call's pipeline; room calls get no
// Collector, so their levels, bandwidth and loss are not reported.
type Collector struct {
	cfg Config

	input  *levelMeter
	output *levelMeter

	stop chan struct{}
	done chan struct{}
}

// New builds a Collector ready to Run.
func New(cfg Config) *Collector {
	return &Collector{
		cfg:    cfg,
		input:  newLevelMeter(cfg.InputRMS),
		output: newLevelMeter(cfg.OutputRMS),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Stop requests the loop to exit after emitting a final, zeroed snapshot,
// clearing every gauge it tracks.
func (c *Collector) Stop() { close(c.stop) }

// Done reports when the loop has exited.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Run ticks every 100ms until Stop is called.
func (c *Collector) Run() {
	defer close(c.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-c.stop:
			c.emitZero()
			return

		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			c.emit(elapsed)
		}
	}
}

func (c *Collector) emit(elapsed time.Duration) {
	if c.cfg.Callbacks == nil {
		return
	}

	snapshot := coretypes.Statistics{
		InputLevel:  c.input.tick(elapsed),
		OutputLevel: c.output.tick(elapsed),
	}
	if c.cfg.LatencyNanos != nil {
		snapshot.LatencyMs = float64(c.cfg.LatencyNanos.Load()) / float64(time.Millisecond)
	}
	if c.cfg.UploadBytes != nil {
		snapshot.UploadBps = bytesToBps(c.cfg.UploadBytes.Swap(0), elapsed)
	}
	if c.cfg.DownloadBytes != nil {
		snapshot.DownloadBps = bytesToBps(c.cfg.DownloadBytes.Swap(0), elapsed)
	}
	if c.cfg.LossGauge != nil {
		snapshot.Loss = float64(c.cfg.LossGauge.Load())
	}

	c.cfg.Callbacks.Statistics(snapshot)
}

func (c *Collector) emitZero() {
	if c.cfg.Callbacks == nil {
		return
	}
	if c.cfg.UploadBytes != nil {
		c.cfg.UploadBytes.Store(0)
	}
	if c.cfg.DownloadBytes != nil {
		c.cfg.DownloadBytes.Store(0)
	}
	if c.cfg.LatencyNanos != nil {
		c.cfg.LatencyNanos.Store(0)
	}
	if c.cfg.LossGauge != nil {
		c.cfg.LossGauge.Store(0)
	}
	c.cfg.Callbacks.Statistics(coretypes.Statistics{})
}

func bytesToBps(bytes uint64, elapsed time.Duration) uint64 {
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64(bytes) * 8 / elapsed.Seconds())
}
