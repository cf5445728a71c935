// Package quality implements the call controller's bidirectional-audio
// quality monitor: a sliding window of disconnect durations driving the
// "connected/reconnecting" UI state with hysteresis.
package quality

import (
	"time"

	"github.com/chanderlud/telepathy/internal/coretypes"
)

// gap is one completed disconnect interval, (started, duration).
type gap struct {
	at       time.Time
	duration time.Duration
}

// Monitor tracks local-receiving and remote-receiving independently and
// derives their conjunction, "bidirectional audio flowing". A pending
// reconnect notification is tracked with a nil-able *time.Time rather than
// a sentinel far-future timestamp.
type Monitor struct {
	localReceiving  bool
	remoteReceiving bool
	bidirectional   bool

	disconnectedAt *time.Time // nil unless a disconnect is in progress
	notifiedGap    bool       // whether call_state(true) has fired for the current gap

	gaps []gap // pruned to the last LossWindow on each Tick
}

// New returns a Monitor assuming both directions start connected, matching
// a call that has just entered InCall.
func New() *Monitor {
	return &Monitor{localReceiving: true, remoteReceiving: true, bidirectional: true}
}

// SetLocalReceiving updates the local-receiving flag (driven by the
// network-output task) and re-evaluates the aggregate state.
func (m *Monitor) SetLocalReceiving(receiving bool) (changed bool) {
	if m.localReceiving == receiving {
		return false
	}
	m.localReceiving = receiving
	m.reevaluate()
	return true
}

// SetRemoteReceiving updates the remote-receiving flag (driven by
// ConnectionInterrupted/Restored messages from the peer).
func (m *Monitor) SetRemoteReceiving(receiving bool) (changed bool) {
	if m.remoteReceiving == receiving {
		return false
	}
	m.remoteReceiving = receiving
	m.reevaluate()
	return true
}

func (m *Monitor) reevaluate() {
	now := m.localReceiving && m.remoteReceiving
	if now == m.bidirectional {
		return
	}
	m.bidirectional = now
	if !now {
		t := timeNow()
		m.disconnectedAt = &t
		m.notifiedGap = false
	} else {
		if m.disconnectedAt != nil {
			m.gaps = append(m.gaps, gap{at: *m.disconnectedAt, duration: timeNow().Sub(*m.disconnectedAt)})
		}
		m.disconnectedAt = nil
		m.notifiedGap = false
	}
}

// PendingReconnectNotification reports whether a disconnect has been
// ongoing for at least spec's 1.5s threshold and the UI has not yet been
// told. Callers (the call controller) call this from their 1.5s hysteresis
// timer and, if true, invoke Callbacks.CallState(true) and mark it
// delivered via MarkNotified.
func (m *Monitor) PendingReconnectNotification() bool {
	if m.disconnectedAt == nil || m.notifiedGap {
		return false
	}
	return timeNow().Sub(*m.disconnectedAt) >= coretypes.ReconnectingDelay
}

// MarkNotified records that the reconnecting notification has been sent for
// the current gap, suppressing duplicates until the next disconnect begins.
func (m *Monitor) MarkNotified() { m.notifiedGap = true }

// Bidirectional reports whether local and remote receiving are both
// currently true.
func (m *Monitor) Bidirectional() bool { return m.bidirectional }

// Tick drops gaps older than LossWindow and returns the current loss
// fraction:
// loss(t) = min(1.0, sum(disconnect_durations in [t-10s,t]) / 10s).
func (m *Monitor) Tick() float64 {
	now := timeNow()
	cutoff := now.Add(-coretypes.LossWindow)

	kept := m.gaps[:0]
	var total time.Duration
	for _, g := range m.gaps {
		if g.at.Before(cutoff) {
			continue
		}
		kept = append(kept, g)
		total += g.duration
	}
	m.gaps = kept

	if m.disconnectedAt != nil && m.disconnectedAt.After(cutoff) {
		total += now.Sub(*m.disconnectedAt)
	} else if m.disconnectedAt != nil {
		total += now.Sub(cutoff)
	}

	loss := total.Seconds() / coretypes.LossWindow.Seconds()
	if loss > 1 {
		loss = 1
	}
	return loss
}

// timeNow is a seam so tests can be deterministic without wall-clock
// flakiness; production always uses time.Now.
var timeNow = time.Now
