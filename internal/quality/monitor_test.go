package quality

import (
	"testing"
	"time"
)

func withFakeClock(t *testing.T, start time.Time) func(advance time.Duration) {
	t.Helper()
	cur := start
	orig := timeNow
	timeNow = func() time.Time { return cur }
	t.Cleanup(func() { timeNow = orig })
	return func(d time.Duration) { cur = cur.Add(d) }
}

func TestQualitySagAndRecovery(t *testing.T) {
	advance := withFakeClock(t, time.Unix(0, 0))
	m := New()

	m.SetLocalReceiving(false)
	if m.Bidirectional() {
		t.Fatal("expected bidirectional=false after local drop")
	}

	advance(1600 * time.Millisecond)
	if !m.PendingReconnectNotification() {
		t.Fatal("expected pending reconnect notification after 1.6s")
	}
	m.MarkNotified()
	if m.PendingReconnectNotification() {
		t.Fatal("notification should be suppressed after MarkNotified")
	}

	advance(200 * time.Millisecond) // total gap ~1.8s
	m.SetLocalReceiving(true)
	if !m.Bidirectional() {
		t.Fatal("expected bidirectional=true after recovery")
	}

	loss := m.Tick()
	if loss < 0.15 || loss > 0.22 {
		t.Fatalf("loss = %v, want ~0.18", loss)
	}
}

func TestLossWindowPrunesOldGaps(t *testing.T) {
	advance := withFakeClock(t, time.Unix(0, 0))
	m := New()

	m.SetLocalReceiving(false)
	advance(500 * time.Millisecond)
	m.SetLocalReceiving(true)

	advance(11 * time.Second)
	loss := m.Tick()
	if loss != 0 {
		t.Fatalf("loss = %v, want 0 after window expiry", loss)
	}
}

func TestDuplicateTransitionsAreIdempotent(t *testing.T) {
	withFakeClock(t, time.Unix(0, 0))
	m := New()
	if changed := m.SetLocalReceiving(true); changed {
		t.Fatal("setting to the same value should report no change")
	}
	m.SetLocalReceiving(false)
	if changed := m.SetLocalReceiving(false); changed {
		t.Fatal("duplicate false should report no change")
	}
}
