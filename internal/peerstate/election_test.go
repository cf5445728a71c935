package peerstate

import (
	"testing"
	"time"
)

func TestElectPrefersNonRelayedRegardlessOfLatency(t *testing.T) {
	s := New(true)
	s.Touch("relayed-fast", true)
	s.SetLatency("relayed-fast", 5*time.Millisecond)
	s.Touch("direct-slow", false)
	s.SetLatency("direct-slow", 200*time.Millisecond)

	winner, losers := s.Elect()
	if winner != "direct-slow" {
		t.Fatalf("expected direct-slow to win, got %s", winner)
	}
	if len(losers) != 1 || losers[0] != "relayed-fast" {
		t.Fatalf("unexpected losers: %v", losers)
	}
}

func TestElectLowestLatencyAmongEqualRelayedness(t *testing.T) {
	s := New(true)
	s.Touch("a", false)
	s.SetLatency("a", 50*time.Millisecond)
	s.Touch("b", false)
	s.SetLatency("b", 10*time.Millisecond)

	winner, _ := s.Elect()
	if winner != "b" {
		t.Fatalf("expected b (lowest latency), got %s", winner)
	}
}

func TestAllLatenciesKnown(t *testing.T) {
	s := New(true)
	if s.AllLatenciesKnown() {
		t.Fatal("empty state should not report latencies known")
	}
	s.Touch("a", false)
	if s.AllLatenciesKnown() {
		t.Fatal("unset latency should not be known")
	}
	s.SetLatency("a", 10*time.Millisecond)
	if !s.AllLatenciesKnown() {
		t.Fatal("expected latencies known")
	}
}
