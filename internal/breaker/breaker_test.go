// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"
)

func TestOpensAtFailureThreshold(t *testing.T) {
	cb := New(time.Minute, 50*time.Millisecond, 0.5, 4)
	for i := 0; i < 2; i++ {
		cb.Record(true)
	}
	for i := 0; i < 2; i++ {
		cb.Record(false)
	}
	if cb.State() != Open {
		t.Fatalf("expected Open at 50%% failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must not allow before cooldown")
	}
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	cb := New(time.Minute, time.Second, 0.5, 10)
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	if cb.State() != Closed {
		t.Fatalf("expected Closed below min samples, got %v", cb.State())
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("expected Open, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe allowed after cooldown")
	}
	if cb.State() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("only one probe may be in flight")
	}

	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("successful probe must close the breaker, got %v", cb.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe allowed")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("failed probe must reopen, got %v", cb.State())
	}
}
