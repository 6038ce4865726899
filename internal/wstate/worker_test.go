package wstate

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWakeRunsOnce(t *testing.T) {
	var n atomic.Int32
	w := New(func() { n.Add(1) })
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Join()

	if err := w.WaitIdle(); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if !w.IsIdle() {
		t.Fatal("expected idle after start")
	}
	if err := w.Wake(); err != nil {
		t.Fatalf("wake: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() != 1 {
		t.Fatalf("expected fn to run once, ran %d times", n.Load())
	}
}

func TestWakeNoopWhileBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	w := New(func() {
		runs.Add(1)
		close(started)
		<-release
	})
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		close(release)
		w.Join()
	}()

	if err := w.WaitIdle(); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if err := w.Wake(); err != nil {
		t.Fatalf("wake: %v", err)
	}
	<-started

	// A second wake while busy must be a no-op, not queue a second run.
	if err := w.Wake(); err != nil {
		t.Fatalf("wake while busy: %v", err)
	}
}

func TestJoinWaitsForInFlightRun(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	w := New(func() {
		<-release
		close(done)
	})
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.WaitIdle(); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if err := w.Wake(); err != nil {
		t.Fatalf("wake: %v", err)
	}

	joined := make(chan struct{})
	go func() {
		w.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("join returned before in-flight run completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	<-joined
}

func TestJoinIdempotent(t *testing.T) {
	w := New(func() {})
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Join()
	w.Join()
}

func TestWakeAfterStopFails(t *testing.T) {
	w := New(func() {})
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Join()
	if err := w.Wake(); err == nil {
		t.Fatal("expected error waking a stopped worker")
	}
}

func TestPeriodicWake(t *testing.T) {
	var n atomic.Int32
	w := New(func() { n.Add(1) })
	w.SetPeriodicWake(10 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Join()

	deadline := time.Now().Add(time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() < 2 {
		t.Fatalf("expected at least 2 periodic runs, got %d", n.Load())
	}
}
