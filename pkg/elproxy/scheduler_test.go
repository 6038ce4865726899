package elproxy

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
)

func newTestSlotPair(t *testing.T) (*slot, *slot) {
	t.Helper()
	l := zerolog.Nop()
	// Each slot binds its own UDP ports, so the two need distinct addresses.
	s0, err := newSlot(0, "127.0.0.1", l, nil)
	if err != nil {
		t.Fatalf("newSlot(0): %v", err)
	}
	s1, err := newSlot(1, "127.0.0.2", l, nil)
	if err != nil {
		s0.udpData.Close()
		s0.udpCtrl.Close()
		t.Fatalf("newSlot(1): %v", err)
	}
	t.Cleanup(func() {
		s0.udpData.Close()
		s0.udpCtrl.Close()
		s1.udpData.Close()
		s1.udpCtrl.Close()
	})
	return s0, s1
}

// TestReconnectPreference covers spec.md §8 scenario 4: slot[0] was last
// used by KM0H and is idle at the head of the list, slot[1] was last used
// by N0CALL and is idle at the tail. When KM0H reconnects, the
// reconnect-match pass must choose slot[0], the slot KM0H last used, while
// both slots are idle.
func TestReconnectPreference(t *testing.T) {
	s0, s1 := newTestSlotPair(t)
	s0.lastCall = "KM0H"
	s1.lastCall = "N0CALL"

	pool := newSlotPool([]*slot{s0, s1})

	client, remote := net.Pipe()
	defer remote.Close()

	chosen, err := pool.acquire(client, "KM0H")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if chosen != s0 {
		t.Fatalf("acquire chose slot %d, want slot 0 (the reconnect match)", chosen.index)
	}
}

// TestNoReconnectMatchFallsBackToLRU covers the fallback half of the same
// policy: with no callsign match anywhere in the idle list, the
// least-recently-used (head) slot is chosen.
func TestNoReconnectMatchFallsBackToLRU(t *testing.T) {
	s0, s1 := newTestSlotPair(t)
	s0.lastCall = "KM0H"
	s1.lastCall = "N0CALL"

	pool := newSlotPool([]*slot{s0, s1})

	client, remote := net.Pipe()
	defer remote.Close()

	chosen, err := pool.acquire(client, "W1AW")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if chosen != s0 {
		t.Fatalf("acquire chose slot %d, want slot 0 (LRU fallback)", chosen.index)
	}
}

func TestAcquireNoSlot(t *testing.T) {
	pool := newSlotPool(nil)
	client, remote := net.Pipe()
	defer remote.Close()
	defer client.Close()

	if _, err := pool.acquire(client, "KM0H"); err != ErrNoSlot {
		t.Fatalf("acquire on empty pool = %v, want ErrNoSlot", err)
	}
}

func TestAcquireThenRelease(t *testing.T) {
	s0, s1 := newTestSlotPair(t)
	pool := newSlotPool([]*slot{s0, s1})

	c1, r1 := net.Pipe()
	defer r1.Close()
	defer c1.Close()

	chosen, err := pool.acquire(c1, "KM0H")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if chosen != s0 {
		t.Fatalf("first acquire chose slot %d, want slot 0", chosen.index)
	}
	if pool.used() != 1 {
		t.Fatalf("used() = %v, want 1", pool.used())
	}

	pool.release(chosen)
	if pool.used() != 0 {
		t.Fatalf("used() after release = %v, want 0", pool.used())
	}

	c2, r2 := net.Pipe()
	defer r2.Close()
	defer c2.Close()

	// slot0 is now idle again at the tail; a fresh callsign should still
	// fall back to the head (slot1).
	chosen2, err := pool.acquire(c2, "N0CALL")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if chosen2 != s1 {
		t.Fatalf("second acquire chose slot %d, want slot 1 (LRU)", chosen2.index)
	}
}

func TestSlotAcceptBusy(t *testing.T) {
	s0, _ := newTestSlotPair(t)
	c1, r1 := net.Pipe()
	defer r1.Close()
	defer c1.Close()
	if err := s0.accept(c1, "KM0H", false); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	c2, r2 := net.Pipe()
	defer r2.Close()
	defer c2.Close()
	if err := s0.accept(c2, "N0CALL", false); err != ErrBusy {
		t.Fatalf("accept on bound slot = %v, want ErrBusy", err)
	}
}

func TestSlotAcceptReconnectOnlyRejectsMismatch(t *testing.T) {
	s0, _ := newTestSlotPair(t)
	s0.lastCall = "KM0H"

	c1, r1 := net.Pipe()
	defer r1.Close()
	defer c1.Close()

	if err := s0.accept(c1, "N0CALL", true); err != ErrBusy {
		t.Fatalf("reconnect-only accept with mismatched callsign = %v, want ErrBusy", err)
	}
	if err := s0.accept(c1, "KM0H", true); err != nil {
		t.Fatalf("reconnect-only accept with matching callsign: %v", err)
	}
}
