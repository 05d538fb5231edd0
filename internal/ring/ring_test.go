package ring

import "testing"

// newTestRing builds a small ring entirely in a plain byte slice, exactly
// as Map would over real mmap'd memory, so the producer/consumer protocol
// can be exercised without a kernel socket.
func newTestRing(kind Kind, size uint32) (*Ring, []byte) {
	// layout: producer(4) consumer(4) flags(4) pad(4) descs...
	mem := make([]byte, 16+int(size)*16)
	return Map(kind, mem, size, 0, 4, 8, 16), mem
}

func TestReserveSubmitPeekRelease(t *testing.T) {
	r, _ := newTestRing(Fill, 8)

	start, n := r.Reserve(4)
	if n != 4 {
		t.Fatalf("expected to reserve 4, got %d", n)
	}
	for i := uint32(0); i < n; i++ {
		r.SetAddr(start+i, uint64(i)*4096)
	}
	r.Submit(n)

	pstart, avail := r.Peek(10)
	if avail != 4 {
		t.Fatalf("expected 4 available, got %d", avail)
	}
	if pstart != start {
		t.Fatalf("expected peek start %d, got %d", start, pstart)
	}
	for i := uint32(0); i < avail; i++ {
		if got := r.GetAddr(pstart + i); got != uint64(i)*4096 {
			t.Errorf("entry %d: got addr %d, want %d", i, got, uint64(i)*4096)
		}
	}
	r.Release(avail)

	_, avail2 := r.Peek(10)
	if avail2 != 0 {
		t.Fatalf("expected 0 available after release, got %d", avail2)
	}
}

func TestReserveNeverExceedsCapacity(t *testing.T) {
	r, _ := newTestRing(Fill, 4)

	_, n := r.Reserve(100)
	if n != 4 {
		t.Fatalf("expected reserve capped at ring size 4, got %d", n)
	}
	r.Submit(n)

	// Ring is full; a further reserve without a release must return 0.
	_, n2 := r.Reserve(1)
	if n2 != 0 {
		t.Fatalf("expected 0 reserved on a full ring, got %d", n2)
	}
}

func TestTXDescRoundTrip(t *testing.T) {
	r, _ := newTestRing(TX, 8)

	start, n := r.Reserve(1)
	if n != 1 {
		t.Fatalf("expected to reserve 1, got %d", n)
	}
	r.SetTXDesc(start, 8192, 256)
	r.Submit(n)

	pstart, avail := r.Peek(1)
	if avail != 1 {
		t.Fatalf("expected 1 available, got %d", avail)
	}
	addr, length := r.GetRXDesc(pstart)
	if addr != 8192 || length != 256 {
		t.Errorf("got (addr=%d, len=%d), want (8192, 256)", addr, length)
	}
}

func TestWraparound(t *testing.T) {
	r, _ := newTestRing(Fill, 4)

	for round := 0; round < 3; round++ {
		start, n := r.Reserve(4)
		if n != 4 {
			t.Fatalf("round %d: expected to reserve 4, got %d", round, n)
		}
		for i := uint32(0); i < n; i++ {
			r.SetAddr(start+i, uint64(round*10+int(i)))
		}
		r.Submit(n)

		pstart, avail := r.Peek(4)
		if avail != 4 {
			t.Fatalf("round %d: expected 4 available, got %d", round, avail)
		}
		for i := uint32(0); i < avail; i++ {
			want := uint64(round*10 + int(i))
			if got := r.GetAddr(pstart + i); got != want {
				t.Errorf("round %d entry %d: got %d, want %d", round, i, got, want)
			}
		}
		r.Release(avail)
	}
}

func TestNeedsWakeup(t *testing.T) {
	r, mem := newTestRing(TX, 8)
	if r.NeedsWakeup() {
		t.Error("expected NeedsWakeup false with zeroed flags")
	}
	mem[8] = RingNeedWakeup
	if !r.NeedsWakeup() {
		t.Error("expected NeedsWakeup true once flag bit is set")
	}
}
