// Package umem manages the page-aligned, locked memory region an AF_XDP
// socket registers with the kernel as its packet buffer pool. Frames are
// split into a static TX range and a static RX range rather than drawn
// from a single free-frame pool, since TX and RX frames are never
// interchangeable within a socket's lifetime.
package umem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Umem owns the mmap'd frame buffer for one XdpSocket. Frames [0, txFrames)
// are reserved for transmit; frames [txFrames, txFrames+rxFrames) are
// handed to the kernel via the fill ring and never allocated directly.
type Umem struct {
	mem       []byte
	frameSize uint32
	txFrames  uint32
	rxFrames  uint32
	headroom  uint32

	nextTX uint64 // atomic fetch-add counter, modulo txFrames
}

// New allocates and locks a region sized for txFrames+rxFrames frames of
// frameSize bytes each. The region is anonymous, zeroed, and advised with
// huge pages when the platform supports it; memory-locking requires an
// unlimited RLIMIT_MEMLOCK.
func New(frameSize, txFrames, rxFrames, headroom uint32) (*Umem, error) {
	total := int(frameSize) * int(txFrames+rxFrames)

	mem, err := unix.Mmap(-1, 0, total,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("umem: mmap %d bytes: %w", total, err)
	}

	if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
		// Huge pages are an optimization, not a requirement; THP may be
		// disabled or unsupported on this kernel.
		_ = err
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("umem: mlock: %w (requires unlimited RLIMIT_MEMLOCK)", err)
	}

	return &Umem{
		mem:       mem,
		frameSize: frameSize,
		txFrames:  txFrames,
		rxFrames:  rxFrames,
		headroom:  headroom,
	}, nil
}

// Close unlocks and unmaps the region. It is the caller's (XdpSocket's)
// responsibility to ensure no descriptor still references this memory.
func (u *Umem) Close() error {
	if err := unix.Munlock(u.mem); err != nil {
		_ = err // best-effort; Munmap below still releases the mapping
	}
	return unix.Munmap(u.mem)
}

// Bytes exposes the raw region, e.g. for registering with XDP_UMEM_REG.
func (u *Umem) Bytes() []byte { return u.mem }

// FrameSize returns the configured frame size.
func (u *Umem) FrameSize() uint32 { return u.frameSize }

// TXFrameCount returns the number of frames reserved for transmit.
func (u *Umem) TXFrameCount() uint32 { return u.txFrames }

// RXFrameCount returns the number of frames reserved for receive.
func (u *Umem) RXFrameCount() uint32 { return u.rxFrames }

// FillRingSize is the conventional fill ring size for this Umem's RX range.
func (u *Umem) FillRingSize() uint32 { return u.rxFrames * 2 }

// CompletionRingSize is the conventional completion ring size for this
// Umem's TX range.
func (u *Umem) CompletionRingSize() uint32 { return u.txFrames * 2 }

// RXFrameAddr returns the byte offset of RX frame i (0 <= i < rxFrames).
func (u *Umem) RXFrameAddr(i uint32) uint64 {
	return uint64(u.txFrames+i) * uint64(u.frameSize)
}

// NextTXFrame returns the next TX frame number in [0, txFrames) via an
// atomic fetch-add modulo txFrames. The caller must not exceed txFrames
// outstanding-minus-completed allocations.
func (u *Umem) NextTXFrame() uint32 {
	n := atomic.AddUint64(&u.nextTX, 1) - 1
	return uint32(n % uint64(u.txFrames))
}

// FrameAt returns the writable slice for the frame at byte offset addr.
func (u *Umem) FrameAt(addr uint64) []byte {
	return u.mem[addr : addr+uint64(u.frameSize)]
}

// FrameSlice returns the writable slice for frame index i in [0, txFrames),
// i.e. the TX range, addressed directly by frame number.
func (u *Umem) FrameSlice(frameNb uint32) []byte {
	addr := uint64(frameNb) * uint64(u.frameSize)
	return u.FrameAt(addr)
}
