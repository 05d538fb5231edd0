// Package ring implements the shared producer/consumer descriptor rings
// that AF_XDP sockets mmap into user space: fill, completion, rx and tx.
//
// The kernel lays each ring out as a contiguous memory region holding a
// uint32 producer index, a uint32 consumer index, and a flags word, each
// on its own cache line, followed by the descriptor array itself. This
// package owns that layout and the producer/consumer protocol described
// in the kernel's AF_XDP ABI; callers never touch ring memory directly.
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// ptrAt returns a pointer into mem at byte offset off. The kernel promises
// the producer/consumer/flags words are naturally aligned within the
// mmap'd region, which is required for atomic access to be valid here.
func ptrAt(mem []byte, off uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}

// Kind identifies which of the four rings a Ring wraps. Fill and
// completion rings hold an 8-byte frame address per entry; rx and tx rings
// hold a 16-byte struct xdp_desc (address, length, options) per entry.
type Kind int

const (
	Fill Kind = iota
	Completion
	RX
	TX
)

// descSize returns the per-entry size for addr-only (fill/completion)
// versus addr+len (rx/tx) descriptor rings.
func (k Kind) descSize() uint32 {
	switch k {
	case RX, TX:
		return 16 // addr(8) + len(4) + options(4), mirrors struct xdp_desc
	default:
		return 8 // addr(8)
	}
}

// Ring is a single-producer/single-consumer descriptor ring backed by
// mmap'd memory shared with the kernel. Producer and consumer indices are
// free-running uint32 counters; the ring slot is `index & mask`.
type Ring struct {
	kind Kind
	size uint32
	mask uint32

	producer *uint32
	consumer *uint32
	flags    *uint32
	descs    []byte

	// cachedProducer/cachedConsumer avoid an atomic load on every
	// descriptor: Reserve reloads the consumer index only when the cached
	// view shows the ring full, and Peek reloads the producer index only
	// when the cached view shows it empty.
	cachedProducer uint32
	cachedConsumer uint32
}

// Map constructs a Ring over a region mmap'd by the caller at sockopt time.
// producerOff/consumerOff/flagsOff/descOff are byte offsets into mem, as
// returned by the kernel's xdp_ring_offset struct for this ring.
func Map(kind Kind, mem []byte, size uint32, producerOff, consumerOff, flagsOff, descOff uint64) *Ring {
	r := &Ring{
		kind:     kind,
		size:     size,
		mask:     size - 1,
		producer: (*uint32)(ptrAt(mem, producerOff)),
		consumer: (*uint32)(ptrAt(mem, consumerOff)),
		flags:    (*uint32)(ptrAt(mem, flagsOff)),
		descs:    mem[descOff:],
	}
	r.cachedProducer = atomic.LoadUint32(r.producer)
	r.cachedConsumer = atomic.LoadUint32(r.consumer)
	return r
}

// Size returns the ring's descriptor capacity.
func (r *Ring) Size() uint32 { return r.size }

// NeedsWakeup reports whether the kernel has asked for a driver kick via
// sendto/recvfrom before it will make further progress on this ring.
func (r *Ring) NeedsWakeup() bool {
	return atomic.LoadUint32(r.flags)&RingNeedWakeup != 0
}

// RingNeedWakeup mirrors XDP_RING_NEED_WAKEUP.
const RingNeedWakeup = 1 << 0

// Reserve claims up to n producer slots starting at the returned index.
// It never blocks; it returns fewer than n (possibly zero) if the ring is
// full relative to the last-known consumer position.
func (r *Ring) Reserve(n uint32) (start uint32, reserved uint32) {
	free := r.size - (r.cachedProducer - r.cachedConsumer)
	if free == 0 {
		r.cachedConsumer = atomic.LoadUint32(r.consumer)
		free = r.size - (r.cachedProducer - r.cachedConsumer)
	}
	if n > free {
		n = free
	}
	start = r.cachedProducer
	r.cachedProducer += n
	return start, n
}

// Submit publishes n previously reserved entries to the kernel with a
// release-store so the consumer never observes a partially written
// descriptor.
func (r *Ring) Submit(n uint32) {
	atomic.StoreUint32(r.producer, r.cachedProducer)
	_ = n // cachedProducer already advanced by Reserve; n kept for symmetry
}

// Peek returns up to n available consumer entries starting at the
// returned index, acquiring the producer tail so writes made before
// Submit are visible.
func (r *Ring) Peek(n uint32) (start uint32, available uint32) {
	if r.cachedProducer == r.cachedConsumer {
		r.cachedProducer = atomic.LoadUint32(r.producer)
	}
	avail := r.cachedProducer - r.cachedConsumer
	if n > avail {
		n = avail
	}
	return r.cachedConsumer, n
}

// Release returns n previously peeked entries to the kernel.
func (r *Ring) Release(n uint32) {
	r.cachedConsumer += n
	atomic.StoreUint32(r.consumer, r.cachedConsumer)
}

// SetAddr writes a fill/tx descriptor's address field at ring index idx.
func (r *Ring) SetAddr(idx uint32, addr uint64) {
	off := (idx & r.mask) * r.kind.descSize()
	binary.LittleEndian.PutUint64(r.descs[off:off+8], addr)
}

// SetTXDesc writes a tx descriptor's address and length fields.
func (r *Ring) SetTXDesc(idx uint32, addr uint64, length uint32) {
	off := (idx & r.mask) * r.kind.descSize()
	binary.LittleEndian.PutUint64(r.descs[off:off+8], addr)
	binary.LittleEndian.PutUint32(r.descs[off+8:off+12], length)
}

// GetAddr reads a fill/completion descriptor's address field.
func (r *Ring) GetAddr(idx uint32) uint64 {
	off := (idx & r.mask) * r.kind.descSize()
	return binary.LittleEndian.Uint64(r.descs[off : off+8])
}

// GetRXDesc reads an rx descriptor's address and length fields.
func (r *Ring) GetRXDesc(idx uint32) (addr uint64, length uint32) {
	off := (idx & r.mask) * r.kind.descSize()
	addr = binary.LittleEndian.Uint64(r.descs[off : off+8])
	length = binary.LittleEndian.Uint32(r.descs[off+8 : off+12])
	return addr, length
}

// Pair bundles the four rings an XdpSocket needs, grouped the way the
// kernel groups them: fill/completion belong to the Umem, rx/tx belong to
// the socket. Keeping them in one struct lets callers pass a single value
// down into the socket and worker layers.
type Pair struct {
	Fill       *Ring
	Completion *Ring
	RX         *Ring
	TX         *Ring
}
