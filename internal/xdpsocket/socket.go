// +build linux

// Package xdpsocket binds one kernel-bypass AF_XDP socket to an
// (interface, queue) pair, couples it to a Umem and the four shared
// rings, and drives RX recycle and TX batched completion. Construction
// is staged: socket → register umem → configure rings → bind. The real
// ring memory returned by XDP_MMAP_OFFSETS is mapped and driven through
// internal/ring and internal/umem so frame addresses actually move
// between kernel and user space.
package xdpsocket

import (
	"fmt"
	"net"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"xdpfanout/internal/ring"
	"xdpfanout/internal/umem"
)

// Mode selects the AF_XDP bind mode, mirroring config.Mode.
type Mode int

const (
	ModeSkbCopy Mode = iota
	ModeDriverCopy
	ModeHW
	ModeZeroCopy
)

// AF_XDP protocol family and socket-option constants. golang.org/x/sys/unix
// does not expose all of these across every supported kernel/arch
// combination, so they are defined here exactly as the kernel's
// <linux/if_xdp.h> does.
const (
	afXDP = 44 // AF_XDP

	solXDP = 283 // SOL_XDP

	xdpMmapOffsets      = 1
	xdpRxRing           = 2
	xdpTxRing           = 3
	xdpUmemReg          = 4
	xdpUmemFillRing     = 5
	xdpUmemCompletionRing = 6
	xdpStatistics       = 7

	xdpCopy            = 1 << 1
	xdpZeroCopy        = 1 << 2
	xdpUseNeedWakeup   = 1 << 3

	xdpPgoffRxRing              = 0
	xdpPgoffTxRing              = 0x80000000
	xdpUmemPgoffFillRing        = 0x100000000
	xdpUmemPgoffCompletionRing  = 0x180000000
)

// ringOffset mirrors struct xdp_ring_offset.
type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// mmapOffsets mirrors struct xdp_mmap_offsets.
type mmapOffsets struct {
	RX   ringOffset
	TX   ringOffset
	Fill ringOffset
	Comp ringOffset
}

// sockaddrXDP mirrors struct sockaddr_xdp.
type sockaddrXDP struct {
	Family      uint16
	Flags       uint16
	IfIndex     uint32
	QueueID     uint32
	SharedUmemFD uint32
}

// Socket is one queue's kernel-bypass socket: a Umem, its four rings, and
// the bookkeeping needed to track pending-recycle RX frames, cached
// completions, and outstanding TX.
type Socket struct {
	fd        int
	ifaceName string
	ifIndex   uint32
	queueID   uint32
	mode      Mode

	u     *umem.Umem
	rings ring.Pair

	rxSize   uint32
	txSize   uint32
	txFrames uint32
	txBatch  uint32

	pendingRecycle     []uint64
	cachedCompletions  uint32
	outstandingTX      uint64

	// FellBackFromZeroCopy is set by New when the caller asked for
	// zero_copy/hw mode but the interface's driver isn't known to
	// support it, and the socket silently downgraded to driver_copy.
	FellBackFromZeroCopy bool
}

// zeroCopyDrivers lists drivers known to support AF_XDP zero-copy on the
// kernels this replicator targets. Anything else falls back silently to
// driver-copy mode.
var zeroCopyDrivers = map[string]bool{
	"i40e": true, "ice": true, "ixgbe": true, "ixgbevf": true,
	"mlx5_core": true, "nfp": true, "tun": true, "veth": true,
}

// New constructs a socket descriptor; Bind performs the actual kernel work.
// If mode requests zero_copy or hw but the interface's driver is not one
// of zeroCopyDrivers (read from the driver symlink under
// /sys/class/net/<iface>/device/driver), New downgrades mode to
// driver_copy and sets FellBackFromZeroCopy so the caller can log it once
// at startup; hot-path code never sees this decision.
func New(iface string, queueID int, u *umem.Umem, mode Mode) (*Socket, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("xdpsocket: interface %q: %w", iface, err)
	}

	fellBack := false
	if mode == ModeZeroCopy || mode == ModeHW {
		if !driverSupportsZeroCopy(iface) {
			mode = ModeDriverCopy
			fellBack = true
		}
	}

	return &Socket{
		ifaceName:             iface,
		ifIndex:               uint32(ifi.Index),
		queueID:               uint32(queueID),
		mode:                  mode,
		u:                     u,
		txFrames:              u.TXFrameCount(),
		FellBackFromZeroCopy:  fellBack,
	}, nil
}

// driverSupportsZeroCopy reads the kernel driver bound to iface from its
// sysfs device symlink and reports whether it is known to support AF_XDP
// zero-copy. Any error reading sysfs is treated as "unsupported" — the
// safe, always-available driver-copy mode is the fallback.
func driverSupportsZeroCopy(iface string) bool {
	link, err := os.Readlink(fmt.Sprintf("/sys/class/net/%s/device/driver", iface))
	if err != nil {
		return false
	}
	driver := link
	if i := lastIndexByte(link, '/'); i >= 0 {
		driver = link[i+1:]
	}
	return zeroCopyDrivers[driver]
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Bind performs the staged construction: opens the AF_XDP socket,
// registers the Umem, configures all four rings, maps their shared
// memory, and binds to (interface, queue). It does not yet
// register the socket in the filter map or populate the fill ring —
// callers do that via filtermap.Loader.RegisterQueueSocket and
// InitialFill so the caller
// controls ordering against the filter map's lifecycle.
func (s *Socket) Bind(rxSize, txSize, fillSize, compSize uint32, txBatch int) error {
	fd, err := unix.Socket(afXDP, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("xdpsocket: socket: %w", err)
	}
	s.fd = fd
	s.rxSize = rxSize
	s.txSize = txSize
	s.txBatch = uint32(txBatch)

	if err := s.registerUmem(); err != nil {
		unix.Close(fd)
		return err
	}
	if err := s.configureRing(xdpUmemFillRing, fillSize); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xdpsocket: fill ring: %w", err)
	}
	if err := s.configureRing(xdpUmemCompletionRing, compSize); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xdpsocket: completion ring: %w", err)
	}
	if err := s.configureRing(xdpRxRing, rxSize); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xdpsocket: rx ring: %w", err)
	}
	if err := s.configureRing(xdpTxRing, txSize); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xdpsocket: tx ring: %w", err)
	}

	if err := s.mapRings(fillSize, compSize, rxSize, txSize); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xdpsocket: mmap rings: %w", err)
	}

	// Mode flags are passed exclusively via bind, never at ring-setup
	// time: setting them earlier conflicts with the pre-loaded filter
	// program's own bind.
	if err := s.bindSocket(); err != nil {
		unix.Close(fd)
		return fmt.Errorf("xdpsocket: bind: %w", err)
	}
	return nil
}

func (s *Socket) registerUmem() error {
	type umemReg struct {
		Addr      uint64
		Len       uint64
		ChunkSize uint32
		Headroom  uint32
		Flags     uint32
		_         uint32 // padding to match kernel struct alignment
	}
	mem := s.u.Bytes()
	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Len:       uint64(len(mem)),
		ChunkSize: s.u.FrameSize(),
	}
	return s.setsockopt(xdpUmemReg, unsafe.Pointer(&reg), unsafe.Sizeof(reg))
}

func (s *Socket) configureRing(opt int, size uint32) error {
	return s.setsockopt(opt, unsafe.Pointer(&size), unsafe.Sizeof(size))
}

func (s *Socket) mapRings(fillSize, compSize, rxSize, txSize uint32) error {
	var off mmapOffsets
	offLen := unsafe.Sizeof(off)
	if err := s.getsockopt(xdpMmapOffsets, unsafe.Pointer(&off), &offLen); err != nil {
		return err
	}

	fillMem, err := unix.Mmap(s.fd, xdpUmemPgoffFillRing,
		int(off.Fill.Desc)+int(fillSize)*8, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap fill ring: %w", err)
	}
	s.rings.Fill = ring.Map(ring.Fill, fillMem, fillSize, off.Fill.Producer, off.Fill.Consumer, off.Fill.Flags, off.Fill.Desc)

	compMem, err := unix.Mmap(s.fd, xdpUmemPgoffCompletionRing,
		int(off.Comp.Desc)+int(compSize)*8, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap completion ring: %w", err)
	}
	s.rings.Completion = ring.Map(ring.Completion, compMem, compSize, off.Comp.Producer, off.Comp.Consumer, off.Comp.Flags, off.Comp.Desc)

	rxMem, err := unix.Mmap(s.fd, xdpPgoffRxRing,
		int(off.RX.Desc)+int(rxSize)*16, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap rx ring: %w", err)
	}
	s.rings.RX = ring.Map(ring.RX, rxMem, rxSize, off.RX.Producer, off.RX.Consumer, off.RX.Flags, off.RX.Desc)

	txMem, err := unix.Mmap(s.fd, xdpPgoffTxRing,
		int(off.TX.Desc)+int(txSize)*16, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap tx ring: %w", err)
	}
	s.rings.TX = ring.Map(ring.TX, txMem, txSize, off.TX.Producer, off.TX.Consumer, off.TX.Flags, off.TX.Desc)

	return nil
}

func (s *Socket) bindSocket() error {
	addr := sockaddrXDP{
		Family:  afXDP,
		IfIndex: s.ifIndex,
		QueueID: s.queueID,
	}
	switch s.mode {
	case ModeZeroCopy:
		addr.Flags |= xdpZeroCopy
	case ModeHW:
		addr.Flags |= xdpZeroCopy
	default:
		addr.Flags |= xdpCopy
	}
	addr.Flags |= xdpUseNeedWakeup

	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(s.fd),
		uintptr(unsafe.Pointer(&addr)), unsafe.Sizeof(addr))
	if errno != 0 {
		return errno
	}
	return nil
}

// InitialFill reserves rxFrames entries on the fill ring and posts every
// RX-range frame address.
func (s *Socket) InitialFill() error {
	rxFrames := s.u.RXFrameCount()
	start, reserved := s.rings.Fill.Reserve(rxFrames)
	if reserved != rxFrames {
		return fmt.Errorf("xdpsocket: fill ring too small for %d rx frames (reserved %d)", rxFrames, reserved)
	}
	for i := uint32(0); i < reserved; i++ {
		s.rings.Fill.SetAddr(start+i, s.u.RXFrameAddr(i))
	}
	s.rings.Fill.Submit(reserved)
	return nil
}

// Receive peeks up to len(outOffsets) descriptors, copies their
// (addr, len) pairs out, and releases the peeked window. Addresses are
// queued for RecycleFrames.
func (s *Socket) Receive(outOffsets []uint64, outLengths []uint32) int {
	n := uint32(len(outOffsets))
	if n > s.rxSize {
		n = s.rxSize
	}
	start, avail := s.rings.RX.Peek(n)
	if avail == 0 {
		if s.rings.Fill.NeedsWakeup() {
			s.wakeup()
		}
		return 0
	}
	for i := uint32(0); i < avail; i++ {
		addr, length := s.rings.RX.GetRXDesc(start + i)
		outOffsets[i] = addr
		outLengths[i] = length
		s.pendingRecycle = append(s.pendingRecycle, addr)
	}
	s.rings.RX.Release(avail)
	return int(avail)
}

// RecycleFrames posts every pending-recycle address back to the fill
// ring. If the ring has less room than requested, the remainder is
// dropped; those addresses are not posted again.
func (s *Socket) RecycleFrames() {
	if len(s.pendingRecycle) == 0 {
		return
	}
	n := uint32(len(s.pendingRecycle))
	start, reserved := s.rings.Fill.Reserve(n)
	for i := uint32(0); i < reserved; i++ {
		s.rings.Fill.SetAddr(start+i, s.pendingRecycle[i])
	}
	s.rings.Fill.Submit(reserved)
	s.pendingRecycle = s.pendingRecycle[:0]
}

// ReserveTX claims n tx descriptor slots, returning the start index and
// how many were actually reserved (possibly 0 under back-pressure).
func (s *Socket) ReserveTX(n uint32) (idx uint32, reserved uint32) {
	return s.rings.TX.Reserve(n)
}

// SetTXDesc writes the tx descriptor at idx.
func (s *Socket) SetTXDesc(idx uint32, addr uint64, length uint32) {
	s.rings.TX.SetTXDesc(idx, addr, length)
}

// SubmitTX publishes n previously set tx descriptors and increments the
// outstanding-tx counter.
func (s *Socket) SubmitTX(n uint32) {
	s.rings.TX.Submit(n)
	s.outstandingTX += uint64(n)
}

// OutstandingTX returns the current in-flight TX frame count.
func (s *Socket) OutstandingTX() uint64 { return s.outstandingTX }

// PollTXCompletions peeks the completion ring and releases every entry it
// finds on each call, even a single one, adding their count to
// cachedCompletions. Only the outstanding-tx decrement is batched: once
// cachedCompletions reaches txBatch, outstanding-tx drops by that amount
// and the count resets. Ring entry releases themselves are not batched.
func (s *Socket) PollTXCompletions() {
	start, avail := s.rings.Completion.Peek(s.txFrames)
	if avail == 0 {
		return
	}
	_ = start
	s.cachedCompletions += avail
	s.rings.Completion.Release(avail)

	if s.cachedCompletions >= s.txBatch {
		released := s.cachedCompletions
		if released > uint32(s.outstandingTX) {
			released = uint32(s.outstandingTX)
		}
		s.outstandingTX -= uint64(released)
		s.cachedCompletions = 0
	}
}

// RequestDriverPoll issues a non-blocking wakeup syscall if the tx ring
// has asked for one.
func (s *Socket) RequestDriverPoll() {
	if s.rings.TX.NeedsWakeup() {
		s.wakeup()
	}
}

// wakeup issues sendto(MSG_DONTWAIT) to kick the driver. EAGAIN, EBUSY,
// ENOBUFS and ENETDOWN are expected transient conditions and ignored.
func (s *Socket) wakeup() {
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(s.fd), 0, 0,
		unix.MSG_DONTWAIT, 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS, unix.ENETDOWN:
	default:
		_ = errno
	}
}

// Close drains outstanding completions with short-sleep retries, then
// closes the socket and drops the Umem. Removing this socket's slot from
// the filter map is the caller's responsibility (it owns the filtermap
// handle).
func (s *Socket) Close() error {
	for i := 0; i < 10 && s.outstandingTX > 0; i++ {
		s.PollTXCompletions()
		if s.outstandingTX > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if err := unix.Close(s.fd); err != nil {
		return err
	}
	return s.u.Close()
}

// FD returns the socket's file descriptor, for filter-map registration.
func (s *Socket) FD() int { return s.fd }

func (s *Socket) setsockopt(opt int, val unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(s.fd),
		uintptr(solXDP), uintptr(opt), uintptr(val), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *Socket) getsockopt(opt int, val unsafe.Pointer, size *uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(s.fd),
		uintptr(solXDP), uintptr(opt), uintptr(val), uintptr(unsafe.Pointer(size)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
