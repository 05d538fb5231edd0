// +build !linux

package xdpsocket

import (
	"errors"

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

// Socket is a non-functional stand-in on platforms without AF_XDP.
// xdpfanout is a Linux kernel-bypass tool; this file exists only so the
// module type-checks when cross-compiled for development tooling.
type Socket struct {
	FellBackFromZeroCopy bool
}

var errUnsupported = errors.New("xdpsocket: AF_XDP is only available on Linux")

func New(iface string, queueID int, u *umem.Umem, mode Mode) (*Socket, error) {
	return nil, errUnsupported
}

func (s *Socket) Bind(rxSize, txSize, fillSize, compSize uint32, txBatch int) error {
	return errUnsupported
}

func (s *Socket) InitialFill() error { return errUnsupported }

func (s *Socket) Receive(outOffsets []uint64, outLengths []uint32) int { return 0 }

func (s *Socket) RecycleFrames() {}

func (s *Socket) ReserveTX(n uint32) (idx uint32, reserved uint32) { return 0, 0 }

func (s *Socket) SetTXDesc(idx uint32, addr uint64, length uint32) {}

func (s *Socket) SubmitTX(n uint32) {}

func (s *Socket) OutstandingTX() uint64 { return 0 }

func (s *Socket) PollTXCompletions() {}

func (s *Socket) RequestDriverPoll() {}

func (s *Socket) Close() error { return nil }

func (s *Socket) FD() int { return -1 }
