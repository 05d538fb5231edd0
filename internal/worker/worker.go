// Package worker implements the per-queue replicator loop: receive,
// validate, fan out to every current destination, recycle RX frames, and
// reclaim completed TX frames in batch. One Worker drives the whole loop
// for a queue; there is no separate multiplexer/replicator split.
package worker

import (
	"net"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"xdpfanout/internal/arp"
	"xdpfanout/internal/destset"
	"xdpfanout/internal/logging"
	"xdpfanout/internal/metrics"
	"xdpfanout/internal/packetbuilder"
)

const rxBatchSize = 64

// Socket is the subset of xdpsocket.Socket's surface a Worker drives. An
// interface here keeps the hot-path loop testable without a real AF_XDP
// socket.
type Socket interface {
	Receive(outOffsets []uint64, outLengths []uint32) int
	RecycleFrames()
	ReserveTX(n uint32) (idx uint32, reserved uint32)
	SetTXDesc(idx uint32, addr uint64, length uint32)
	SubmitTX(n uint32)
	OutstandingTX() uint64
	PollTXCompletions()
	RequestDriverPoll()
}

// Frames is the subset of umem.Umem a Worker needs: frame lookup by
// address and the atomic TX-frame allocator.
type Frames interface {
	FrameAt(addr uint64) []byte
	NextTXFrame() uint32
	FrameSize() uint32
	TXFrameCount() uint32
}

// Worker runs the busy-poll loop for one NIC queue.
type Worker struct {
	queueLabel string
	socket     Socket
	frames     Frames
	destCache  *destset.ThreadLocalCache
	src        packetbuilder.Source
	resolveMAC packetbuilder.ResolveMAC
	metrics    *metrics.PrometheusMetrics
	log        *logging.Logger

	txBatch  uint32
	txFrames uint32

	running *int32
}

// Config bundles everything New needs to assemble a Worker.
type Config struct {
	QueueID    int
	Socket     Socket
	Frames     Frames
	Destset    *destset.Set
	ARPCache   *arp.Cache
	SrcMAC     net.HardwareAddr
	SrcIPv4    [4]byte
	ListenPort uint16
	Metrics    *metrics.PrometheusMetrics
	Log        *logging.Logger

	RefreshTimeout time.Duration
	TXBatch        uint32
}

// New builds a Worker from cfg.
func New(cfg Config, running *int32) *Worker {
	warnedMiss := make(map[[4]byte]struct{})
	resolve := func(ip [4]byte) net.HardwareAddr {
		var mac net.HardwareAddr
		if cfg.ARPCache != nil {
			mac = cfg.ARPCache.Lookup(ip)
		}
		if mac == nil {
			if cfg.Metrics != nil {
				cfg.Metrics.AddARPMiss(net.IP(ip[:]).String())
			}
			if _, warned := warnedMiss[ip]; !warned && cfg.Log != nil {
				warnedMiss[ip] = struct{}{}
				cfg.Log.Warn("arp resolution miss, falling back to broadcast", "destination", net.IP(ip[:]).String())
			}
		}
		return mac
	}
	return &Worker{
		queueLabel: strconv.Itoa(cfg.QueueID),
		socket:     cfg.Socket,
		frames:     cfg.Frames,
		destCache:  destset.NewThreadLocalCache(cfg.Destset, cfg.RefreshTimeout),
		src: packetbuilder.Source{
			MAC:        cfg.SrcMAC,
			IPv4:       cfg.SrcIPv4,
			ListenPort: cfg.ListenPort,
		},
		resolveMAC: resolve,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		txBatch:    cfg.TXBatch,
		txFrames:   cfg.Frames.TXFrameCount(),
		running:    running,
	}
}

// Run drives the busy-poll loop until *running goes false (checked with
// relaxed ordering at the top of every iteration), then drains outstanding
// completions before returning.
func (w *Worker) Run() {
	outOffsets := make([]uint64, rxBatchSize)
	outLengths := make([]uint32, rxBatchSize)

	for atomic.LoadInt32(w.running) != 0 {
		n := w.socket.Receive(outOffsets, outLengths)
		if n == 0 {
			runtime.Gosched() // cooperative pause hint; no blocking
		} else {
			w.processBatch(outOffsets[:n], outLengths[:n])
		}

		w.socket.RecycleFrames()
		w.socket.PollTXCompletions()
		w.metrics.SetTXOutstanding(w.queueLabel, uint32(w.socket.OutstandingTX()))
	}

	w.drain()
}

func (w *Worker) processBatch(offsets []uint64, lengths []uint32) {
	dests := w.destCache.Destinations()

	for i := range offsets {
		frame := w.frames.FrameAt(offsets[i])[:lengths[i]]

		payload, ok := validateAndExtractPayload(frame)
		if !ok {
			w.metrics.AddRXInvalid(w.queueLabel, 1)
			continue
		}

		w.metrics.AddPacketsReceived(w.queueLabel, 1)
		w.metrics.AddBytesReceived(w.queueLabel, uint64(lengths[i]))

		for _, dst := range dests {
			w.sendTo(dst, payload)
		}
	}
}

func (w *Worker) sendTo(dst destset.Destination, payload []byte) {
	if w.socket.OutstandingTX() > uint64(w.txFrames-w.txBatch) {
		w.metrics.AddBackPressureEvent(w.queueLabel)
		w.socket.RequestDriverPoll()
		return
	}

	frameNb := w.frames.NextTXFrame()
	out := w.frames.FrameAt(uint64(frameNb) * uint64(w.frames.FrameSize()))

	built := packetbuilder.Build(
		packetbuilder.Destination{IPv4: dst.IPv4, Port: dst.Port},
		payload, w.src, w.resolveMAC, out,
	)
	if built == 0 {
		return
	}

	idx, reserved := w.socket.ReserveTX(1)
	if reserved == 0 {
		w.metrics.AddBackPressureEvent(w.queueLabel)
		w.socket.RequestDriverPoll()
		return
	}

	w.socket.SetTXDesc(idx, uint64(frameNb)*uint64(w.frames.FrameSize()), uint32(built))
	w.socket.SubmitTX(1)
	w.socket.RequestDriverPoll()

	w.metrics.AddPacketsSent(w.queueLabel, 1)
	w.metrics.AddBytesSent(w.queueLabel, uint64(built))
}

// drain polls for TX completions up to ten times with short sleeps so a
// shutdown doesn't abandon frames that are about to complete anyway.
func (w *Worker) drain() {
	for i := 0; i < 10 && w.socket.OutstandingTX() > 0; i++ {
		w.socket.PollTXCompletions()
		if w.socket.OutstandingTX() > 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// validateAndExtractPayload validates the Ethernet+IPv4+UDP headers in
// place and returns the UDP payload slice.
func validateAndExtractPayload(frame []byte) ([]byte, bool) {
	const minLen = 14 + 20 + 8
	if len(frame) < minLen {
		return nil, false
	}
	if frame[12] != 0x08 || frame[13] != 0x00 { // ethertype IPv4
		return nil, false
	}

	ip := frame[14:]
	ihl := int(ip[0]&0x0F) * 4
	if ihl < 20 || len(ip) < ihl+8 {
		return nil, false
	}
	if ip[9] != 17 { // UDP
		return nil, false
	}

	udp := ip[ihl:]
	udpLen := int(udp[4])<<8 | int(udp[5])
	if udpLen < 8 || len(udp) < udpLen {
		return nil, false
	}

	return udp[8:udpLen], true
}
