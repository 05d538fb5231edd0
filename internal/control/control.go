// Package control implements the replicator's control-plane listener: a
// single-threaded UDP endpoint speaking a tiny binary protocol to add,
// remove, and list fan-out destinations. Each request is one
// self-contained datagram with an immediate reply — read, dispatch,
// reply, repeat — rather than a connection-oriented stream.
package control

import (
	"encoding/binary"
	"net"
	"time"

	"xdpfanout/internal/destset"
	"xdpfanout/internal/logging"
	"xdpfanout/internal/metrics"
)

const (
	cmdAdd    = 0x01
	cmdRemove = 0x02
	cmdList   = 0x03

	replyOK  = 0x01
	replyErr = 0x00

	// recvTimeout bounds each ReadFromUDP call so the loop re-checks the
	// running flag at least once a second.
	recvTimeout = time.Second

	maxDatagram = 1500
)

// Endpoint is the single-threaded control-plane UDP listener.
type Endpoint struct {
	conn    *net.UDPConn
	destset *destset.Set
	metrics *metrics.PrometheusMetrics
	log     *logging.Logger
}

// New binds a non-blocking UDP control listener on 0.0.0.0:port.
func New(port int, ds *destset.Set, m *metrics.PrometheusMetrics, log *logging.Logger) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	return &Endpoint{conn: conn, destset: ds, metrics: m, log: log}, nil
}

// Close releases the listening socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Run services requests until running() reports false (checked at the
// top of every iteration). Each ReadFromUDP call times
// out after one second so shutdown is observed promptly even with no
// traffic.
func (e *Endpoint) Run(running func() bool) {
	buf := make([]byte, maxDatagram)
	for running() {
		e.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout or transient read error: re-check running
		}
		e.handle(addr, buf[:n])
	}
}

func (e *Endpoint) handle(addr *net.UDPAddr, req []byte) {
	if len(req) == 0 {
		return
	}
	switch req[0] {
	case cmdAdd:
		e.handleAdd(addr, req[1:])
	case cmdRemove:
		e.handleRemove(addr, req[1:])
	case cmdList:
		e.handleList(addr)
	default:
		// Unknown command bytes are ignored silently.
	}
}

func (e *Endpoint) handleAdd(addr *net.UDPAddr, body []byte) {
	dst, ok := decodeDestination(body)
	if !ok {
		e.warnShortDatagram(addr, "add")
		return // short datagram: ignored, no reply
	}
	e.destset.Insert(dst)
	e.setDestCount()
	e.reply(addr, replyOK)
}

func (e *Endpoint) handleRemove(addr *net.UDPAddr, body []byte) {
	dst, ok := decodeDestination(body)
	if !ok {
		e.warnShortDatagram(addr, "remove")
		return
	}
	ok = e.destset.Remove(dst)
	e.setDestCount()
	if ok {
		e.reply(addr, replyOK)
	} else {
		e.reply(addr, replyErr)
	}
}

func (e *Endpoint) handleList(addr *net.UDPAddr) {
	dests := e.destset.Snapshot()
	if len(dests) > 255 {
		dests = dests[:255] // count is a single byte
	}
	out := make([]byte, 1+6*len(dests))
	out[0] = byte(len(dests))
	for i, d := range dests {
		off := 1 + 6*i
		copy(out[off:off+4], d.IPv4[:])
		binary.BigEndian.PutUint16(out[off+4:off+6], d.Port)
	}
	e.conn.WriteToUDP(out, addr)
}

func (e *Endpoint) reply(addr *net.UDPAddr, code byte) {
	e.conn.WriteToUDP([]byte{code}, addr)
}

func (e *Endpoint) warnShortDatagram(addr *net.UDPAddr, op string) {
	if e.log != nil {
		e.log.Warn("control request too short, ignored", "op", op, "from", addr.String())
	}
}

func (e *Endpoint) setDestCount() {
	if e.metrics != nil {
		e.metrics.SetDestinationCount(len(e.destset.Snapshot()))
	}
}

// decodeDestination parses the 6-byte (ipv4, port) body shared by add and
// remove requests.
func decodeDestination(body []byte) (destset.Destination, bool) {
	if len(body) < 6 {
		return destset.Destination{}, false
	}
	var d destset.Destination
	copy(d.IPv4[:], body[0:4])
	d.Port = binary.BigEndian.Uint16(body[4:6])
	return d, true
}
