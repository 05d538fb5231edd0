package control

import (
	"net"
	"testing"
	"time"

	"xdpfanout/internal/destset"
)

func startEndpoint(t *testing.T) (*Endpoint, *destset.Set, func()) {
	t.Helper()
	ds := destset.New()
	ep, err := New(0, ds, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := make(chan struct{})
	running := func() bool {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	go ep.Run(running)
	return ep, ds, func() {
		close(stop)
		ep.Close()
	}
}

func roundTrip(t *testing.T, ep *Endpoint, req []byte) []byte {
	t.Helper()
	client, err := net.DialUDP("udp4", nil, ep.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return buf[:n]
}

// TestAddListWireFormat exercises a fixed wire scenario's literal
// bytes: add 10.0.0.34:9001 and 10.0.0.35:9002, then list.
func TestAddListWireFormat(t *testing.T) {
	ep, _, cleanup := startEndpoint(t)
	defer cleanup()

	add1 := []byte{0x01, 10, 0, 0, 34, 0x23, 0x29} // port 9001
	reply := roundTrip(t, ep, add1)
	if len(reply) != 1 || reply[0] != replyOK {
		t.Fatalf("add1 reply = %v, want [0x01]", reply)
	}

	add2 := []byte{0x01, 10, 0, 0, 35, 0x23, 0x2a} // port 9002
	reply = roundTrip(t, ep, add2)
	if len(reply) != 1 || reply[0] != replyOK {
		t.Fatalf("add2 reply = %v, want [0x01]", reply)
	}

	list := roundTrip(t, ep, []byte{0x03})
	want := []byte{0x02, 10, 0, 0, 34, 0x23, 0x29, 10, 0, 0, 35, 0x23, 0x2a}
	if string(list) != string(want) {
		t.Errorf("list reply = %v, want %v", list, want)
	}
}

func TestRemoveUnknownReportsFailure(t *testing.T) {
	ep, _, cleanup := startEndpoint(t)
	defer cleanup()

	remove := []byte{0x02, 10, 0, 0, 99, 0x23, 0x29}
	reply := roundTrip(t, ep, remove)
	if len(reply) != 1 || reply[0] != replyErr {
		t.Fatalf("remove reply = %v, want [0x00]", reply)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	ep, ds, cleanup := startEndpoint(t)
	defer cleanup()

	client, err := net.DialUDP("udp4", nil, ep.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.Write([]byte{0xff})

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err == nil {
		t.Error("expected no reply for an unknown command byte")
	}
	if len(ds.Snapshot()) != 0 {
		t.Error("unknown command must not mutate the destination set")
	}
}
