// xdpfanout is a kernel-bypass UDP packet replicator: it receives UDP
// datagrams destined for a configured (listen_ip, listen_port) on one NIC
// and fans each one out to a runtime-managed set of remote destinations,
// with zero data copies between NIC DMA memory and user space.
//
// The process is a cobra root command with flag-bound configuration, a
// startup banner, and a context cancelled on SIGINT/SIGTERM driving
// graceful shutdown. There is no package-level mutable state: everything
// long-lived is built once in run() into a runtime struct and threaded
// down explicitly.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"xdpfanout/internal/arp"
	"xdpfanout/internal/config"
	"xdpfanout/internal/control"
	"xdpfanout/internal/cpuaffinity"
	"xdpfanout/internal/destset"
	"xdpfanout/internal/filtermap"
	"xdpfanout/internal/logging"
	"xdpfanout/internal/metrics"
	"xdpfanout/internal/packetbuilder"
	"xdpfanout/internal/umem"
	"xdpfanout/internal/worker"
	"xdpfanout/internal/xdpsocket"
)

var (
	version   = "v0.1.0"
	buildTime = "unknown"
	gitHash   = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "xdpfanout <interface> <listen_ip> <listen_port>",
		Short:   "Kernel-bypass UDP packet replicator",
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitHash),
		Args:    cobra.RangeArgs(0, 3),
		RunE:    run,
	}

	rootCmd.Flags().StringP("config", "c", "", "Configuration file path")
	rootCmd.Flags().String("interface", "", "NIC interface name")
	rootCmd.Flags().String("listen-ip", "", "Listen IPv4 address")
	rootCmd.Flags().Int("listen-port", 9000, "Listen UDP port")
	rootCmd.Flags().String("mode", string(config.ModeDriverCopy), "AF_XDP bind mode (skb_copy, driver_copy, hw, zero_copy)")
	rootCmd.Flags().Int("queue-count", 1, "Number of NIC queues to drive")
	rootCmd.Flags().Int("control-port", 12345, "Control-plane UDP port")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("metrics-addr", ":9100", "Prometheus metrics listen address")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run is the cobra RunE handler. It returns a non-nil error only for
// setup-phase failures; cobra's default error printing plus our exit(1)
// in main gives a one-line diagnostic and exit code 1. A clean shutdown
// returns nil (exit 0).
func run(cmd *cobra.Command, args []string) error {
	// Positional args override flags when given: `<interface> <listen_ip>
	// <listen_port>`. At most three are accepted; the bind mode is set only
	// through --mode, not positionally.
	if len(args) >= 1 {
		cmd.Flags().Set("interface", args[0])
	}
	if len(args) >= 2 {
		cmd.Flags().Set("listen-ip", args[1])
	}
	if len(args) >= 3 {
		cmd.Flags().Set("listen-port", args[2])
	}

	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	log.Info("starting xdpfanout", "version", version, "interface", cfg.Interface,
		"listen", cfg.ListenAddr(), "mode", string(cfg.Mode), "queues", cfg.QueueCount)

	// Unlimited RLIMIT_MEMLOCK is required to mlock the UMEM regions;
	// failure here is a resource-limit error and aborts startup.
	if err := raiseMemlockLimit(); err != nil {
		return fmt.Errorf("resource-limit error: setrlimit RLIMIT_MEMLOCK: %w", err)
	}

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.start()
	<-ctx.Done()
	log.Info("shutdown signal received, draining workers")
	rt.shutdown()
	log.Info("shutdown complete")
	return nil
}

// runtime bundles every long-lived object the replicator owns. There is
// deliberately no package-level mutable state.
type runtime struct {
	cfg *config.Config
	log *logging.Logger

	metrics   *metrics.PrometheusMetrics
	collector *metrics.MetricsCollector
	destset   *destset.Set
	arpCache  *arp.Cache
	filter    *filtermap.Loader
	control   *control.Endpoint

	queues []*queueRuntime

	running int32
	wg      sync.WaitGroup
}

type queueRuntime struct {
	id     int
	umem   *umem.Umem
	socket *xdpsocket.Socket
	worker *worker.Worker
}

func newRuntime(cfg *config.Config, log *logging.Logger) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewPrometheusMetrics(),
		destset: destset.New(),
		running: 1,
	}
	rt.collector = metrics.NewMetricsCollector(rt.metrics)

	arpCache, err := arp.New(1024, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("arp cache init: %w", err)
	}
	rt.arpCache = arpCache

	srcMAC, srcIP := resolveInterfaceInfo(cfg.Interface, cfg.ListenIP)

	rt.filter = filtermap.NewLoader(cfg.FilterProgramPath)
	if err := rt.filter.Load(); err != nil {
		return nil, fmt.Errorf("filter program load: %w", err)
	}
	// The filter redirects frames addressed to the configured listen
	// IP/port, which config.Validate already guarantees parses as IPv4 —
	// independent of which address resolveInterfaceInfo picked as the
	// packet-builder's source IP.
	var listenIPBytes [4]byte
	copy(listenIPBytes[:], net.ParseIP(cfg.ListenIP).To4())
	if err := rt.filter.SetConfig(ipv4ToNetworkOrderUint32(listenIPBytes), hostPortToNetworkOrder(cfg.ListenPort)); err != nil {
		return nil, fmt.Errorf("filter config write: %w", err)
	}

	ctrl, err := control.New(cfg.ControlPort, rt.destset, rt.metrics, log)
	if err != nil {
		return nil, fmt.Errorf("control endpoint bind: %w", err)
	}
	rt.control = ctrl

	for q := 0; q < cfg.QueueCount; q++ {
		qr, err := newQueueRuntime(q, cfg, log, rt.metrics, rt.destset, rt.arpCache, rt.filter, srcMAC, srcIP, &rt.running)
		if err != nil {
			return nil, fmt.Errorf("queue %d init: %w", q, err)
		}
		rt.queues = append(rt.queues, qr)
	}

	return rt, nil
}

func newQueueRuntime(
	q int, cfg *config.Config, log *logging.Logger, m *metrics.PrometheusMetrics,
	ds *destset.Set, arpCache *arp.Cache, filter *filtermap.Loader,
	srcMAC net.HardwareAddr, srcIP [4]byte, running *int32,
) (*queueRuntime, error) {
	u, err := umem.New(cfg.FrameSize, cfg.TXFrames, cfg.RXFrames, 0)
	if err != nil {
		return nil, fmt.Errorf("umem: %w", err)
	}

	sock, err := xdpsocket.New(cfg.Interface, q, u, socketMode(cfg.Mode))
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("socket: %w", err)
	}
	if sock.FellBackFromZeroCopy {
		log.Info("zero-copy not supported by driver, falling back to driver-copy", "queue", q, "interface", cfg.Interface)
	}

	if err := sock.Bind(cfg.RXRingSize, cfg.TXRingSize, cfg.FillRingSize, cfg.CompRingSize, cfg.TXBatch); err != nil {
		u.Close()
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := filter.RegisterQueueSocket(uint32(q), sock.FD()); err != nil {
		sock.Close()
		return nil, fmt.Errorf("register filter slot: %w", err)
	}
	if err := sock.InitialFill(); err != nil {
		sock.Close()
		return nil, fmt.Errorf("initial fill: %w", err)
	}

	w := worker.New(worker.Config{
		QueueID:        q,
		Socket:         sock,
		Frames:         u,
		Destset:        ds,
		ARPCache:       arpCache,
		SrcMAC:         srcMAC,
		SrcIPv4:        srcIP,
		ListenPort:     uint16(cfg.ListenPort),
		Metrics:        m,
		Log:            log,
		RefreshTimeout: cfg.RefreshTimeout,
		TXBatch:        uint32(cfg.TXBatch),
	}, running)

	return &queueRuntime{id: q, umem: u, socket: sock, worker: w}, nil
}

func (rt *runtime) start() {
	atomic.StoreInt32(&rt.running, 1)

	// The metrics server blocks in ListenAndServe until StopServer shuts
	// it down explicitly; it is not part of rt.wg so shutdown's
	// wg.Wait() isn't gated on a graceful HTTP close happening first.
	go func() {
		if err := rt.collector.StartServer(rt.cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
			rt.log.Warn("metrics server stopped", "error", err.Error())
		}
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.control.Run(func() bool { return atomic.LoadInt32(&rt.running) != 0 })
	}()

	for _, qr := range rt.queues {
		qr := qr
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := cpuaffinity.PinQueue(qr.id); err != nil {
				rt.log.Warn("cpu pinning failed, continuing unpinned", "queue", qr.id, "error", err.Error())
			}
			qr.worker.Run()
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.printStats()
	}()
}

// printStats logs the current destination count every 5 seconds,
// independent of the Prometheus scrape endpoint. It does not log packet or
// byte throughput; those are exposed only as Prometheus metrics.
func (rt *runtime) printStats() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for atomic.LoadInt32(&rt.running) != 0 {
		<-ticker.C
		rt.log.Info("stats", "destinations", len(rt.destset.Snapshot()))
	}
}

func (rt *runtime) shutdown() {
	atomic.StoreInt32(&rt.running, 0)
	rt.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.collector.StopServer(stopCtx); err != nil {
		rt.log.Warn("metrics server shutdown failed", "error", err.Error())
	}

	for _, qr := range rt.queues {
		if err := rt.filter.UnregisterSocket(qr.socket.FD()); err != nil {
			rt.log.Warn("filter map cleanup failed", "queue", qr.id, "error", err.Error())
		}
		if err := qr.socket.Close(); err != nil {
			rt.log.Warn("socket close failed", "queue", qr.id, "error", err.Error())
		}
	}
}

func (rt *runtime) close() {
	if err := rt.control.Close(); err != nil {
		rt.log.Warn("control endpoint close failed", "error", err.Error())
	}
	if err := rt.filter.Close(); err != nil {
		rt.log.Warn("filter program close failed", "error", err.Error())
	}
}

func socketMode(m config.Mode) xdpsocket.Mode {
	switch m {
	case config.ModeZeroCopy:
		return xdpsocket.ModeZeroCopy
	case config.ModeHW:
		return xdpsocket.ModeHW
	case config.ModeSkbCopy:
		return xdpsocket.ModeSkbCopy
	default:
		return xdpsocket.ModeDriverCopy
	}
}

// resolveInterfaceInfo reads iface's hardware MAC and first configured
// IPv4 address, falling back when either is missing to a fixed
// locally-administered MAC and the configured listen IP.
func resolveInterfaceInfo(iface, listenIP string) (net.HardwareAddr, [4]byte) {
	mac := packetbuilder.DefaultSrcMAC
	var ip [4]byte
	if parsed := net.ParseIP(listenIP).To4(); parsed != nil {
		copy(ip[:], parsed)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return mac, ip
	}
	if len(ifi.HardwareAddr) == 6 {
		mac = ifi.HardwareAddr
	}
	if addrs, err := ifi.Addrs(); err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if v4 := ipNet.IP.To4(); v4 != nil {
					copy(ip[:], v4)
					break
				}
			}
		}
	}
	return mac, ip
}

// ipv4ToNetworkOrderUint32 packs ip's four octets, already in
// most-significant-octet-first dotted-decimal order, into the uint32
// value whose in-memory byte layout on this (little-endian) host equals
// those same four bytes in order — the usual in_addr.s_addr convention
// the filter's eBPF side expects for a byte-for-byte header comparison.
func ipv4ToNetworkOrderUint32(ip [4]byte) uint32 {
	return binary.LittleEndian.Uint32(ip[:])
}

// hostPortToNetworkOrder byte-swaps a host-order port into the uint16
// whose in-memory layout on this host equals the two wire-order bytes
// (the htons convention), matching the filter's config struct.
func hostPortToNetworkOrder(port int) uint16 {
	return uint16(port&0xff)<<8 | uint16(port>>8&0xff)
}

// raiseMemlockLimit sets RLIMIT_MEMLOCK to unlimited for this process, a
// prerequisite for the UMEM mlock calls to succeed.
func raiseMemlockLimit() error {
	limit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit)
}
