// Package destset holds the replicator's fan-out destination list: a
// mutex-guarded set mutated only by the control endpoint, read by workers
// through a per-thread cache. The set stays in the single digits of
// entries in practice, so a plain version-counter invalidation scheme is
// used in place of a full LRU.
package destset

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Destination identifies one fan-out target.
type Destination struct {
	IPv4 [4]byte
	Port uint16
}

func (d Destination) less(o Destination) bool {
	for i := 0; i < 4; i++ {
		if d.IPv4[i] != o.IPv4[i] {
			return d.IPv4[i] < o.IPv4[i]
		}
	}
	return d.Port < o.Port
}

// primePort is the fixed port ARP-priming probes are sent to.
const primePort = 12346

// Set is the mutable destination list. Insert/Remove are called only from
// the control endpoint and take the lock; Snapshot and CurrentVersion are
// the read side workers use.
type Set struct {
	mu      sync.Mutex
	byKey   map[Destination]struct{}
	version uint64

	primeMu       sync.Mutex
	primeLimiters map[[4]byte]*rate.Limiter
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		byKey:         make(map[Destination]struct{}),
		primeLimiters: make(map[[4]byte]*rate.Limiter),
	}
}

// Insert adds dst if absent, bumps the version, and fires a best-effort
// ARP-priming probe. It returns true if dst was newly added.
//
// Priming is throttled to one probe per destination IP per second with
// golang.org/x/time/rate, so a control client that rapid-fire
// adds/removes the same destination cannot spawn unbounded temporary
// priming sockets; priming is best-effort and its failures are neither
// logged nor returned, so throttling it cannot break any caller's
// expectations.
func (s *Set) Insert(dst Destination) bool {
	s.mu.Lock()
	_, exists := s.byKey[dst]
	if !exists {
		s.byKey[dst] = struct{}{}
		atomic.AddUint64(&s.version, 1)
	}
	s.mu.Unlock()

	if !exists && s.primeLimiterFor(dst.IPv4).Allow() {
		go primeARP(dst.IPv4)
	}
	return !exists
}

// primeLimiterFor returns the per-IP rate limiter used to throttle ARP
// priming, creating one (1 probe/sec, burst 1) on first use.
func (s *Set) primeLimiterFor(ip [4]byte) *rate.Limiter {
	s.primeMu.Lock()
	defer s.primeMu.Unlock()
	lim, ok := s.primeLimiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 1)
		s.primeLimiters[ip] = lim
	}
	return lim
}

// Remove deletes dst if present, bumping the version.
func (s *Set) Remove(dst Destination) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[dst]; !exists {
		return false
	}
	delete(s.byKey, dst)
	atomic.AddUint64(&s.version, 1)
	return true
}

// Snapshot returns a lexicographically ordered copy of the current
// destinations.
func (s *Set) Snapshot() []Destination {
	s.mu.Lock()
	out := make([]Destination, 0, len(s.byKey))
	for d := range s.byKey {
		out = append(out, d)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// CurrentVersion returns the set's monotonic version counter, lock-free.
func (s *Set) CurrentVersion() uint64 {
	return atomic.LoadUint64(&s.version)
}

// primeARP sends a best-effort one-byte UDP probe to ip:12346 to encourage
// the kernel to populate an ARP entry before real traffic needs one.
// Failure is not surfaced — callers never see an error from Insert.
func primeARP(ip [4]byte) {
	addr := &net.UDPAddr{IP: net.IP(ip[:]), Port: primePort}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte{0})
	time.Sleep(100 * time.Millisecond)
}

// ThreadLocalCache is the hot-path read view: each worker owns one,
// refreshing its local copy from Set only when the set's version has
// changed or RefreshTimeout has elapsed, so packet processing never
// takes the set's lock.
type ThreadLocalCache struct {
	set            *Set
	refreshTimeout time.Duration

	cached       []Destination
	cachedVer    uint64
	lastRefresh  time.Time
}

// NewThreadLocalCache builds a cache bound to set with the given staleness
// bound.
func NewThreadLocalCache(set *Set, refreshTimeout time.Duration) *ThreadLocalCache {
	return &ThreadLocalCache{set: set, refreshTimeout: refreshTimeout}
}

// Destinations returns the current destination snapshot, refreshing from
// Set if the version changed or the refresh timeout elapsed.
func (c *ThreadLocalCache) Destinations() []Destination {
	now := time.Now()
	v := c.set.CurrentVersion()
	if c.cached == nil || v != c.cachedVer || now.Sub(c.lastRefresh) >= c.refreshTimeout {
		c.cached = c.set.Snapshot()
		c.cachedVer = v
		c.lastRefresh = now
	}
	return c.cached
}
