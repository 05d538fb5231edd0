// +build !linux

package cpuaffinity

// PinQueue is a no-op on platforms without SCHED_SETAFFINITY. xdpfanout's
// kernel-bypass sockets are Linux-only, so core pinning is immaterial
// elsewhere; this exists only so the module type-checks when
// cross-compiled for development tooling.
func PinQueue(queueID int) error {
	return nil
}
