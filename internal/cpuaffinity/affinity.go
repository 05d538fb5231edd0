// +build linux

// Package cpuaffinity pins worker goroutines to dedicated physical cores:
// core 0 is reserved for interrupts, worker queue q runs on core q+1.
package cpuaffinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinQueue locks the calling goroutine to its own OS thread and sets that
// thread's CPU affinity to core queueID+1 (core 0 is reserved for
// interrupts). Callers must invoke this from the goroutine that will run
// the worker loop, before entering it.
func PinQueue(queueID int) error {
	runtime.LockOSThread()

	core := queueID + 1
	var set unix.CPUSet
	set.Zero()
	set.Set(core)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("cpuaffinity: pin queue %d to core %d: %w", queueID, core, err)
	}
	return nil
}
