//go:build linux

package engine

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// startupCPUs is the affinity mask at process start. Threads created after a
// worker pins itself may inherit the narrowed mask, so later queries of the
// calling thread cannot be trusted.
var startupCPUs, startupErr = func() (unix.CPUSet, error) {
	var set unix.CPUSet
	err := unix.SchedGetaffinity(0, &set)
	return set, err
}()

// Parallelism returns the number of CPUs this process may run on, honoring
// taskset and cgroup cpusets where runtime.NumCPU would not.
func Parallelism() int {
	if startupErr != nil {
		return runtime.NumCPU()
	}
	if n := startupCPUs.Count(); n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// pinThread binds the calling OS thread to the idx-th allowed CPU (modulo the
// allowed count). The caller must hold runtime.LockOSThread.
func pinThread(idx int) error {
	if startupErr != nil {
		return fmt.Errorf("sched_getaffinity: %w", startupErr)
	}
	n := startupCPUs.Count()
	if n == 0 {
		return fmt.Errorf("empty CPU set")
	}
	want := idx % n
	for cpu, seen := 0, 0; cpu < len(startupCPUs)*64; cpu++ {
		if !startupCPUs.IsSet(cpu) {
			continue
		}
		if seen == want {
			var set unix.CPUSet
			set.Set(cpu)
			if err := unix.SchedSetaffinity(0, &set); err != nil {
				return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
			}
			return nil
		}
		seen++
	}
	return fmt.Errorf("cpu index %d not found", want)
}
