//go:build linux

package pool

import (
	"golang.org/x/sys/unix"
)

// pinToCPU restricts the calling OS thread to a single CPU. The caller must
// have locked the goroutine to its thread.
func pinToCPU(cpu int) error {
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}
