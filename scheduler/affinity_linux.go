//go:build linux

package scheduler

import "golang.org/x/sys/unix"

// pinThread binds the calling OS thread to one logical CPU. The caller
// must have locked the goroutine to its thread first.
func pinThread(logicalCPU int) error {
	var set unix.CPUSet
	set.Set(logicalCPU)
	return unix.SchedSetaffinity(0, &set)
}
