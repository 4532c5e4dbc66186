//go:build linux

package mmap

import "golang.org/x/sys/unix"

func osAdviseHugePages(data []byte) error {
	err := unix.Madvise(data, unix.MADV_HUGEPAGE)
	if err == unix.EINVAL {
		// Kernel built without THP, or unaligned region.
		return nil
	}
	return err
}
