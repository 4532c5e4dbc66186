//go:build !linux

package mmap

func osAdviseHugePages(data []byte) error {
	return nil
}
