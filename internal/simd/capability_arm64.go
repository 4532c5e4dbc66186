//go:build arm64

package simd

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

func init() {
	// macOS does not expose hwcaps; ASIMD is architecturally guaranteed
	// on every arm64 macOS machine.
	hasASIMD = cpu.ARM64.HasASIMD || runtime.GOOS == "darwin"
	initCapabilities()
}
