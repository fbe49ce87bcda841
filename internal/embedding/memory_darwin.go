//go:build darwin

package embedding

import "golang.org/x/sys/unix"

// availableMemory returns physical memory in bytes, or 0 when unknown.
func availableMemory() uint64 {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return n
}
