//go:build linux

package embedding

import "golang.org/x/sys/unix"

// availableMemory returns free plus buffer memory in bytes, or 0 when unknown.
func availableMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * uint64(info.Unit)
}
