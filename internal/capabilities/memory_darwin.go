//go:build darwin

package capabilities

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func readMemory() memoryInfo {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return memoryInfo{}
	}
	pageSize, err := unix.SysctlUint32("hw.pagesize")
	if err != nil || pageSize == 0 {
		return memoryInfo{total: total, available: total}
	}
	free, _ := unix.SysctlUint32("vm.page_free_count")
	purgeable, _ := unix.SysctlUint32("vm.page_purgeable_count")
	speculative, _ := unix.SysctlUint32("vm.page_speculative_count")
	available := (uint64(free) + uint64(purgeable) + uint64(speculative)) * uint64(pageSize)
	if available == 0 || available > total {
		available = total
	}
	return memoryInfo{total: total, available: available}
}

// Apple Silicon 提供 CPU/GPU 共享的统一内存。
func hasUnifiedMemoryAccelerator() bool {
	return runtime.GOARCH == "arm64"
}
