//go:build !linux && !darwin

package capabilities

func readMemory() memoryInfo {
	return memoryInfo{}
}

func hasUnifiedMemoryAccelerator() bool {
	return false
}
