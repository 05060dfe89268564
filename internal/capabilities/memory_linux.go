//go:build linux

package capabilities

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const meminfoPath = "/proc/meminfo"

func readMemory() memoryInfo {
	if info, ok := readMeminfo(meminfoPath); ok {
		return info
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return memoryInfo{}
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return memoryInfo{
		available: (uint64(si.Freeram) + uint64(si.Bufferram)) * unit,
		total:     uint64(si.Totalram) * unit,
	}
}

// readMeminfo 解析 MemAvailable/MemTotal（单位 kB）。
func readMeminfo(path string) (memoryInfo, bool) {
	f, err := os.Open(path)
	if err != nil {
		return memoryInfo{}, false
	}
	defer f.Close()

	var info memoryInfo
	var haveAvailable bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			info.total = value * 1024
		case "MemAvailable:":
			info.available = value * 1024
			haveAvailable = true
		}
	}
	return info, haveAvailable && info.total > 0
}

func hasUnifiedMemoryAccelerator() bool {
	return false
}
