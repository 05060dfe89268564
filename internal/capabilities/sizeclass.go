package capabilities

// SizeClass 是模型尺寸档位，从小到大排序。
type SizeClass string

const (
	SizeTiny   SizeClass = "tiny"
	SizeBase   SizeClass = "base"
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

const (
	mib = 1 << 20
	gib = 1 << 30

	// ConstrainedMemoryBytes 以下视为内存受限设备。
	ConstrainedMemoryBytes = 4 * gib
	// GenerousMemoryBytes 以上且具备加速器时推荐最大可用档位。
	GenerousMemoryBytes = 16 * gib
)

var orderedClasses = []SizeClass{SizeTiny, SizeBase, SizeSmall, SizeMedium, SizeLarge}

// 峰值内存估算，已包含推理运行时开销。
var peakFootprints = map[SizeClass]uint64{
	SizeTiny:   400 * mib,
	SizeBase:   512 * mib,
	SizeSmall:  1 * gib,
	SizeMedium: 2560 * mib,
	SizeLarge:  4 * gib,
}

// SizeClasses 返回从小到大的全部档位。
func SizeClasses() []SizeClass {
	return append([]SizeClass(nil), orderedClasses...)
}

// PeakFootprint 返回档位的峰值内存估算。
func (s SizeClass) PeakFootprint() uint64 {
	return peakFootprints[s]
}

// Rank 返回档位序号，未知档位返回 -1。
func (s SizeClass) Rank() int {
	for i, class := range orderedClasses {
		if class == s {
			return i
		}
	}
	return -1
}

// RecommendSizeClass 根据快照给出推荐档位：
// 内存受限时选择 base/tiny，具备加速器且内存充裕时选择最大可用档位，其余情况为 small。
func RecommendSizeClass(c Capabilities) SizeClass {
	supported := c.SupportedSizeClasses
	if len(supported) == 0 {
		return SizeTiny
	}
	largest := supported[len(supported)-1]

	switch {
	case c.MemoryConstrained():
		if c.Supports(SizeBase) {
			return SizeBase
		}
		return SizeTiny
	case c.HasAcceleratedCompute && c.AvailableMemoryBytes >= GenerousMemoryBytes:
		return largest
	default:
		if c.Supports(SizeSmall) {
			return SizeSmall
		}
		return largest
	}
}
