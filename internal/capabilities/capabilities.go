package capabilities

import (
	"errors"
	"fmt"
	"runtime"
)

// ComputeUnitsClass 描述可用的计算单元组合。
type ComputeUnitsClass string

const (
	ComputeCPUOnly         ComputeUnitsClass = "cpu_only"
	ComputeCPUAndGPU       ComputeUnitsClass = "cpu_and_gpu"
	ComputeCPUAndNeuralEng ComputeUnitsClass = "cpu_and_neural_engine"
	ComputeAll             ComputeUnitsClass = "all"
)

// DefaultMemoryFraction 是模型峰值内存允许占用可用内存的默认比例。
const DefaultMemoryFraction = 0.70

// ErrAcceleratorUnavailable 表示当前设备缺少统一内存加速器。
var ErrAcceleratorUnavailable = errors.New("accelerated compute unavailable")

// Capabilities 是某一时刻的硬件快照，不做持久化。
type Capabilities struct {
	HasAcceleratedCompute bool              `json:"has_accelerated_compute"`
	AvailableMemoryBytes  uint64            `json:"available_memory_bytes"`
	TotalMemoryBytes      uint64            `json:"total_memory_bytes"`
	ComputeUnits          ComputeUnitsClass `json:"compute_units"`
	CPUCount              int               `json:"cpu_count"`
	MemoryFraction        float64           `json:"memory_fraction"`
	SupportedSizeClasses  []SizeClass       `json:"supported_size_classes"`
}

// Supports 判断指定尺寸是否在安全范围内。
func (c Capabilities) Supports(class SizeClass) bool {
	for _, s := range c.SupportedSizeClasses {
		if s == class {
			return true
		}
	}
	return false
}

// MemoryConstrained 表示可用内存低于 ConstrainedMemoryBytes。未知内存不算受限。
func (c Capabilities) MemoryConstrained() bool {
	return c.AvailableMemoryBytes > 0 && c.AvailableMemoryBytes < ConstrainedMemoryBytes
}

// Detector 返回一份新的硬件快照。
type Detector func() Capabilities

// NewDetector 返回探测真实主机的 Detector，fraction<=0 时使用默认比例。
func NewDetector(fraction float64) Detector {
	return func() Capabilities {
		return Detect(fraction)
	}
}

// Fixed 返回总是给出同一快照的 Detector，供测试与离线模式使用。
func Fixed(c Capabilities) Detector {
	return func() Capabilities {
		return c
	}
}

// Detect 探测当前主机的内存与加速器信息。
func Detect(fraction float64) Capabilities {
	mem := readMemory()
	accelerated := hasUnifiedMemoryAccelerator()
	return Snapshot(accelerated, mem.available, mem.total, computeUnitsFor(accelerated), fraction)
}

// Snapshot 根据给定事实构造快照，并推导可支持的尺寸列表。
func Snapshot(accelerated bool, available, total uint64, units ComputeUnitsClass, fraction float64) Capabilities {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultMemoryFraction
	}
	if units == "" {
		units = computeUnitsFor(accelerated)
	}
	return Capabilities{
		HasAcceleratedCompute: accelerated,
		AvailableMemoryBytes:  available,
		TotalMemoryBytes:      total,
		ComputeUnits:          units,
		CPUCount:              runtime.NumCPU(),
		MemoryFraction:        fraction,
		SupportedSizeClasses:  supportedClasses(available, fraction),
	}
}

// RequireAccelerator 是硬件门控 Provider 使用的可用性判定。
func RequireAccelerator(c Capabilities) error {
	if !c.HasAcceleratedCompute {
		return fmt.Errorf("%w (%s/%s, %s)", ErrAcceleratorUnavailable, runtime.GOOS, runtime.GOARCH, c.ComputeUnits)
	}
	return nil
}

func computeUnitsFor(accelerated bool) ComputeUnitsClass {
	if accelerated {
		return ComputeAll
	}
	return ComputeCPUOnly
}

// supportedClasses 依据 footprint <= fraction*available 过滤尺寸。
// 可用内存未知时假定为普通设备，最多支持 small。
func supportedClasses(available uint64, fraction float64) []SizeClass {
	var result []SizeClass
	if available == 0 {
		for _, class := range orderedClasses {
			result = append(result, class)
			if class == SizeSmall {
				break
			}
		}
		return result
	}
	budget := uint64(float64(available) * fraction)
	for _, class := range orderedClasses {
		if class.PeakFootprint() <= budget {
			result = append(result, class)
		}
	}
	return result
}

type memoryInfo struct {
	available uint64
	total     uint64
}
