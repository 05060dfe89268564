package cache

import "time"

const (
	// DefaultMaxCacheSizeBytes 默认缓存上限 2 GiB。
	DefaultMaxCacheSizeBytes int64 = 2 << 30
	// DefaultMaxAge 默认 7 天未访问即过期。
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Configuration 是缓存策略，构造 Manager 时复制一份，之后不再修改。
// 需要调整策略时请用新的 Configuration 重新构造 Manager。
type Configuration struct {
	MaxCacheSizeBytes int64
	MaxAge            time.Duration
	// CompressionEnabled 预留字段，当前不会压缩产物。
	CompressionEnabled bool
}

// DefaultConfiguration 返回默认策略。
func DefaultConfiguration() Configuration {
	return Configuration{
		MaxCacheSizeBytes: DefaultMaxCacheSizeBytes,
		MaxAge:            DefaultMaxAge,
	}
}

func (c Configuration) normalized() Configuration {
	if c.MaxCacheSizeBytes <= 0 {
		c.MaxCacheSizeBytes = DefaultMaxCacheSizeBytes
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}
