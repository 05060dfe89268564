package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"168h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，支持 "2GiB"、"500MB" 以及纯整数写法。
type ByteSize int64

// UnmarshalText 通过 go-humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 以 IEC 单位输出，便于日志阅读。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Provider 运行模式，决定注册真实 Provider 还是测试替身。
const (
	ProviderModeProduction = "production"
	ProviderModeStub       = "stub"
	ProviderModeTest       = "test"
)

// GlobalConfig 描述全局运行时行为，所有 Provider 共享同一份参数。
type GlobalConfig struct {
	ListenPort            int      `mapstructure:"ListenPort"`
	LogLevel              string   `mapstructure:"LogLevel"`
	LogFilePath           string   `mapstructure:"LogFilePath"`
	LogMaxSize            int      `mapstructure:"LogMaxSize"`
	LogMaxBackups         int      `mapstructure:"LogMaxBackups"`
	LogCompress           bool     `mapstructure:"LogCompress"`
	StoragePath           string   `mapstructure:"StoragePath"`
	MaxCacheSize          ByteSize `mapstructure:"MaxCacheSize"`
	MaxCacheAge           Duration `mapstructure:"MaxCacheAge"`
	CompressionEnabled    bool     `mapstructure:"CompressionEnabled"`
	HubEndpoint           string   `mapstructure:"HubEndpoint"`
	HubToken              string   `mapstructure:"HubToken"`
	ResponseHeaderTimeout Duration `mapstructure:"ResponseHeaderTimeout"`
	MemoryBudgetFraction  float64  `mapstructure:"MemoryBudgetFraction"`
	VerifyOnLoad          bool     `mapstructure:"VerifyOnLoad"`
	ProviderMode          string   `mapstructure:"ProviderMode"`
}

// ProviderConfig 决定单个 Provider 的推理命令与开关。
type ProviderConfig struct {
	Type     string   `mapstructure:"Type"`
	Disabled bool     `mapstructure:"Disabled"`
	Binary   string   `mapstructure:"Binary"`
	Args     []string `mapstructure:"Args"`
	Threads  int      `mapstructure:"Threads"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Providers []ProviderConfig `mapstructure:"Provider"`
}

// Provider 返回指定类型的 Provider 配置。
func (c *Config) Provider(providerType string) (ProviderConfig, bool) {
	if c == nil {
		return ProviderConfig{}, false
	}
	key := strings.ToLower(strings.TrimSpace(providerType))
	for _, p := range c.Providers {
		if p.Type == key {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// EnabledProviders 返回未禁用的 Provider 类型列表，保持配置顺序。
func (c *Config) EnabledProviders() []string {
	if c == nil {
		return nil
	}
	var result []string
	for _, p := range c.Providers {
		if !p.Disabled {
			result = append(result, p.Type)
		}
	}
	return result
}

// ProviderSummary 返回所有 Provider 的启用状态摘要，例如 mlx:disabled。
func ProviderSummary(providers []ProviderConfig) []string {
	if len(providers) == 0 {
		return nil
	}
	result := make([]string, len(providers))
	for i, p := range providers {
		state := "enabled"
		if p.Disabled {
			state = "disabled"
		}
		result[i] = fmt.Sprintf("%s:%s", p.Type, state)
	}
	return result
}
