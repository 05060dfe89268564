package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 环境变量名称，供 CLI 与测试共享。
const (
	EnvConfigPath   = "VOXHUB_CONFIG"
	EnvProviderMode = "VOXHUB_PROVIDER_MODE"
	EnvHubToken     = "VOXHUB_HUB_TOKEN"
)

const defaultMaxCacheSize = 2 << 30

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值与环境变量构成的配置，供无配置文件的 CLI 场景使用。
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	_ = v.BindEnv("ProviderMode", EnvProviderMode)
	_ = v.BindEnv("HubToken", EnvHubToken, "HF_TOKEN")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyProviderDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析模型目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./models")
	v.SetDefault("MaxCacheSize", defaultMaxCacheSize)
	v.SetDefault("MaxCacheAge", "168h")
	v.SetDefault("CompressionEnabled", false)
	v.SetDefault("HubEndpoint", "https://huggingface.co")
	v.SetDefault("ResponseHeaderTimeout", "30s")
	v.SetDefault("MemoryBudgetFraction", 0.7)
	v.SetDefault("VerifyOnLoad", true)
	v.SetDefault("ProviderMode", ProviderModeProduction)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5100
	}
	if g.MaxCacheSize == 0 {
		g.MaxCacheSize = ByteSize(defaultMaxCacheSize)
	}
	if g.MaxCacheAge.DurationValue() == 0 {
		g.MaxCacheAge = Duration(7 * 24 * time.Hour)
	}
	if g.ResponseHeaderTimeout.DurationValue() == 0 {
		g.ResponseHeaderTimeout = Duration(30 * time.Second)
	}
	if g.MemoryBudgetFraction == 0 {
		g.MemoryBudgetFraction = 0.7
	}
	g.HubEndpoint = strings.TrimRight(strings.TrimSpace(g.HubEndpoint), "/")
	g.ProviderMode = strings.ToLower(strings.TrimSpace(g.ProviderMode))
	if g.ProviderMode == "" {
		g.ProviderMode = ProviderModeProduction
	}
}

// applyProviderDefaults 在未声明 [[Provider]] 时补齐内置 Provider，并填充默认命令。
func applyProviderDefaults(cfg *Config) {
	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{
			{Type: "whispercpp"},
			{Type: "mlx"},
		}
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if strings.TrimSpace(p.Binary) == "" {
			p.Binary = defaultBinaries[p.Type]
		}
		if p.Threads < 0 {
			p.Threads = 0
		}
	}
}

var defaultBinaries = map[string]string{
	"whispercpp": "whisper-cli",
	"mlx":        "mlx_whisper",
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
