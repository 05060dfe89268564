package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedProviderTypes = map[string]struct{}{
	"whispercpp": {},
	"mlx":        {},
}

const supportedProviderTypeList = "whispercpp|mlx"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if g.MaxCacheAge.DurationValue() <= 0 {
		return newFieldError("Global.MaxCacheAge", "必须大于 0")
	}
	if g.ResponseHeaderTimeout.DurationValue() < 0 {
		return newFieldError("Global.ResponseHeaderTimeout", "不能为负数")
	}
	if g.MemoryBudgetFraction <= 0 || g.MemoryBudgetFraction > 1 {
		return newFieldError("Global.MemoryBudgetFraction", "必须在 (0, 1] 之间")
	}
	if err := validateEndpoint(g.HubEndpoint); err != nil {
		return fmt.Errorf("Global.HubEndpoint: %w", err)
	}
	switch g.ProviderMode {
	case ProviderModeProduction, ProviderModeStub, ProviderModeTest:
	default:
		return newFieldError("Global.ProviderMode", "仅支持 production/stub/test")
	}

	seen := map[string]struct{}{}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "" {
			return newFieldError("Provider[].Type", "不能为空")
		}
		if _, ok := supportedProviderTypes[p.Type]; !ok {
			return newFieldError(providerField(p.Type, "Type"), "仅支持 "+supportedProviderTypeList)
		}
		if _, exists := seen[p.Type]; exists {
			return newFieldError(providerField(p.Type, "Type"), "重复")
		}
		seen[p.Type] = struct{}{}

		if !p.Disabled && strings.TrimSpace(p.Binary) == "" {
			return newFieldError(providerField(p.Type, "Binary"), "不能为空")
		}
	}

	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return errors.New("缺少模型仓库地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
