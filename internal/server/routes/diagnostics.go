package routes

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/voxhub/voxhub/internal/app"
	"github.com/voxhub/voxhub/internal/cache"
	"github.com/voxhub/voxhub/internal/provider"
	"github.com/voxhub/voxhub/internal/version"
)

// RegisterDiagnosticRoutes 暴露 /-/ 前缀下的诊断接口，供运维查询 Provider、缓存与硬件状态。
func RegisterDiagnosticRoutes(router fiber.Router, a *app.App) {
	if router == nil || a == nil {
		return
	}

	router.Get("/-/providers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"mode":      a.Mode,
			"version":   version.Full(),
			"providers": a.Status(c.Context()),
			"rules":     encodeRules(a.Router.Rules()),
		})
	})

	router.Get("/-/providers/:type/models", func(c fiber.Ctx) error {
		p, err := a.Registry.Provider(provider.ParseType(c.Params("type")))
		if err != nil {
			return err
		}
		models, err := p.AvailableModels(c.Context())
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"provider": p.Type(),
			"models":   models,
		})
	})

	router.Get("/-/cache", func(c fiber.Ctx) error {
		cfg := a.Cache.Configuration()
		size := a.Cache.CurrentSizeBytes()
		return c.JSON(cachePayload{
			Root:          a.Cache.Root(),
			SizeBytes:     size,
			Size:          humanize.IBytes(uint64(size)),
			MaxSizeBytes:  cfg.MaxCacheSizeBytes,
			MaxSize:       humanize.IBytes(uint64(cfg.MaxCacheSizeBytes)),
			MaxAgeSeconds: int64(cfg.MaxAge / time.Second),
			Entries:       a.Cache.Entries(),
		})
	})

	router.Get("/-/capabilities", func(c fiber.Ctx) error {
		return c.JSON(a.Detector())
	})
}

type cachePayload struct {
	Root          string        `json:"root"`
	SizeBytes     int64         `json:"size_bytes"`
	Size          string        `json:"size"`
	MaxSizeBytes  int64         `json:"max_size_bytes"`
	MaxSize       string        `json:"max_size"`
	MaxAgeSeconds int64         `json:"max_age_seconds"`
	Entries       []cache.Entry `json:"entries"`
}

type rulePayload struct {
	Match    string   `json:"match"`
	Patterns []string `json:"patterns"`
	Provider string   `json:"provider"`
}

func encodeRules(rules []provider.Rule) []rulePayload {
	result := make([]rulePayload, 0, len(rules))
	for _, r := range rules {
		result = append(result, rulePayload{
			Match:    string(r.Match),
			Patterns: append([]string(nil), r.Patterns...),
			Provider: string(r.Type),
		})
	}
	return result
}
