package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/cache"
	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/config"
	"github.com/voxhub/voxhub/internal/engine"
	"github.com/voxhub/voxhub/internal/hub"
	"github.com/voxhub/voxhub/internal/logging"
	"github.com/voxhub/voxhub/internal/provider"
	"github.com/voxhub/voxhub/internal/provider/mlx"
	"github.com/voxhub/voxhub/internal/provider/providertest"
	"github.com/voxhub/voxhub/internal/provider/whispercpp"
)

// HubClient 是 Provider 下载模型时依赖的 Hub 能力。
type HubClient interface {
	ListFiles(ctx context.Context, repo string) ([]hub.File, error)
	Open(ctx context.Context, repo, file string) (*hub.Download, error)
}

// App 持有进程内共享的组件实例。
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Detector capabilities.Detector
	Cache    *cache.Manager
	Hub      HubClient
	Registry *provider.Registry
	Router   *provider.Router
	Mode     string
}

type options struct {
	detector capabilities.Detector
	hub      HubClient
	runtimes map[provider.Type]engine.Runtime
	rules    []provider.Rule
}

// Option 定制 New 的构建过程，主要供测试注入替身。
type Option func(*options)

// WithDetector 替换硬件探测。
func WithDetector(d capabilities.Detector) Option {
	return func(o *options) {
		o.detector = d
	}
}

// WithHub 替换 Hub 客户端。
func WithHub(h HubClient) Option {
	return func(o *options) {
		o.hub = h
	}
}

// WithRuntime 为指定 Provider 类型替换推理运行时。
func WithRuntime(t provider.Type, rt engine.Runtime) Option {
	return func(o *options) {
		o.runtimes[t] = rt
	}
}

// WithRules 替换路由规则表。
func WithRules(rules ...provider.Rule) Option {
	return func(o *options) {
		o.rules = append([]provider.Rule(nil), rules...)
	}
}

// Fake 目录在 test 模式下注册的模型。
var (
	fakeWhisperModels = []string{"tiny", "base", "small"}
	fakeMLXModels     = []string{"whisper-base-mlx", "whisper-small-mlx"}
)

// New 按配置构建全部组件。被禁用的 Provider 不会注册。
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger = logging.OrDiscard(logger)

	o := options{runtimes: make(map[provider.Type]engine.Runtime)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.detector == nil {
		o.detector = capabilities.NewDetector(cfg.Global.MemoryBudgetFraction)
	}

	manager, err := cache.NewManager(cfg.Global.StoragePath, cache.Configuration{
		MaxCacheSizeBytes:  cfg.Global.MaxCacheSize.Int64(),
		MaxAge:             cfg.Global.MaxCacheAge.DurationValue(),
		CompressionEnabled: cfg.Global.CompressionEnabled,
	}, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("初始化模型缓存失败: %w", err)
	}

	if o.hub == nil && cfg.Global.ProviderMode != config.ProviderModeTest {
		client, err := hub.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化 Hub 客户端失败: %w", err)
		}
		o.hub = client
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Detector: o.detector,
		Cache:    manager,
		Hub:      o.hub,
		Registry: provider.NewRegistry(),
		Mode:     cfg.Global.ProviderMode,
	}

	for _, pc := range cfg.Providers {
		if pc.Disabled {
			logger.WithFields(logrus.Fields{"action": "provider_register", "provider": pc.Type}).Info("provider disabled")
			continue
		}
		t := provider.ParseType(pc.Type)
		p, err := a.buildProvider(t, pc, o)
		if err != nil {
			return nil, fmt.Errorf("构建 Provider %s 失败: %w", pc.Type, err)
		}
		if err := a.Registry.Register(p, t); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"action":   "provider_register",
			"provider": string(t),
			"mode":     a.Mode,
		}).Info("provider registered")
	}

	router, err := provider.NewRouter(a.Registry, o.rules...)
	if err != nil {
		return nil, fmt.Errorf("构建模型路由失败: %w", err)
	}
	a.Router = router
	return a, nil
}

func (a *App) buildProvider(t provider.Type, pc config.ProviderConfig, o options) (provider.TranscriptionProvider, error) {
	if a.Mode == config.ProviderModeTest {
		switch t {
		case provider.TypeWhisperCpp:
			return providertest.New(t, fakeWhisperModels), nil
		case provider.TypeMLX:
			return providertest.New(t, fakeMLXModels), nil
		}
		return nil, fmt.Errorf("unknown provider type %q", t)
	}

	rt := o.runtimes[t]
	if rt == nil {
		rt = a.runtimeFor(t, pc)
	}
	g := a.Config.Global
	switch t {
	case provider.TypeWhisperCpp:
		return whispercpp.New(whispercpp.Options{
			Cache:        a.Cache,
			Hub:          a.Hub,
			Runtime:      rt,
			Detector:     a.Detector,
			Logger:       a.Logger,
			VerifyOnLoad: g.VerifyOnLoad,
		})
	case provider.TypeMLX:
		return mlx.New(mlx.Options{
			StoragePath:  g.StoragePath,
			Hub:          a.Hub,
			Runtime:      rt,
			Detector:     a.Detector,
			Logger:       a.Logger,
			VerifyOnLoad: g.VerifyOnLoad,
		})
	}
	return nil, fmt.Errorf("unknown provider type %q", t)
}

func (a *App) runtimeFor(t provider.Type, pc config.ProviderConfig) engine.Runtime {
	if a.Mode == config.ProviderModeStub {
		return engine.NewStub(string(t) + "-stub")
	}
	dialect := engine.DialectWhisperCLI
	if t == provider.TypeMLX {
		dialect = engine.DialectMLXWhisper
	}
	return engine.NewExec(engine.ExecConfig{
		Binary:  pc.Binary,
		Args:    pc.Args,
		Threads: pc.Threads,
		Dialect: dialect,
	}, a.Logger)
}

// ProviderStatus 是单个 Provider 的诊断摘要。
type ProviderStatus struct {
	Type        provider.Type `json:"type"`
	DisplayName string        `json:"display_name"`
	Available   bool          `json:"available"`
	Reason      string        `json:"reason,omitempty"`
	LoadedModel string        `json:"loaded_model,omitempty"`
}

// Status 汇总已注册 Provider 的状态，按类型排序。
func (a *App) Status(ctx context.Context) []ProviderStatus {
	types := a.Registry.AllRegisteredTypes()
	result := make([]ProviderStatus, 0, len(types))
	for _, t := range types {
		p, err := a.Registry.Provider(t)
		if err != nil {
			continue
		}
		status := ProviderStatus{Type: t, DisplayName: p.DisplayName(), Available: true}
		if _, err := p.RecommendedModel(ctx); errors.Is(err, provider.ErrProviderNotAvailable) {
			status.Available = false
			status.Reason = err.Error()
		}
		if name, ok := p.LoadedModel(); ok {
			status.LoadedModel = name
		}
		result = append(result, status)
	}
	return result
}
