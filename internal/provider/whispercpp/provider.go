// Package whispercpp implements the default CPU transcription provider backed
// by whisper.cpp ggml models. Model files are single artifacts stored in the
// shared cache manager; inference runs through an engine.Runtime.
package whispercpp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/cache"
	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/engine"
	"github.com/voxhub/voxhub/internal/hub"
	"github.com/voxhub/voxhub/internal/logging"
	"github.com/voxhub/voxhub/internal/provider"
)

// DisplayName 是 Provider 的展示名称。
const DisplayName = "Whisper (whisper.cpp)"

// ErrBadMagic 表示文件头不是 ggml/gguf 格式。
var ErrBadMagic = errors.New("not a ggml model file")

var modelMagics = [][]byte{
	[]byte("lmgg"), // ggml，小端序的 0x67676d6c
	[]byte("GGUF"),
}

// Hub 是下载模型所需的 Hub 能力。
type Hub interface {
	ListFiles(ctx context.Context, repo string) ([]hub.File, error)
	Open(ctx context.Context, repo, file string) (*hub.Download, error)
}

// Options 汇总 Provider 的依赖。
type Options struct {
	Cache        *cache.Manager
	Hub          Hub
	Runtime      engine.Runtime
	Detector     capabilities.Detector
	Logger       *logrus.Logger
	VerifyOnLoad bool
}

// Provider 实现 provider.TranscriptionProvider。
type Provider struct {
	cache        *cache.Manager
	hub          Hub
	runtime      engine.Runtime
	detect       capabilities.Detector
	logger       *logrus.Logger
	verifyOnLoad bool

	catalog   *provider.Catalog
	slot      provider.Slot
	downloads *provider.Coalescer
}

// New 构建 Provider。
func New(opts Options) (*Provider, error) {
	if opts.Cache == nil {
		return nil, errors.New("whispercpp: cache manager is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("whispercpp: hub client is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("whispercpp: runtime is required")
	}
	if opts.Detector == nil {
		opts.Detector = capabilities.NewDetector(0)
	}
	return &Provider{
		cache:        opts.Cache,
		hub:          opts.Hub,
		runtime:      opts.Runtime,
		detect:       opts.Detector,
		logger:       logging.OrDiscard(opts.Logger),
		verifyOnLoad: opts.VerifyOnLoad,
		catalog:      newCatalog(),
		downloads:    provider.NewCoalescer(),
	}, nil
}

func (p *Provider) Type() provider.Type {
	return provider.TypeWhisperCpp
}

func (p *Provider) DisplayName() string {
	return DisplayName
}

// DownloadModel 从 Hub 获取 ggml 文件并写入缓存，之后按缓存策略淘汰旧模型（当前模型与常驻模型除外）。
func (p *Provider) DownloadModel(ctx context.Context, name string, progress provider.ProgressFunc) error {
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return provider.NotFound(p.Type(), name)
	}
	if cached, ok := p.cache.Peek(entry.Name); ok {
		provider.Completed(progress, cached.SizeBytes, "already downloaded")
		return nil
	}

	shared, err := p.downloads.Do(ctx, entry.Name, progress, func(ctx context.Context, report provider.ProgressFunc) error {
		return p.fetch(ctx, entry, report)
	})
	if err != nil {
		return provider.DownloadFailed(p.Type(), entry.Name, err)
	}
	if shared {
		p.logger.WithFields(logging.ModelFields("model_download_shared", string(p.Type()), entry.Name)).Debug("joined in-flight download")
	}
	return nil
}

func (p *Provider) fetch(ctx context.Context, entry provider.CatalogEntry, report provider.ProgressFunc) error {
	if cached, ok := p.cache.Peek(entry.Name); ok {
		provider.Completed(report, cached.SizeBytes, "already downloaded")
		return nil
	}

	fileName := entry.Files[0]
	files, err := p.hub.ListFiles(ctx, entry.Repo)
	if err != nil {
		return err
	}
	var remote *hub.File
	for i := range files {
		if files[i].Path == fileName {
			remote = &files[i]
			break
		}
	}
	if remote == nil {
		return fmt.Errorf("%w: %s/%s", hub.ErrNotFound, entry.Repo, fileName)
	}

	dl, err := p.hub.Open(ctx, entry.Repo, fileName)
	if err != nil {
		return err
	}
	defer dl.Body.Close()

	total := remote.Size
	if total <= 0 {
		total = dl.Size
	}
	if total <= 0 {
		total = entry.EstimatedSize
	}

	started := time.Now()
	reporter := provider.NewReporter(report, total, "downloading "+entry.Name)
	reporter.Start()
	body := hub.NewProgressReader(dl.Body, total, func(read, _ int64) {
		reporter.Update(read)
	})

	stored, err := p.cache.Store(ctx, entry.Name, body, remote.SHA256, cache.StoreOptions{SourceURL: dl.URL})
	if err != nil {
		return err
	}

	pins := []string{entry.Name}
	if resident, ok := p.slot.Resident(); ok {
		pins = append(pins, resident)
	}
	if evicted, err := p.cache.EnforceLimits(ctx, cache.Pin(pins...)); err != nil {
		p.logger.WithError(err).WithFields(logging.ModelFields("cache_enforce", string(p.Type()), entry.Name)).Warn("cache limits not fully enforced")
	} else if len(evicted) > 0 {
		p.logger.WithFields(logging.ModelFields("cache_enforce", string(p.Type()), entry.Name)).
			WithField("evicted", len(evicted)).
			Info("evicted cached models")
	}

	reporter.Finish()
	p.logger.WithFields(logging.ModelFields("model_download", string(p.Type()), entry.Name)).
		WithField("size_bytes", stored.SizeBytes).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("model downloaded")
	return nil
}

// LoadModelIntoMemory 加载已下载的模型。开启 VerifyOnLoad 时会先校验 sha256，损坏的产物会被删除。
func (p *Provider) LoadModelIntoMemory(ctx context.Context, name string) error {
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return provider.NotFound(p.Type(), name)
	}
	cached, ok := p.cache.Lookup(ctx, entry.Name)
	if !ok {
		return provider.NotFound(p.Type(), entry.Name)
	}

	if p.verifyOnLoad {
		valid, err := p.cache.Validate(ctx, entry.Name)
		if err != nil {
			return provider.LoadFailed(p.Type(), entry.Name, err)
		}
		if !valid {
			if err := p.cache.Remove(ctx, entry.Name); err != nil {
				p.logger.WithError(err).WithFields(logging.ModelFields("model_load", string(p.Type()), entry.Name)).Warn("remove corrupt artifact failed")
			}
			return provider.LoadFailed(p.Type(), entry.Name, fmt.Errorf("%w: checksum mismatch, artifact removed", cache.ErrValidationFailed))
		}
	}

	if err := checkMagic(cached.FilePath); err != nil {
		return provider.UnsupportedFormat(p.Type(), entry.Name, err)
	}
	if err := p.runtime.Available(); err != nil {
		return provider.NotAvailable(p.Type(), err)
	}

	started := time.Now()
	err := p.slot.Load(ctx, entry.Name, func(ctx context.Context) (engine.Session, error) {
		return p.runtime.Load(ctx, cached.FilePath)
	})
	if err != nil {
		return provider.LoadFailed(p.Type(), entry.Name, err)
	}
	p.logger.WithFields(logging.ModelFields("model_load", string(p.Type()), entry.Name)).
		WithField("runtime", p.runtime.Name()).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("model loaded")
	return nil
}

func (p *Provider) IsModelLoadedInMemory(name string) bool {
	entry, ok := p.catalog.Resolve(name)
	return ok && p.slot.IsResident(entry.Name)
}

func (p *Provider) IsModelDownloaded(name string) bool {
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return false
	}
	_, ok = p.cache.Peek(entry.Name)
	return ok
}

func (p *Provider) LoadedModel() (string, bool) {
	return p.slot.Resident()
}

func (p *Provider) Transcribe(ctx context.Context, audioPath, modelName string, opts provider.TranscriptionOptions, progress provider.ProgressFunc) (string, error) {
	name := modelName
	if entry, ok := p.catalog.Resolve(modelName); ok {
		name = entry.Name
	}
	started := time.Now()
	text, err := provider.RunTranscription(ctx, &p.slot, p.Type(), audioPath, name, opts, progress)
	if err != nil {
		p.logger.WithError(err).WithFields(logging.ModelFields("transcribe", string(p.Type()), name)).Warn("transcription failed")
		return "", err
	}
	p.logger.WithFields(logging.ModelFields("transcribe", string(p.Type()), name)).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("transcription finished")
	return text, nil
}

// DeleteModel 卸载并删除模型；从未下载的模型返回 ModelNotFound。
func (p *Provider) DeleteModel(ctx context.Context, name string) error {
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return provider.NotFound(p.Type(), name)
	}
	if _, ok := p.cache.Peek(entry.Name); !ok {
		return provider.NotFound(p.Type(), entry.Name)
	}

	if unloaded, err := p.slot.Unload(entry.Name); err != nil {
		p.logger.WithError(err).WithFields(logging.ModelFields("model_delete", string(p.Type()), entry.Name)).Warn("unload failed")
	} else if unloaded {
		p.logger.WithFields(logging.ModelFields("model_unload", string(p.Type()), entry.Name)).Info("model unloaded")
	}
	if err := p.cache.Remove(ctx, entry.Name); err != nil {
		return fmt.Errorf("delete %s: %w", entry.Name, err)
	}
	p.logger.WithFields(logging.ModelFields("model_delete", string(p.Type()), entry.Name)).Info("model deleted")
	return nil
}

func (p *Provider) AvailableModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return p.catalog.Describe(p.Type(), p.detect(), func(e provider.CatalogEntry) bool {
		_, ok := p.cache.Peek(e.Name)
		return ok
	}), nil
}

func (p *Provider) RecommendedModel(ctx context.Context) (string, error) {
	return p.catalog.Recommended(p.detect()).Name, nil
}

func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	for _, magic := range modelMagics {
		if bytes.Equal(head, magic) {
			return nil
		}
	}
	return fmt.Errorf("%w: header %q", ErrBadMagic, head)
}

var _ provider.TranscriptionProvider = (*Provider)(nil)
