// Package mlx implements the accelerator-gated transcription provider for
// Apple unified-memory hosts. Models are Hugging Face repositories converted
// for MLX and are kept as directories under <storage>/mlx. On hosts without
// the accelerator, or without the mlx_whisper runtime, every operation fails
// fast with ProviderNotAvailable and status queries report false.
package mlx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/engine"
	"github.com/voxhub/voxhub/internal/hub"
	"github.com/voxhub/voxhub/internal/logging"
	"github.com/voxhub/voxhub/internal/provider"
)

// DisplayName 是 Provider 的展示名称。
const DisplayName = "Whisper (MLX)"

// DirName 是存储根目录下 MLX 模型的子目录名。
const DirName = "mlx"

// Hub 是下载模型所需的 Hub 能力。
type Hub interface {
	ListFiles(ctx context.Context, repo string) ([]hub.File, error)
	Open(ctx context.Context, repo, file string) (*hub.Download, error)
}

// Options 汇总 Provider 的依赖。
type Options struct {
	// StoragePath 是全局存储根目录，模型位于 StoragePath/mlx。
	StoragePath  string
	Hub          Hub
	Runtime      engine.Runtime
	Detector     capabilities.Detector
	Logger       *logrus.Logger
	VerifyOnLoad bool
}

// Provider 实现 provider.TranscriptionProvider。
type Provider struct {
	layout       *layout
	hub          Hub
	runtime      engine.Runtime
	detect       capabilities.Detector
	logger       *logrus.Logger
	verifyOnLoad bool

	catalog   *provider.Catalog
	slot      provider.Slot
	downloads *provider.Coalescer

	// installMu 串行化同一模型目录的安装与删除。
	installMu sync.Mutex
}

// New 构建 Provider。构建本身不做硬件检查，检查在每次操作时进行。
func New(opts Options) (*Provider, error) {
	if opts.StoragePath == "" {
		return nil, errors.New("mlx: storage path is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("mlx: hub client is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("mlx: runtime is required")
	}
	if opts.Detector == nil {
		opts.Detector = capabilities.NewDetector(0)
	}
	l, err := newLayout(filepath.Join(opts.StoragePath, DirName))
	if err != nil {
		return nil, err
	}
	p := &Provider{
		layout:       l,
		hub:          opts.Hub,
		runtime:      opts.Runtime,
		detect:       opts.Detector,
		logger:       logging.OrDiscard(opts.Logger),
		verifyOnLoad: opts.VerifyOnLoad,
		catalog:      newCatalog(),
		downloads:    provider.NewCoalescer(),
	}
	if removed, err := l.cleanPartial(); err != nil {
		p.logger.WithError(err).WithField("action", "mlx_init").Warn("clean partial installs failed")
	} else if len(removed) > 0 {
		p.logger.WithFields(logrus.Fields{"action": "mlx_init", "removed": len(removed)}).Info("removed partial installs")
	}
	return p, nil
}

func (p *Provider) Type() provider.Type {
	return provider.TypeMLX
}

func (p *Provider) DisplayName() string {
	return DisplayName
}

// Available 返回硬件与运行时前置条件的检查结果。
func (p *Provider) Available() error {
	if err := capabilities.RequireAccelerator(p.detect()); err != nil {
		return provider.NotAvailable(p.Type(), err)
	}
	if err := p.runtime.Available(); err != nil {
		return provider.NotAvailable(p.Type(), err)
	}
	return nil
}

func (p *Provider) DownloadModel(ctx context.Context, name string, progress provider.ProgressFunc) error {
	if err := p.Available(); err != nil {
		return err
	}
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return provider.NotFound(p.Type(), name)
	}
	if p.layout.installed(entry.Name) {
		provider.Completed(progress, sizeOf(p.layout.dir(entry.Name)), "already downloaded")
		return nil
	}

	_, err := p.downloads.Do(ctx, entry.Name, progress, func(ctx context.Context, report provider.ProgressFunc) error {
		return p.fetch(ctx, entry, report)
	})
	if err != nil {
		return provider.DownloadFailed(p.Type(), entry.Name, err)
	}
	return nil
}

func (p *Provider) fetch(ctx context.Context, entry provider.CatalogEntry, report provider.ProgressFunc) error {
	p.installMu.Lock()
	defer p.installMu.Unlock()

	if p.layout.installed(entry.Name) {
		provider.Completed(report, sizeOf(p.layout.dir(entry.Name)), "already downloaded")
		return nil
	}

	listing, err := p.hub.ListFiles(ctx, entry.Repo)
	if err != nil {
		return err
	}
	var files []hub.File
	var total int64
	for _, f := range listing {
		if wanted(f) {
			files = append(files, f)
			total += f.Size
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s has no model files", hub.ErrNotFound, entry.Repo)
	}

	started := time.Now()
	reporter := provider.NewReporter(report, total, "downloading "+entry.Name)
	reporter.Start()
	var done int64
	open := func(ctx context.Context, file string) (*hub.Download, error) {
		return p.hub.Open(ctx, entry.Repo, file)
	}
	err = p.layout.install(ctx, entry.Name, entry.Repo, files, open, func(delta int64) {
		done += delta
		reporter.Update(done)
	})
	if err != nil {
		return err
	}
	reporter.Finish()

	p.logger.WithFields(logging.ModelFields("model_download", string(p.Type()), entry.Name)).
		WithField("files", len(files)).
		WithField("size_bytes", total).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("model downloaded")
	return nil
}

func (p *Provider) LoadModelIntoMemory(ctx context.Context, name string) error {
	if err := p.Available(); err != nil {
		return err
	}
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return provider.NotFound(p.Type(), name)
	}
	dir := p.layout.dir(entry.Name)
	if err := checkLayout(dir); err != nil {
		if p.layoutExists(entry.Name) {
			return provider.UnsupportedFormat(p.Type(), entry.Name, err)
		}
		return provider.NotFound(p.Type(), entry.Name)
	}
	if p.verifyOnLoad {
		if err := p.layout.verify(ctx, entry.Name); err != nil {
			p.installMu.Lock()
			removeErr := p.layout.remove(entry.Name)
			p.installMu.Unlock()
			if removeErr != nil {
				p.logger.WithError(removeErr).WithFields(logging.ModelFields("model_load", string(p.Type()), entry.Name)).Warn("remove corrupt model failed")
			}
			return provider.LoadFailed(p.Type(), entry.Name, err)
		}
	}

	started := time.Now()
	err := p.slot.Load(ctx, entry.Name, func(ctx context.Context) (engine.Session, error) {
		return p.runtime.Load(ctx, dir)
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

func (p *Provider) layoutExists(name string) bool {
	return sizeOf(p.layout.dir(name)) > 0
}

func (p *Provider) IsModelLoadedInMemory(name string) bool {
	if p.Available() != nil {
		return false
	}
	entry, ok := p.catalog.Resolve(name)
	return ok && p.slot.IsResident(entry.Name)
}

func (p *Provider) IsModelDownloaded(name string) bool {
	if p.Available() != nil {
		return false
	}
	entry, ok := p.catalog.Resolve(name)
	return ok && p.layout.installed(entry.Name)
}

func (p *Provider) LoadedModel() (string, bool) {
	if p.Available() != nil {
		return "", false
	}
	return p.slot.Resident()
}

func (p *Provider) Transcribe(ctx context.Context, audioPath, modelName string, opts provider.TranscriptionOptions, progress provider.ProgressFunc) (string, error) {
	if err := p.Available(); err != nil {
		return "", err
	}
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

func (p *Provider) DeleteModel(ctx context.Context, name string) error {
	if err := p.Available(); err != nil {
		return err
	}
	entry, ok := p.catalog.Resolve(name)
	if !ok {
		return provider.NotFound(p.Type(), name)
	}
	if !p.layoutExists(entry.Name) {
		return provider.NotFound(p.Type(), entry.Name)
	}

	if _, err := p.slot.Unload(entry.Name); err != nil {
		p.logger.WithError(err).WithFields(logging.ModelFields("model_delete", string(p.Type()), entry.Name)).Warn("unload failed")
	}
	p.installMu.Lock()
	err := p.layout.remove(entry.Name)
	p.installMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete %s: %w", entry.Name, err)
	}
	p.logger.WithFields(logging.ModelFields("model_delete", string(p.Type()), entry.Name)).Info("model deleted")
	return nil
}

func (p *Provider) AvailableModels(ctx context.Context) ([]provider.ModelInfo, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	return p.catalog.Describe(p.Type(), p.detect(), func(e provider.CatalogEntry) bool {
		return p.layout.installed(e.Name)
	}), nil
}

func (p *Provider) RecommendedModel(ctx context.Context) (string, error) {
	if err := p.Available(); err != nil {
		return "", err
	}
	return p.catalog.Recommended(p.detect()).Name, nil
}

var _ provider.TranscriptionProvider = (*Provider)(nil)
