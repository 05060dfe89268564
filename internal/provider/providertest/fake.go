// Package providertest provides in-memory TranscriptionProvider doubles and
// small fixtures for tests and for the "test" provider mode.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/provider"
)

const fakeModelSize = 4

// Fake 是完全在内存中运行的 Provider，遵守与真实实现相同的约定：
// 单常驻模型、幂等下载、删除未下载模型时报 ModelNotFound。
type Fake struct {
	kind    provider.Type
	display string
	catalog *provider.Catalog
	delay   time.Duration

	mu         sync.Mutex
	downloaded map[string]bool
	resident   string
	transfers  int

	coalescer *provider.Coalescer
}

// Option 定制 Fake。
type Option func(*Fake)

// WithDownloaded 预置已下载的模型。
func WithDownloaded(names ...string) Option {
	return func(f *Fake) {
		for _, n := range names {
			f.downloaded[n] = true
		}
	}
}

// WithDelay 让每个下载步骤等待 d，用于测试并发合并。
func WithDelay(d time.Duration) Option {
	return func(f *Fake) {
		f.delay = d
	}
}

// New 构建 Fake，models 为目录中的模型名，首个模型作为推荐模型。
func New(kind provider.Type, models []string, opts ...Option) *Fake {
	entries := make([]provider.CatalogEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, provider.CatalogEntry{
			Name:          m,
			DisplayName:   fmt.Sprintf("Fake %s", m),
			EstimatedSize: fakeModelSize,
			SizeClass:     capabilities.SizeTiny,
		})
	}
	f := &Fake{
		kind:       kind,
		display:    fmt.Sprintf("Fake (%s)", kind),
		catalog:    provider.NewCatalog(entries...),
		downloaded: make(map[string]bool),
		coalescer:  provider.NewCoalescer(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fake) Type() provider.Type {
	return f.kind
}

func (f *Fake) DisplayName() string {
	return f.display
}

// Transfers 返回实际执行的下载次数。
func (f *Fake) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

func (f *Fake) resolve(name string) (string, bool) {
	entry, ok := f.catalog.Resolve(name)
	return entry.Name, ok
}

func (f *Fake) DownloadModel(ctx context.Context, name string, progress provider.ProgressFunc) error {
	model, ok := f.resolve(name)
	if !ok {
		return provider.NotFound(f.kind, name)
	}
	if f.IsModelDownloaded(model) {
		provider.Completed(progress, fakeModelSize, "already downloaded")
		return nil
	}

	_, err := f.coalescer.Do(ctx, model, progress, func(ctx context.Context, report provider.ProgressFunc) error {
		if f.IsModelDownloaded(model) {
			return nil
		}
		reporter := provider.NewReporter(report, fakeModelSize, "downloading "+model)
		reporter.Start()
		for i := int64(1); i <= fakeModelSize; i++ {
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			reporter.Update(i)
		}
		f.mu.Lock()
		f.downloaded[model] = true
		f.transfers++
		f.mu.Unlock()
		reporter.Finish()
		return nil
	})
	if err != nil {
		return provider.DownloadFailed(f.kind, model, err)
	}
	return nil
}

func (f *Fake) LoadModelIntoMemory(ctx context.Context, name string) error {
	model, ok := f.resolve(name)
	if !ok {
		return provider.NotFound(f.kind, name)
	}
	if err := ctx.Err(); err != nil {
		return provider.LoadFailed(f.kind, model, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.downloaded[model] {
		return provider.NotFound(f.kind, model)
	}
	f.resident = model
	return nil
}

func (f *Fake) IsModelLoadedInMemory(name string) bool {
	model, ok := f.resolve(name)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resident == model
}

func (f *Fake) IsModelDownloaded(name string) bool {
	model, ok := f.resolve(name)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloaded[model]
}

func (f *Fake) LoadedModel() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resident, f.resident != ""
}

func (f *Fake) Transcribe(ctx context.Context, audioPath, modelName string, opts provider.TranscriptionOptions, progress provider.ProgressFunc) (string, error) {
	model, _ := f.resolve(modelName)

	f.mu.Lock()
	resident := f.resident
	f.mu.Unlock()
	if model == "" || resident != model {
		return "", provider.LoadFailed(f.kind, modelName, provider.ErrNotResident)
	}
	if err := opts.Validate(); err != nil {
		return "", provider.TranscriptionFailed(f.kind, model, err)
	}
	if audioPath == "" {
		return "", provider.TranscriptionFailed(f.kind, model, errors.New("audio path is required"))
	}
	if err := ctx.Err(); err != nil {
		return "", provider.TranscriptionFailed(f.kind, model, err)
	}

	reporter := provider.NewReporter(progress, 100, "transcribing")
	reporter.Start()
	reporter.Update(50)
	reporter.Finish()
	return fmt.Sprintf("fake transcript of %s by %s", filepath.Base(audioPath), model), nil
}

func (f *Fake) DeleteModel(ctx context.Context, name string) error {
	model, ok := f.resolve(name)
	if !ok {
		return provider.NotFound(f.kind, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.downloaded[model] {
		return provider.NotFound(f.kind, model)
	}
	if f.resident == model {
		f.resident = ""
	}
	delete(f.downloaded, model)
	return nil
}

func (f *Fake) AvailableModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return f.catalog.Describe(f.kind, capabilities.Capabilities{}, func(e provider.CatalogEntry) bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.downloaded[e.Name]
	}), nil
}

func (f *Fake) RecommendedModel(ctx context.Context) (string, error) {
	entries := f.catalog.Entries()
	if len(entries) == 0 {
		return "", provider.NotFound(f.kind, "")
	}
	return f.catalog.Recommended(capabilities.Capabilities{}).Name, nil
}

var _ provider.TranscriptionProvider = (*Fake)(nil)
