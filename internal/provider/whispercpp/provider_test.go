package whispercpp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/voxhub/voxhub/internal/cache"
	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/engine"
	"github.com/voxhub/voxhub/internal/hub"
	"github.com/voxhub/voxhub/internal/provider"
	"github.com/voxhub/voxhub/internal/provider/providertest"
)

const gib = uint64(1) << 30

type fakeHub struct {
	files map[string][]byte
	// badChecksum 使 ListFiles 返回错误的 sha256。
	badChecksum bool
	gate        chan struct{}

	lists atomic.Int32
	opens atomic.Int32
}

func newFakeHub(names ...string) *fakeHub {
	h := &fakeHub{files: make(map[string][]byte)}
	for _, n := range names {
		h.files[FileName(n)] = modelPayload(n)
	}
	return h
}

func modelPayload(name string) []byte {
	return append([]byte("lmgg"), []byte("-weights-"+name)...)
}

func (h *fakeHub) ListFiles(ctx context.Context, repo string) ([]hub.File, error) {
	h.lists.Add(1)
	if repo != Repo {
		return nil, hub.ErrNotFound
	}
	var files []hub.File
	for path, data := range h.files {
		sum := sha256.Sum256(data)
		checksum := hex.EncodeToString(sum[:])
		if h.badChecksum {
			checksum = strings.Repeat("0", 64)
		}
		files = append(files, hub.File{Path: path, Size: int64(len(data)), SHA256: checksum})
	}
	return files, nil
}

func (h *fakeHub) Open(ctx context.Context, repo, file string) (*hub.Download, error) {
	h.opens.Add(1)
	if h.gate != nil {
		<-h.gate
	}
	data, ok := h.files[file]
	if !ok {
		return nil, hub.ErrNotFound
	}
	return &hub.Download{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data)), URL: "https://hub.test/" + repo + "/resolve/main/" + file}, nil
}

type fixture struct {
	provider *Provider
	cache    *cache.Manager
	hub      *fakeHub
	dir      string
}

func newFixture(t *testing.T, cfg cache.Configuration, verify bool, names ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	mgr, err := cache.NewManager(dir, cfg)
	if err != nil {
		t.Fatalf("cache manager: %v", err)
	}
	h := newFakeHub(names...)
	p, err := New(Options{
		Cache:        mgr,
		Hub:          h,
		Runtime:      engine.NewStub("whisper-stub"),
		Detector:     capabilities.Fixed(capabilities.Snapshot(false, 8*gib, 16*gib, "", 0)),
		VerifyOnLoad: verify,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return &fixture{provider: p, cache: mgr, hub: h, dir: dir}
}

func (f *fixture) download(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := f.provider.DownloadModel(context.Background(), n, nil); err != nil {
			t.Fatalf("download %s: %v", n, err)
		}
	}
}

func TestDownloadReportsProgressAndIsIdempotent(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base")
	ctx := context.Background()

	var first providertest.Recorder
	if err := f.provider.DownloadModel(ctx, "base", first.Record); err != nil {
		t.Fatalf("download: %v", err)
	}
	first.CheckMonotonic(t)
	if updates := first.Updates(); updates[0].Completed != 0 || updates[0].Total != int64(len(modelPayload("base"))) {
		t.Fatalf("progress must start at 0/N: %+v", updates[0])
	}
	if !f.provider.IsModelDownloaded("base") || !f.provider.IsModelDownloaded("ggml-base.bin") {
		t.Fatalf("model should be downloaded under name and alias")
	}
	entry, ok := f.cache.Peek("base")
	if !ok || !strings.Contains(entry.SourceURL, "ggml-base.bin") {
		t.Fatalf("cache entry missing source url: %+v", entry)
	}

	var second providertest.Recorder
	if err := f.provider.DownloadModel(ctx, "whisper-base", second.Record); err != nil {
		t.Fatalf("second download: %v", err)
	}
	updates := second.Updates()
	if len(updates) != 1 || !updates[0].Finished || updates[0].Completed != updates[0].Total {
		t.Fatalf("second download should report a single terminal update: %+v", updates)
	}
	if f.hub.opens.Load() != 1 {
		t.Fatalf("expected a single transfer, got %d", f.hub.opens.Load())
	}
}

func TestDownloadUnknownModel(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true)
	err := f.provider.DownloadModel(context.Background(), "huge-v9", nil)
	if !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestDownloadFailures(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true)
	err := f.provider.DownloadModel(context.Background(), "base", nil)
	if !errors.Is(err, provider.ErrModelDownloadFailed) || !errors.Is(err, hub.ErrNotFound) {
		t.Fatalf("missing remote file should fail with cause, got %v", err)
	}

	f = newFixture(t, cache.DefaultConfiguration(), true, "base")
	f.hub.badChecksum = true
	err = f.provider.DownloadModel(context.Background(), "base", nil)
	if !errors.Is(err, provider.ErrModelDownloadFailed) || !errors.Is(err, cache.ErrValidationFailed) {
		t.Fatalf("checksum mismatch should fail with cause, got %v", err)
	}
	if f.provider.IsModelDownloaded("base") {
		t.Fatalf("failed download must not be committed")
	}
}

func TestConcurrentDownloadsShareOneTransfer(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "small")
	f.hub.gate = make(chan struct{})

	const callers = 4
	recorders := make([]providertest.Recorder, callers)
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.provider.DownloadModel(context.Background(), "small", recorders[i].Record)
		}(i)
	}
	for f.hub.opens.Load() == 0 {
		runtimeYield()
	}
	close(f.hub.gate)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		updates := recorders[i].Updates()
		if len(updates) == 0 || !updates[len(updates)-1].Finished {
			t.Fatalf("caller %d missing terminal update: %+v", i, updates)
		}
	}
	if f.hub.opens.Load() != 1 {
		t.Fatalf("expected one transfer, got %d", f.hub.opens.Load())
	}
}

func TestLoadReplacesResidentModel(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base", "small")
	f.download(t, "base", "small")
	ctx := context.Background()

	if err := f.provider.LoadModelIntoMemory(ctx, "base"); err != nil {
		t.Fatalf("load base: %v", err)
	}
	if err := f.provider.LoadModelIntoMemory(ctx, "small"); err != nil {
		t.Fatalf("load small: %v", err)
	}
	if f.provider.IsModelLoadedInMemory("base") {
		t.Fatalf("base should have been unloaded")
	}
	if !f.provider.IsModelLoadedInMemory("small") {
		t.Fatalf("small should be resident")
	}
	if name, ok := f.provider.LoadedModel(); !ok || name != "small" {
		t.Fatalf("unexpected loaded model %q", name)
	}
}

func TestTranscribeRequiresResidentModel(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base", "small")
	f.download(t, "base", "small")
	ctx := context.Background()
	audio := providertest.WriteWAV(t, f.dir, "speech.wav")

	_, err := f.provider.Transcribe(ctx, audio, "base", provider.TranscriptionOptions{}, nil)
	if !errors.Is(err, provider.ErrModelLoadFailed) {
		t.Fatalf("no model loaded should fail with ModelLoadFailed, got %v", err)
	}

	if err := f.provider.LoadModelIntoMemory(ctx, "small"); err != nil {
		t.Fatalf("load small: %v", err)
	}
	_, err = f.provider.Transcribe(ctx, audio, "base", provider.TranscriptionOptions{}, nil)
	if !errors.Is(err, provider.ErrModelLoadFailed) {
		t.Fatalf("wrong model loaded should fail with ModelLoadFailed, got %v", err)
	}

	var rec providertest.Recorder
	text, err := f.provider.Transcribe(ctx, audio, "small", provider.TranscriptionOptions{Language: "en"}, rec.Record)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(text, "speech.wav") || !strings.Contains(text, "lang=en") {
		t.Fatalf("unexpected transcript %q", text)
	}
	rec.CheckMonotonic(t)
}

func TestTranscribeInvalidAudio(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base")
	f.download(t, "base")
	ctx := context.Background()
	f.provider.LoadModelIntoMemory(ctx, "base")

	notAudio := filepath.Join(f.dir, "notes.txt")
	os.WriteFile(notAudio, []byte("plain text"), 0o644)
	_, err := f.provider.Transcribe(ctx, notAudio, "base", provider.TranscriptionOptions{}, nil)
	if !errors.Is(err, provider.ErrTranscriptionFailed) || !errors.Is(err, engine.ErrUnsupportedAudio) {
		t.Fatalf("expected TranscriptionFailed wrapping ErrUnsupportedAudio, got %v", err)
	}
}

func TestDeleteModel(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base")
	ctx := context.Background()

	err := f.provider.DeleteModel(ctx, "never-downloaded")
	if !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if err := f.cache.Remove(ctx, "never-downloaded"); err != nil {
		t.Fatalf("cache-level remove must be a no-op: %v", err)
	}
	if err := f.provider.DeleteModel(ctx, "base"); !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("catalog model that was never downloaded must fail, got %v", err)
	}

	f.download(t, "base")
	if err := f.provider.LoadModelIntoMemory(ctx, "base"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f.provider.DeleteModel(ctx, "base"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.provider.IsModelDownloaded("base") || f.provider.IsModelLoadedInMemory("base") {
		t.Fatalf("deleted model should be neither downloaded nor resident")
	}
}

func TestLoadMissingModel(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base")
	if err := f.provider.LoadModelIntoMemory(context.Background(), "base"); !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if err := f.provider.LoadModelIntoMemory(context.Background(), "unknown"); !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestLoadCorruptArtifact(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "base")
	f.download(t, "base")
	entry, _ := f.cache.Peek("base")
	os.WriteFile(entry.FilePath, []byte("lmgg-tampered"), 0o644)

	err := f.provider.LoadModelIntoMemory(context.Background(), "base")
	if !errors.Is(err, provider.ErrModelLoadFailed) || !errors.Is(err, cache.ErrValidationFailed) {
		t.Fatalf("expected load failure wrapping validation, got %v", err)
	}
	if f.provider.IsModelDownloaded("base") {
		t.Fatalf("corrupt artifact should be removed")
	}
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), false, "base")
	f.hub.files[FileName("base")] = []byte("PK\x03\x04 not ggml")
	f.download(t, "base")

	err := f.provider.LoadModelIntoMemory(context.Background(), "base")
	if !errors.Is(err, provider.ErrUnsupportedModelFormat) || !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrUnsupportedModelFormat, got %v", err)
	}
}

func TestDownloadEnforcesLimitsButPinsResident(t *testing.T) {
	size := int64(len(modelPayload("base")))
	cfg := cache.Configuration{MaxCacheSizeBytes: size + 2, MaxAge: cache.DefaultMaxAge}
	f := newFixture(t, cfg, true, "base", "small", "tiny")
	ctx := context.Background()

	f.download(t, "base")
	if err := f.provider.LoadModelIntoMemory(ctx, "base"); err != nil {
		t.Fatalf("load: %v", err)
	}
	f.download(t, "small")
	if !f.provider.IsModelDownloaded("base") || !f.provider.IsModelDownloaded("small") {
		t.Fatalf("resident and fresh models must be pinned")
	}

	f.download(t, "tiny")
	if f.provider.IsModelDownloaded("small") {
		t.Fatalf("small should be evicted")
	}
	if !f.provider.IsModelDownloaded("base") || !f.provider.IsModelDownloaded("tiny") {
		t.Fatalf("resident and fresh models must survive eviction")
	}
}

func TestAvailableModels(t *testing.T) {
	f := newFixture(t, cache.DefaultConfiguration(), true, "tiny")
	f.download(t, "tiny")
	ctx := context.Background()

	infos, err := f.provider.AvailableModels(ctx)
	if err != nil {
		t.Fatalf("available models: %v", err)
	}
	recommended, err := f.provider.RecommendedModel(ctx)
	if err != nil {
		t.Fatalf("recommended: %v", err)
	}
	if recommended != "small" {
		t.Fatalf("ordinary device should get the balanced model, got %s", recommended)
	}

	var found bool
	for _, info := range infos {
		if info.InternalName == recommended {
			found = info.IsRecommended
		}
		if info.IsDownloaded != (info.InternalName == "tiny") {
			t.Fatalf("downloaded flag wrong on %+v", info)
		}
		if info.ProviderType != provider.TypeWhisperCpp {
			t.Fatalf("unexpected provider type on %+v", info)
		}
	}
	if !found {
		t.Fatalf("recommended model must appear in the listing")
	}
}

func TestCatalogCoversRoutedSizes(t *testing.T) {
	catalog := newCatalog()
	router, err := provider.NewRouter(provider.NewRegistry())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	for _, size := range provider.WhisperSizes {
		typ, err := router.ProviderTypeFor(size)
		if err != nil || typ != provider.TypeWhisperCpp {
			t.Fatalf("%s should route to whispercpp, got %s err=%v", size, typ, err)
		}
		entry, ok := catalog.Resolve(size)
		if !ok {
			t.Fatalf("%s is routed to whispercpp but missing from its catalog", size)
		}
		if entry.Files[0] != FileName(size) {
			t.Fatalf("%s resolves to the wrong file %s", size, entry.Files[0])
		}
	}

	generous := capabilities.Snapshot(true, 32*gib, 64*gib, "", 0)
	if rec := catalog.Recommended(generous); rec.Name != "large-v3-turbo" {
		t.Fatalf("large hosts should still get turbo, got %s", rec.Name)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
