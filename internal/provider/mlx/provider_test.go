package mlx

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
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
	repos map[string]map[string][]byte
	// served 覆盖 Open 返回的内容，用于模拟传输损坏。
	served map[string][]byte
	lfs    bool
	opens  atomic.Int32
}

func newFakeHub() *fakeHub {
	return &fakeHub{repos: make(map[string]map[string][]byte), served: make(map[string][]byte), lfs: true}
}

func (h *fakeHub) addModel(repo string, files map[string]string) {
	m := make(map[string][]byte)
	for name, body := range files {
		m[name] = []byte(body)
	}
	h.repos[repo] = m
}

func (h *fakeHub) ListFiles(ctx context.Context, repo string) ([]hub.File, error) {
	files, ok := h.repos[repo]
	if !ok {
		return nil, hub.ErrNotFound
	}
	var out []hub.File
	for path, data := range files {
		f := hub.File{Path: path, Size: int64(len(data))}
		if h.lfs {
			sum := sha256.Sum256(data)
			f.SHA256 = hex.EncodeToString(sum[:])
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (h *fakeHub) Open(ctx context.Context, repo, file string) (*hub.Download, error) {
	h.opens.Add(1)
	data, ok := h.repos[repo][file]
	if override, found := h.served[file]; found {
		data = override
	}
	if !ok {
		return nil, hub.ErrNotFound
	}
	return &hub.Download{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data))}, nil
}

var standardFiles = map[string]string{
	"config.json": `{"n_mels": 80}`,
	"weights.npz": "npz-weights",
	"README.md":   "# model card",
}

type fixture struct {
	provider *Provider
	hub      *fakeHub
	dir      string
}

func newFixture(t *testing.T, accelerated bool, runtime engine.Runtime) *fixture {
	t.Helper()
	dir := t.TempDir()
	h := newFakeHub()
	h.addModel("mlx-community/whisper-base-mlx", standardFiles)
	h.addModel("mlx-community/whisper-small-mlx", map[string]string{
		"config.json":       `{"n_mels": 80}`,
		"model.safetensors": "safetensors-weights",
	})
	h.addModel("mlx-community/whisper-tiny-mlx", map[string]string{
		"config.json": `{"n_mels": 80}`,
	})

	if runtime == nil {
		runtime = engine.NewStub("mlx-stub")
	}
	p, err := New(Options{
		StoragePath:  dir,
		Hub:          h,
		Runtime:      runtime,
		Detector:     capabilities.Fixed(capabilities.Snapshot(accelerated, 32*gib, 64*gib, "", 0)),
		VerifyOnLoad: true,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return &fixture{provider: p, hub: h, dir: dir}
}

func TestUnavailableWithoutAccelerator(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()

	checks := map[string]error{
		"download":   f.provider.DownloadModel(ctx, "whisper-base-mlx", nil),
		"load":       f.provider.LoadModelIntoMemory(ctx, "whisper-base-mlx"),
		"delete":     f.provider.DeleteModel(ctx, "whisper-base-mlx"),
		"transcribe": func() error { _, err := f.provider.Transcribe(ctx, "a.wav", "whisper-base-mlx", provider.TranscriptionOptions{}, nil); return err }(),
		"models":     func() error { _, err := f.provider.AvailableModels(ctx); return err }(),
		"recommend":  func() error { _, err := f.provider.RecommendedModel(ctx); return err }(),
	}
	for op, err := range checks {
		if !errors.Is(err, provider.ErrProviderNotAvailable) || !errors.Is(err, capabilities.ErrAcceleratorUnavailable) {
			t.Fatalf("%s: expected ProviderNotAvailable, got %v", op, err)
		}
	}
	if f.provider.IsModelDownloaded("whisper-base-mlx") || f.provider.IsModelLoadedInMemory("whisper-base-mlx") {
		t.Fatalf("status queries must report false")
	}
	if f.hub.opens.Load() != 0 {
		t.Fatalf("no partial work may be attempted")
	}
}

func TestUnavailableWithoutRuntime(t *testing.T) {
	missing := engine.NewExec(engine.ExecConfig{Binary: "voxhub-missing-mlx-whisper", Dialect: engine.DialectMLXWhisper}, nil)
	f := newFixture(t, true, missing)
	err := f.provider.DownloadModel(context.Background(), "whisper-base-mlx", nil)
	if !errors.Is(err, provider.ErrProviderNotAvailable) || !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("expected ProviderNotAvailable wrapping ErrUnavailable, got %v", err)
	}
}

func TestDownloadInstallsDirectory(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	var rec providertest.Recorder
	if err := f.provider.DownloadModel(ctx, "mlx-community/whisper-base-mlx", rec.Record); err != nil {
		t.Fatalf("download: %v", err)
	}
	rec.CheckMonotonic(t)
	updates := rec.Updates()
	wantTotal := int64(len(standardFiles["config.json"]) + len(standardFiles["weights.npz"]))
	if updates[len(updates)-1].Total != wantTotal {
		t.Fatalf("README should be skipped, total=%d", updates[len(updates)-1].Total)
	}

	dir := f.provider.layout.dir("whisper-base-mlx")
	if !strings.HasPrefix(filepath.Base(dir), "whisper-base-mlx-") {
		t.Fatalf("unexpected directory %s", dir)
	}
	for _, name := range []string{"config.json", "weights.npz", manifestFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); !os.IsNotExist(err) {
		t.Fatalf("README.md should not be downloaded")
	}
	partials, _ := filepath.Glob(filepath.Join(f.dir, DirName, partialPref+"*"))
	if len(partials) != 0 {
		t.Fatalf("staging directories leaked: %v", partials)
	}

	opens := f.hub.opens.Load()
	var again providertest.Recorder
	if err := f.provider.DownloadModel(ctx, "mlx-base", again.Record); err != nil {
		t.Fatalf("second download: %v", err)
	}
	if len(again.Updates()) != 1 || !again.Updates()[0].Finished {
		t.Fatalf("second download should complete immediately: %+v", again.Updates())
	}
	if f.hub.opens.Load() != opens {
		t.Fatalf("second download must not transfer again")
	}
}

func TestDownloadRejectsBadChecksumAndLayout(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	err := f.provider.DownloadModel(ctx, "whisper-tiny-mlx", nil)
	if !errors.Is(err, provider.ErrModelDownloadFailed) || !errors.Is(err, ErrIncompleteLayout) {
		t.Fatalf("layout without weights must fail, got %v", err)
	}

	if f.provider.IsModelDownloaded("whisper-tiny-mlx") {
		t.Fatalf("failed install must not be visible")
	}

	f.hub.served["weights.npz"] = []byte("tampered")
	err = f.provider.DownloadModel(ctx, "whisper-base-mlx", nil)
	if !errors.Is(err, provider.ErrModelDownloadFailed) || !errors.Is(err, cache.ErrValidationFailed) {
		t.Fatalf("checksum mismatch must fail, got %v", err)
	}
	if f.provider.IsModelDownloaded("whisper-base-mlx") {
		t.Fatalf("mismatched install must not be visible")
	}

	delete(f.hub.served, "weights.npz")
	f.hub.lfs = false
	if err := f.provider.DownloadModel(ctx, "whisper-small-mlx", nil); err != nil {
		t.Fatalf("download without lfs metadata: %v", err)
	}
	if !f.provider.IsModelDownloaded("whisper-small-mlx") {
		t.Fatalf("safetensors layout should be accepted")
	}
}

func TestLoadTranscribeDelete(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	for _, name := range []string{"whisper-base-mlx", "whisper-small-mlx"} {
		if err := f.provider.DownloadModel(ctx, name, nil); err != nil {
			t.Fatalf("download %s: %v", name, err)
		}
	}

	if err := f.provider.LoadModelIntoMemory(ctx, "whisper-base-mlx"); err != nil {
		t.Fatalf("load base: %v", err)
	}
	if err := f.provider.LoadModelIntoMemory(ctx, "whisper-small-mlx"); err != nil {
		t.Fatalf("load small: %v", err)
	}
	if f.provider.IsModelLoadedInMemory("whisper-base-mlx") || !f.provider.IsModelLoadedInMemory("whisper-small-mlx") {
		t.Fatalf("only small should be resident")
	}

	audio := providertest.WriteWAV(t, f.dir, "clip.wav")
	if _, err := f.provider.Transcribe(ctx, audio, "whisper-base-mlx", provider.TranscriptionOptions{}, nil); !errors.Is(err, provider.ErrModelLoadFailed) {
		t.Fatalf("expected ModelLoadFailed, got %v", err)
	}
	text, err := f.provider.Transcribe(ctx, audio, "whisper-small-mlx", provider.TranscriptionOptions{}, nil)
	if err != nil || !strings.Contains(text, "clip.wav") {
		t.Fatalf("transcribe: %q %v", text, err)
	}

	if err := f.provider.DeleteModel(ctx, "whisper-small-mlx"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.provider.IsModelLoadedInMemory("whisper-small-mlx") || f.provider.IsModelDownloaded("whisper-small-mlx") {
		t.Fatalf("deleted model must be gone")
	}
	if err := f.provider.DeleteModel(ctx, "whisper-small-mlx"); !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("second delete must fail with ModelNotFound, got %v", err)
	}
}

func TestLoadRejectsIncompleteOrCorruptLayout(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	if err := f.provider.LoadModelIntoMemory(ctx, "whisper-base-mlx"); !errors.Is(err, provider.ErrModelNotFound) {
		t.Fatalf("expected ModelNotFound, got %v", err)
	}

	if err := f.provider.DownloadModel(ctx, "whisper-base-mlx", nil); err != nil {
		t.Fatalf("download: %v", err)
	}
	dir := f.provider.layout.dir("whisper-base-mlx")
	os.Remove(filepath.Join(dir, "weights.npz"))
	err := f.provider.LoadModelIntoMemory(ctx, "whisper-base-mlx")
	if !errors.Is(err, provider.ErrUnsupportedModelFormat) {
		t.Fatalf("expected UnsupportedModelFormat, got %v", err)
	}

	os.WriteFile(filepath.Join(dir, "weights.npz"), []byte("bit-rot"), 0o644)
	err = f.provider.LoadModelIntoMemory(ctx, "whisper-base-mlx")
	if !errors.Is(err, provider.ErrModelLoadFailed) {
		t.Fatalf("expected ModelLoadFailed for checksum mismatch, got %v", err)
	}
	if f.provider.IsModelDownloaded("whisper-base-mlx") {
		t.Fatalf("corrupt model should be removed")
	}
}

func TestAvailableModelsRecommendsLargestOnGenerousHost(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	infos, err := f.provider.AvailableModels(ctx)
	if err != nil {
		t.Fatalf("available models: %v", err)
	}
	rec, _ := f.provider.RecommendedModel(ctx)
	if rec != "whisper-large-v3-turbo-mlx" {
		t.Fatalf("unexpected recommendation %s", rec)
	}
	var found bool
	for _, info := range infos {
		if info.InternalName == rec && info.IsRecommended {
			found = true
		}
	}
	if !found {
		t.Fatalf("recommended model must be listed")
	}
	if entry, ok := f.provider.catalog.Resolve("mlx-community/whisper-large-v3-turbo"); !ok || entry.Name != rec {
		t.Fatalf("turbo repo id should resolve to the catalog entry")
	}
}

func TestNewCleansPartialInstalls(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, DirName, partialPref+"whisper-base-mlx-123")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := New(Options{StoragePath: dir, Hub: newFakeHub(), Runtime: engine.NewStub("")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("partial install should be removed")
	}
}

func TestListInstalled(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	for _, name := range []string{"whisper-small-mlx", "whisper-base-mlx"} {
		if err := f.provider.DownloadModel(ctx, name, nil); err != nil {
			t.Fatalf("download %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(f.dir, DirName, partialPref+"leftover"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	installed, err := ListInstalled(f.dir)
	if err != nil {
		t.Fatalf("list installed: %v", err)
	}
	if len(installed) != 2 || installed[0].Model != "whisper-base-mlx" || installed[1].Model != "whisper-small-mlx" {
		t.Fatalf("unexpected listing: %+v", installed)
	}
	if installed[0].Repo != "mlx-community/whisper-base-mlx" || installed[0].SizeBytes == 0 {
		t.Fatalf("listing should carry repo and size: %+v", installed[0])
	}

	empty, err := ListInstalled(t.TempDir())
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing mlx dir should list nothing: %v %v", empty, err)
	}
}
