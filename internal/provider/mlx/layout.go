package mlx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxhub/voxhub/internal/cache"
	"github.com/voxhub/voxhub/internal/hub"
)

const (
	configFile   = "config.json"
	npzWeights   = "weights.npz"
	manifestFile = ".manifest.yaml"
	partialPref  = ".partial-"
)

// ErrIncompleteLayout 表示目录缺少 config.json 或权重文件。
var ErrIncompleteLayout = errors.New("incomplete mlx model layout")

// manifest 记录一次安装的来源与文件校验和，加载校验时使用。
type manifest struct {
	Model       string            `yaml:"model"`
	Repo        string            `yaml:"repo"`
	InstalledAt time.Time         `yaml:"installed_at"`
	Files       map[string]string `yaml:"files"`
}

// layout 管理 <root>/<ArtifactKey>/ 目录形式的模型。
type layout struct {
	root string
}

func newLayout(root string) (*layout, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mlx root: %w", err)
	}
	return &layout{root: root}, nil
}

func (l *layout) dir(name string) string {
	return filepath.Join(l.root, cache.ArtifactKey(name))
}

func (l *layout) installed(name string) bool {
	return checkLayout(l.dir(name)) == nil
}

func (l *layout) remove(name string) error {
	return os.RemoveAll(l.dir(name))
}

// cleanPartial 删除中断安装留下的临时目录。
func (l *layout) cleanPartial() ([]string, error) {
	items, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, item := range items {
		if item.IsDir() && strings.HasPrefix(item.Name(), partialPref) {
			p := filepath.Join(l.root, item.Name())
			if err := os.RemoveAll(p); err != nil {
				return removed, err
			}
			removed = append(removed, p)
		}
	}
	return removed, nil
}

// checkLayout 要求存在 config.json 以及 weights.npz 或任意 *.safetensors。
func checkLayout(dir string) error {
	if info, err := os.Stat(filepath.Join(dir, configFile)); err != nil || info.IsDir() {
		return fmt.Errorf("%w: missing %s", ErrIncompleteLayout, configFile)
	}
	if info, err := os.Stat(filepath.Join(dir, npzWeights)); err == nil && !info.IsDir() {
		return nil
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if len(matches) > 0 {
		return nil
	}
	return fmt.Errorf("%w: missing weights", ErrIncompleteLayout)
}

// wanted 过滤需要下载的仓库文件，跳过文档与仓库元数据。
func wanted(f hub.File) bool {
	base := path.Base(f.Path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(path.Ext(base)) {
	case ".md", ".png", ".jpg", ".jpeg", ".gif":
		return false
	}
	return true
}

// install 把文件下载到暂存目录，校验后通过 rename 一次性提交。
func (l *layout) install(ctx context.Context, name, repo string, files []hub.File, open func(ctx context.Context, file string) (*hub.Download, error), onBytes func(delta int64)) error {
	staging, err := os.MkdirTemp(l.root, partialPref+cache.ArtifactKey(name)+"-*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	m := manifest{Model: name, Repo: repo, InstalledAt: time.Now().UTC(), Files: make(map[string]string)}
	for _, f := range files {
		sum, err := fetchFile(ctx, staging, f, open, onBytes)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		m.Files[f.Path] = sum
	}
	if err := checkLayout(staging); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), data, 0o644); err != nil {
		return err
	}

	final := l.dir(name)
	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		return err
	}
	committed = true
	return nil
}

func fetchFile(ctx context.Context, staging string, f hub.File, open func(ctx context.Context, file string) (*hub.Download, error), onBytes func(delta int64)) (string, error) {
	target := filepath.Join(staging, filepath.FromSlash(path.Clean("/" + f.Path)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	dl, err := open(ctx, f.Path)
	if err != nil {
		return "", err
	}
	defer dl.Body.Close()

	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	hasher := sha256.New()
	var last int64
	body := hub.NewProgressReader(dl.Body, f.Size, func(read, _ int64) {
		if onBytes != nil {
			onBytes(read - last)
		}
		last = read
	})
	// 响应体的读取受 open 时传入的 ctx 约束。
	_, err = io.Copy(io.MultiWriter(out, hasher), body)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if want := cache.NormalizeChecksum(f.SHA256); want != "" && want != sum {
		return "", fmt.Errorf("%w: expected %s, got %s", cache.ErrValidationFailed, want, sum)
	}
	return sum, nil
}

// verify 按 manifest 重新计算各文件的 sha256。没有 manifest 的目录只检查结构。
func (l *layout) verify(ctx context.Context, name string) error {
	dir := l.dir(name)
	if err := checkLayout(dir); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: manifest: %v", cache.ErrValidationFailed, err)
	}

	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, err := hashFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", cache.ErrValidationFailed, p, err)
		}
		if sum != m.Files[p] {
			return fmt.Errorf("%w: %s checksum mismatch", cache.ErrValidationFailed, p)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sizeOf 汇总目录下的文件大小。
func sizeOf(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Installed 描述一个已安装的 MLX 模型目录。
type Installed struct {
	Model       string    `json:"model"`
	Repo        string    `json:"repo"`
	Dir         string    `json:"dir"`
	SizeBytes   int64     `json:"size_bytes"`
	InstalledAt time.Time `json:"installed_at"`
}

// ListInstalled 读取 storagePath/mlx 下带 manifest 的模型目录，按模型名排序。
// 暂存目录与缺少 manifest 的目录会被跳过。
func ListInstalled(storagePath string) ([]Installed, error) {
	root := filepath.Join(storagePath, DirName)
	items, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result []Installed
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, item.Name())
		data, err := os.ReadFile(filepath.Join(dir, manifestFile))
		if err != nil {
			continue
		}
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil || m.Model == "" {
			continue
		}
		result = append(result, Installed{
			Model:       m.Model,
			Repo:        m.Repo,
			Dir:         dir,
			SizeBytes:   sizeOf(dir),
			InstalledAt: m.InstalledAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Model < result[j].Model })
	return result, nil
}
