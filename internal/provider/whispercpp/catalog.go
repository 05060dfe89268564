package whispercpp

import (
	"fmt"

	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/provider"
)

// Repo 是 ggml 模型所在的 Hub 仓库。
const Repo = "ggerganov/whisper.cpp"

const mib = int64(1) << 20

type model struct {
	name  string
	label string
	size  int64
	class capabilities.SizeClass
}

// models 的顺序决定同档位内的推荐优先级，多语言模型排在 .en 之前，large 档优先 turbo。
var models = []model{
	{"tiny", "Tiny", 75 * mib, capabilities.SizeTiny},
	{"tiny.en", "Tiny (English)", 75 * mib, capabilities.SizeTiny},
	{"base", "Base", 142 * mib, capabilities.SizeBase},
	{"base.en", "Base (English)", 142 * mib, capabilities.SizeBase},
	{"small", "Small", 466 * mib, capabilities.SizeSmall},
	{"small.en", "Small (English)", 466 * mib, capabilities.SizeSmall},
	{"medium", "Medium", 1463 * mib, capabilities.SizeMedium},
	{"medium.en", "Medium (English)", 1463 * mib, capabilities.SizeMedium},
	{"large-v3-turbo", "Large v3 Turbo", 1549 * mib, capabilities.SizeLarge},
	{"large-v3", "Large v3", 2950 * mib, capabilities.SizeLarge},
	{"large-v2", "Large v2", 2950 * mib, capabilities.SizeLarge},
}

// FileName 返回模型在仓库中的文件名。
func FileName(name string) string {
	return fmt.Sprintf("ggml-%s.bin", name)
}

func newCatalog() *provider.Catalog {
	entries := make([]provider.CatalogEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, provider.CatalogEntry{
			Name:          m.name,
			DisplayName:   "Whisper " + m.label,
			Repo:          Repo,
			Files:         []string{FileName(m.name)},
			EstimatedSize: m.size,
			SizeClass:     m.class,
			Aliases:       []string{"whisper-" + m.name, "ggml-" + m.name, FileName(m.name)},
		})
	}
	return provider.NewCatalog(entries...)
}
