package mlx

import (
	"strings"

	"github.com/voxhub/voxhub/internal/capabilities"
	"github.com/voxhub/voxhub/internal/provider"
)

const mib = int64(1) << 20

type model struct {
	size  string
	label string
	bytes int64
	class capabilities.SizeClass
	repo  string
}

var models = []model{
	{"tiny", "Tiny", 74 * mib, capabilities.SizeTiny, ""},
	{"base", "Base", 140 * mib, capabilities.SizeBase, ""},
	{"small", "Small", 460 * mib, capabilities.SizeSmall, ""},
	{"medium", "Medium", 1460 * mib, capabilities.SizeMedium, ""},
	{"large-v3-turbo", "Large v3 Turbo", 1540 * mib, capabilities.SizeLarge, "mlx-community/whisper-large-v3-turbo"},
}

// InternalName 返回尺寸对应的内部名称，例如 whisper-base-mlx。
func InternalName(size string) string {
	return "whisper-" + size + "-mlx"
}

func newCatalog() *provider.Catalog {
	entries := make([]provider.CatalogEntry, 0, len(models))
	for _, m := range models {
		name := InternalName(m.size)
		repo := m.repo
		if repo == "" {
			repo = "mlx-community/" + name
		}
		aliases := []string{"mlx-" + m.size, repo}
		if !strings.HasSuffix(repo, name) {
			aliases = append(aliases, "mlx-community/"+name)
		}
		entries = append(entries, provider.CatalogEntry{
			Name:          name,
			DisplayName:   "Whisper " + m.label + " (MLX)",
			Repo:          repo,
			EstimatedSize: m.bytes,
			SizeClass:     m.class,
			Aliases:       aliases,
		})
	}
	return provider.NewCatalog(entries...)
}
