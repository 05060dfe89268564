package provider

import (
	"strings"

	"github.com/voxhub/voxhub/internal/capabilities"
)

// CatalogEntry 描述 Provider 可下载的一个模型。
type CatalogEntry struct {
	Name          string
	DisplayName   string
	Repo          string
	Files         []string
	EstimatedSize int64
	SizeClass     capabilities.SizeClass
	Aliases       []string
}

// Catalog 是只读的模型目录，名称与别名大小写不敏感。
type Catalog struct {
	entries []CatalogEntry
	index   map[string]int
}

// NewCatalog 按给定顺序构建目录。顺序决定同一尺寸下的推荐优先级。
func NewCatalog(entries ...CatalogEntry) *Catalog {
	c := &Catalog{entries: entries, index: make(map[string]int)}
	for i, e := range entries {
		c.index[normalizeModelName(e.Name)] = i
		for _, alias := range e.Aliases {
			if _, exists := c.index[normalizeModelName(alias)]; !exists {
				c.index[normalizeModelName(alias)] = i
			}
		}
	}
	return c
}

// Resolve 根据名称或别名查找条目。
func (c *Catalog) Resolve(name string) (CatalogEntry, bool) {
	i, ok := c.index[normalizeModelName(name)]
	if !ok {
		return CatalogEntry{}, false
	}
	return c.entries[i], true
}

// Entries 返回目录条目副本。
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Recommended 返回适合 caps 的条目：优先推荐档位，其次不超过推荐档位的最大条目，最后退回首个条目。
func (c *Catalog) Recommended(caps capabilities.Capabilities) CatalogEntry {
	want := capabilities.RecommendSizeClass(caps)
	for _, e := range c.entries {
		if e.SizeClass == want {
			return e
		}
	}

	best := -1
	for i, e := range c.entries {
		if e.SizeClass.Rank() > want.Rank() {
			continue
		}
		if best < 0 || e.SizeClass.Rank() > c.entries[best].SizeClass.Rank() {
			best = i
		}
	}
	if best >= 0 {
		return c.entries[best]
	}
	return c.entries[0]
}

// Describe 生成 ModelInfo 列表，downloaded 用于标记已下载的条目。
func (c *Catalog) Describe(t Type, caps capabilities.Capabilities, downloaded func(CatalogEntry) bool) []ModelInfo {
	if len(c.entries) == 0 {
		return nil
	}
	recommended := c.Recommended(caps).Name
	infos := make([]ModelInfo, 0, len(c.entries))
	for _, e := range c.entries {
		infos = append(infos, ModelInfo{
			InternalName:  e.Name,
			DisplayName:   e.DisplayName,
			ProviderType:  t,
			EstimatedSize: e.EstimatedSize,
			SizeClass:     e.SizeClass,
			IsRecommended: e.Name == recommended,
			IsDownloaded:  downloaded != nil && downloaded(e),
		})
	}
	return infos
}

// HasFile 判断条目是否声明了名为 file 的文件。
func (e CatalogEntry) HasFile(file string) bool {
	for _, f := range e.Files {
		if strings.EqualFold(f, file) {
			return true
		}
	}
	return false
}
