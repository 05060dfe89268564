package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SchemaVersion 是索引与条目的结构版本，不一致时索引会被丢弃重建。
const SchemaVersion = 1

const (
	artifactsDirName = "artifacts"
	indexFileName    = "index.yaml"
	artifactExt      = ".bin"
	tempPrefix       = ".tmp-"
	maxSlugLength    = 64
)

// Entry 描述一个已缓存的模型产物。
type Entry struct {
	ModelName      string    `yaml:"model_name" json:"model_name"`
	SourceURL      string    `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Checksum       string    `yaml:"checksum" json:"checksum"`
	CachedAt       time.Time `yaml:"cached_at" json:"cached_at"`
	LastAccessedAt time.Time `yaml:"last_accessed_at" json:"last_accessed_at"`
	SizeBytes      int64     `yaml:"size_bytes" json:"size_bytes"`
	SchemaVersion  int       `yaml:"schema_version" json:"schema_version"`
	IsCompressed   bool      `yaml:"is_compressed" json:"is_compressed"`
	FileName       string    `yaml:"file_name" json:"file_name"`

	// FilePath 为产物绝对路径，仅在返回给调用方时填充。
	FilePath string `yaml:"-" json:"file_path,omitempty"`
}

// StoreOptions 控制写入过程中的可选属性。
type StoreOptions struct {
	SourceURL string
}

// ArtifactKey 将模型名映射为稳定的文件系统名称：<slug>-<sha256 前 8 位>。
// slug 只保留 [a-z0-9._-]，保证不同平台上都是合法文件名；哈希后缀避免大小写或替换字符造成冲突。
func ArtifactKey(modelName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(modelName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	slug := strings.Trim(b.String(), "._")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	if slug == "" {
		slug = "model"
	}
	sum := sha256.Sum256([]byte(modelName))
	return slug + "-" + hex.EncodeToString(sum[:4])
}

// ArtifactFileName 返回模型产物在 artifacts 目录下的文件名。
func ArtifactFileName(modelName string) string {
	return ArtifactKey(modelName) + artifactExt
}

// NormalizeChecksum 去除可选的 "sha256:" 前缀并转为小写。
func NormalizeChecksum(checksum string) string {
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	return strings.TrimPrefix(checksum, "sha256:")
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}
