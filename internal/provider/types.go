package provider

import (
	"context"
	"strings"

	"github.com/voxhub/voxhub/internal/capabilities"
)

// Type 是 Provider 的类型标签。
type Type string

const (
	TypeWhisperCpp Type = "whispercpp"
	TypeMLX        Type = "mlx"
)

// ParseType 归一化类型字符串（去空白、小写）。
func ParseType(s string) Type {
	return Type(strings.ToLower(strings.TrimSpace(s)))
}

func (t Type) String() string {
	return string(t)
}

// ModelInfo 是 Provider 目录中的一项，所有字段相等才视为同一描述。
type ModelInfo struct {
	InternalName  string                 `json:"internal_name"`
	DisplayName   string                 `json:"display_name"`
	ProviderType  Type                   `json:"provider_type"`
	EstimatedSize int64                  `json:"estimated_size"`
	SizeClass     capabilities.SizeClass `json:"size_class"`
	IsRecommended bool                   `json:"is_recommended"`
	IsDownloaded  bool                   `json:"is_downloaded"`
}

// ID 返回 "<type>:<internalName>"。
func (m ModelInfo) ID() string {
	return string(m.ProviderType) + ":" + m.InternalName
}

// Equal 比较全部字段。
func (m ModelInfo) Equal(other ModelInfo) bool {
	return m == other
}

// TranscriptionProvider 端到端负责一类模型：下载、加载、转写与删除。
// 每个实例最多只有一个常驻模型。状态查询不返回错误。
type TranscriptionProvider interface {
	Type() Type
	DisplayName() string

	// DownloadModel 下载模型；已下载时立即完成并回调一次 100% 的终态进度。
	DownloadModel(ctx context.Context, name string, progress ProgressFunc) error
	// LoadModelIntoMemory 加载模型，若已有其他常驻模型则先将其完全卸载。
	LoadModelIntoMemory(ctx context.Context, name string) error
	IsModelLoadedInMemory(name string) bool
	IsModelDownloaded(name string) bool
	// LoadedModel 返回当前常驻模型的内部名称。
	LoadedModel() (string, bool)

	// Transcribe 要求 modelName 就是当前常驻模型，否则返回 ModelLoadFailed。
	Transcribe(ctx context.Context, audioPath, modelName string, opts TranscriptionOptions, progress ProgressFunc) (string, error)
	// DeleteModel 删除模型产物并卸载；从未下载过的模型返回 ModelNotFound。
	DeleteModel(ctx context.Context, name string) error

	AvailableModels(ctx context.Context) ([]ModelInfo, error)
	RecommendedModel(ctx context.Context) (string, error)
}
