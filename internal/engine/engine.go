package engine

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable 表示运行时的前置条件（可执行文件、硬件）不满足。
	ErrUnavailable = errors.New("engine: runtime unavailable")
	// ErrUnsupportedAudio 表示音频文件无法识别或为空。
	ErrUnsupportedAudio = errors.New("engine: unsupported audio")
	// ErrSessionClosed 表示会话已被关闭。
	ErrSessionClosed = errors.New("engine: session closed")
)

// Request 描述一次转写。
type Request struct {
	AudioPath   string
	Language    string
	Prompt      string
	Temperature float64
	Threads     int
	Translate   bool
}

// ProgressFunc 接收 0..1 的完成比例，调用方保证单调。
type ProgressFunc func(fraction float64)

// Runtime 负责把模型产物加载为可执行转写的 Session。
type Runtime interface {
	Name() string
	// Available 检查运行时前置条件，不满足时返回包装 ErrUnavailable 的错误。
	Available() error
	Load(ctx context.Context, modelPath string) (Session, error)
}

// Session 是一个已加载的模型。Close 之后的 Transcribe 返回 ErrSessionClosed。
type Session interface {
	ModelPath() string
	Transcribe(ctx context.Context, req Request, progress ProgressFunc) (string, error)
	Close() error
}

// notify 在 fn 非空时回调，并把比例限制在 [0,1]。
func notify(fn ProgressFunc, fraction float64) {
	if fn == nil {
		return
	}
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	fn(fraction)
}
