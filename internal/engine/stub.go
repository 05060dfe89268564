package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StubRuntime 是不依赖外部进程的确定性运行时，用于离线与测试模式。
// 转写结果只由模型文件名与音频信息决定。
type StubRuntime struct {
	name  string
	steps int
	delay time.Duration
}

// StubOption 定制 StubRuntime。
type StubOption func(*StubRuntime)

// WithStubDelay 在每个进度步骤之间等待 d，便于测试并发行为。
func WithStubDelay(d time.Duration) StubOption {
	return func(r *StubRuntime) {
		r.delay = d
	}
}

// NewStub 构建 StubRuntime。
func NewStub(name string, opts ...StubOption) *StubRuntime {
	if name == "" {
		name = "stub"
	}
	r := &StubRuntime{name: name, steps: 4}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *StubRuntime) Name() string {
	return r.name
}

func (r *StubRuntime) Available() error {
	return nil
}

func (r *StubRuntime) Load(ctx context.Context, modelPath string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	}
	return &stubSession{runtime: r, modelPath: modelPath}, nil
}

type stubSession struct {
	runtime   *StubRuntime
	modelPath string

	mu     sync.Mutex
	closed bool
}

func (s *stubSession) ModelPath() string {
	return s.modelPath
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSession) Transcribe(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}

	info, err := InspectAudio(req.AudioPath)
	if err != nil {
		return "", err
	}

	notify(progress, 0)
	for i := 1; i <= s.runtime.steps; i++ {
		if s.runtime.delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.runtime.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		notify(progress, float64(i)/float64(s.runtime.steps))
	}

	lang := req.Language
	if lang == "" {
		lang = "auto"
	}
	parts := []string{
		fmt.Sprintf("[%s]", filepath.Base(s.modelPath)),
		filepath.Base(req.AudioPath),
		string(info.Format),
		"lang=" + lang,
	}
	if info.Duration > 0 {
		parts = append(parts, fmt.Sprintf("duration=%.2fs", info.Duration.Seconds()))
	}
	if req.Translate {
		parts = append(parts, "task=translate")
	}
	return strings.Join(parts, " "), nil
}
