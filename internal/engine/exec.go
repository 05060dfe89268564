package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voxhub/voxhub/internal/logging"
)

// Dialect 决定命令行参数与输出的约定。
type Dialect string

const (
	// DialectWhisperCLI 对应 whisper.cpp 的 whisper-cli，文本输出到 stdout，进度输出到 stderr。
	DialectWhisperCLI Dialect = "whisper-cli"
	// DialectMLXWhisper 对应 mlx-whisper 的命令行，文本写入输出目录中的 .txt。
	DialectMLXWhisper Dialect = "mlx_whisper"
)

// ExecConfig 描述外部转写命令。
type ExecConfig struct {
	Binary  string
	Args    []string
	Threads int
	Dialect Dialect
}

// ExecRuntime 通过外部进程执行转写。加载只校验前置条件，每次转写启动一个进程。
type ExecRuntime struct {
	cfg      ExecConfig
	logger   *logrus.Logger
	lookPath func(string) (string, error)
}

// NewExec 构建外部进程运行时。
func NewExec(cfg ExecConfig, logger *logrus.Logger) *ExecRuntime {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectWhisperCLI
	}
	return &ExecRuntime{
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
		lookPath: exec.LookPath,
	}
}

// Name 返回可执行文件名。
func (r *ExecRuntime) Name() string {
	return r.cfg.Binary
}

// Available 检查可执行文件是否在 PATH 中。
func (r *ExecRuntime) Available() error {
	if strings.TrimSpace(r.cfg.Binary) == "" {
		return fmt.Errorf("%w: binary not configured", ErrUnavailable)
	}
	if _, err := r.lookPath(r.cfg.Binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, r.cfg.Binary, err)
	}
	return nil
}

// Load 校验模型路径并返回会话。
func (r *ExecRuntime) Load(ctx context.Context, modelPath string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.Available(); err != nil {
		return nil, err
	}
	bin, _ := r.lookPath(r.cfg.Binary)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	}
	return &execSession{runtime: r, binary: bin, modelPath: modelPath}, nil
}

type execSession struct {
	runtime   *ExecRuntime
	binary    string
	modelPath string

	mu     sync.Mutex
	closed bool
}

func (s *execSession) ModelPath() string {
	return s.modelPath
}

func (s *execSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *execSession) Transcribe(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}
	if _, err := InspectAudio(req.AudioPath); err != nil {
		return "", err
	}

	var outDir string
	if s.runtime.cfg.Dialect == DialectMLXWhisper {
		dir, err := os.MkdirTemp("", "voxhub-mlx-*")
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(dir)
		outDir = dir
	}

	args := buildArgs(s.runtime.cfg, s.modelPath, outDir, req)
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	started := time.Now()
	notify(progress, 0)
	if err := cmd.Start(); err != nil {
		return "", err
	}
	tail := scanProgress(stderr, progress)
	waitErr := cmd.Wait()

	fields := logrus.Fields{
		"action":     "engine_exec",
		"binary":     filepath.Base(s.binary),
		"model_path": s.modelPath,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		s.runtime.logger.WithError(waitErr).WithFields(fields).Warn("transcription process failed")
		if tail != "" {
			return "", fmt.Errorf("%s: %w: %s", filepath.Base(s.binary), waitErr, tail)
		}
		return "", fmt.Errorf("%s: %w", filepath.Base(s.binary), waitErr)
	}

	text := stdout.String()
	if outDir != "" {
		text, err = readTranscript(outDir, req.AudioPath)
		if err != nil {
			return "", err
		}
	}
	s.runtime.logger.WithFields(fields).Debug("transcription process finished")
	notify(progress, 1)
	return normalizeTranscript(text), nil
}

func buildArgs(cfg ExecConfig, modelPath, outDir string, req Request) []string {
	threads := req.Threads
	if threads <= 0 {
		threads = cfg.Threads
	}

	var args []string
	switch cfg.Dialect {
	case DialectMLXWhisper:
		args = append(args, req.AudioPath,
			"--model", modelPath,
			"--output-format", "txt",
			"--output-dir", outDir,
			"--verbose", "False",
		)
		if req.Language != "" {
			args = append(args, "--language", req.Language)
		}
		if req.Translate {
			args = append(args, "--task", "translate")
		}
		if req.Prompt != "" {
			args = append(args, "--initial-prompt", req.Prompt)
		}
		if req.Temperature > 0 {
			args = append(args, "--temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64))
		}
	default:
		lang := req.Language
		if lang == "" {
			lang = "auto"
		}
		args = append(args, "-m", modelPath, "-f", req.AudioPath, "-nt", "-pp", "-l", lang)
		if threads > 0 {
			args = append(args, "-t", strconv.Itoa(threads))
		}
		if req.Translate {
			args = append(args, "-tr")
		}
		if req.Prompt != "" {
			args = append(args, "--prompt", req.Prompt)
		}
		if req.Temperature > 0 {
			args = append(args, "-tp", strconv.FormatFloat(req.Temperature, 'f', -1, 64))
		}
	}
	return append(args, cfg.Args...)
}

var progressPattern = regexp.MustCompile(`progress\s*=\s*(\d{1,3})\s*%`)

// scanProgress 读取 stderr，把进度行转换为回调，并返回最后几行输出用于错误信息。
func scanProgress(r io.Reader, progress ProgressFunc) string {
	const tailLines = 5
	var tail []string
	last := 0.0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressPattern.FindStringSubmatch(line); m != nil {
			pct, _ := strconv.Atoi(m[1])
			// 进程结束前不报告 100%，完成由调用方在成功后确认。
			if fraction := float64(pct) / 100; fraction > last && fraction < 1 {
				last = fraction
				notify(progress, fraction)
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	}
	return strings.Join(tail, "; ")
}

func readTranscript(dir, audioPath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	data, err := os.ReadFile(filepath.Join(dir, base+".txt"))
	if err == nil {
		return string(data), nil
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.txt"))
	if len(matches) == 1 {
		data, err = os.ReadFile(matches[0])
		return string(data), err
	}
	return "", errors.New("transcript output not found")
}

func normalizeTranscript(text string) string {
	lines := strings.Split(text, "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}
