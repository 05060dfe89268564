package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// cliOutput 收集一次 run 调用写出的 stdout/stderr。
type cliOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

// captureCLIOutput 在测试期间把 stdOut/stdErr 换成内存缓冲，结束后恢复。
func captureCLIOutput(t *testing.T) cliOutput {
	t.Helper()
	captured := cliOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 返回 internal/config/testdata 下的配置样例，样例不存在时直接失败。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	path := filepath.Join(repoRoot, "internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例 %s 不可用: %v", name, err)
	}
	return path
}

// providerSection 对应配置文件中的一个 [[Provider]] 段。
type providerSection struct {
	Type     string
	Binary   string
	Disabled bool
}

func (p providerSection) String() string {
	var b strings.Builder
	b.WriteString("[[Provider]]\n")
	fmt.Fprintf(&b, "Type = %q\n", p.Type)
	if p.Binary != "" {
		fmt.Fprintf(&b, "Binary = %q\n", p.Binary)
	}
	if p.Disabled {
		b.WriteString("Disabled = true\n")
	}
	return b.String()
}

// writeServiceConfig 生成一份以 global 为全局段、附带 providers 的临时配置文件。
func writeServiceConfig(t *testing.T, global string, providers ...providerSection) string {
	t.Helper()
	sections := []string{strings.TrimSpace(global)}
	for _, p := range providers {
		sections = append(sections, p.String())
	}
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.Join(sections, "\n\n")), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
