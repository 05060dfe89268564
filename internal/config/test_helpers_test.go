package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixturePath 返回 testdata 下的样例路径，样例缺失时直接失败，避免误判为"加载失败"。
func fixturePath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("样例 %s 不可用: %v", name, err)
	}
	return path
}

// providerBlock 生成一个 [[Provider]] 段，fields 为原样写入的 key = value 行。
func providerBlock(providerType string, fields ...string) string {
	lines := append([]string{"[[Provider]]", `Type = "` + providerType + `"`}, fields...)
	return strings.Join(lines, "\n")
}

// writeConfig 把各段以空行拼接后写入临时 config.toml。
func writeConfig(t *testing.T, sections ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.Join(sections, "\n\n")), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
