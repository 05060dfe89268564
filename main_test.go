package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("VOXHUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	captureCLIOutput(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	output := captureCLIOutput(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(output.err.String(), "加载配置失败") {
		t.Fatalf("stderr 应包含失败原因，得到 %s", output.err.String())
	}
}

func TestRunCheckConfigProviderSections(t *testing.T) {
	global := fmt.Sprintf("StoragePath = %q\nProviderMode = \"stub\"", filepath.Join(t.TempDir(), "models"))

	captureCLIOutput(t)
	valid := writeServiceConfig(t, global,
		providerSection{Type: "whispercpp", Binary: "whisper-cli"},
		providerSection{Type: "mlx", Disabled: true},
	)
	if code := run(cliOptions{configPath: valid, checkOnly: true}); code != 0 {
		t.Fatalf("合法的 Provider 配置应通过检查，得到 %d", code)
	}

	output := captureCLIOutput(t)
	unknown := writeServiceConfig(t, global, providerSection{Type: "coreml"})
	if code := run(cliOptions{configPath: unknown, checkOnly: true}); code == 0 {
		t.Fatalf("未知 Provider 类型应返回非零退出码")
	}
	if !strings.Contains(output.err.String(), "coreml") {
		t.Fatalf("stderr 应指出无效的 Provider，得到 %s", output.err.String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	output := captureCLIOutput(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(output.out.String(), "voxhub") {
		t.Fatalf("version 输出应包含 voxhub 标识")
	}
}

func TestParseCLIFlagsDefaults(t *testing.T) {
	t.Setenv("VOXHUB_CONFIG", "")

	opts, err := parseCLIFlags([]string{"-check-config", "-version"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || !opts.checkOnly || !opts.showVersion {
		t.Fatalf("默认值不符合预期: %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"-unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}
