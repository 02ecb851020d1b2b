package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
addr: ":9999"
log_level: debug
pool:
  max_instances_per_language: 4
  idle_timeout: 90s
predictive:
  depth: 2
  ignore: ["**/vendor/**"]
servers:
  zig:
    command: [zls]
    extensions: [.zig]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Pool.MaxInstancesPerLanguage != 4 || cfg.Pool.IdleTimeout.D() != 90*time.Second {
		t.Fatalf("unexpected pool cfg: %+v", cfg.Pool)
	}
	// Unset keys keep their defaults.
	if !cfg.Pool.Enabled || cfg.Pool.CrashThreshold != 3 || cfg.Predictive.Concurrency != 8 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Pool, cfg.Predictive)
	}
	if cfg.Predictive.Depth != 2 || len(cfg.Predictive.Ignore) != 1 {
		t.Fatalf("unexpected predictive cfg: %+v", cfg.Predictive)
	}
	if s, ok := cfg.Servers["zig"]; !ok || s.Command[0] != "zls" {
		t.Fatalf("zig server missing: %+v", cfg.Servers)
	}
	if _, ok := cfg.Servers["go"]; !ok {
		t.Fatalf("default servers should remain")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","pool":{"enabled":false,"crash_cooldown":"1m"},"predictive":{"enabled":false}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.Pool.Enabled || cfg.Pool.CrashCooldown.D() != time.Minute {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if !cfg.PoolConfig().DisposeOnRelease {
		t.Fatalf("pool.enabled=false should dispose on release")
	}
	if cfg.PrefetchOptions() != nil {
		t.Fatalf("prefetch should be disabled")
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `
addr = ":8081"
log_format = "json"

[predictive]
lease_timeout = "250ms"
rate = 5.0

[servers.typescript]
command = ["tsserver-lsp", "--stdio"]
extensions = [".ts"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	opts := cfg.PrefetchOptions()
	if opts == nil || opts.LeaseTimeout != 250*time.Millisecond || opts.Rate != 5 {
		t.Fatalf("unexpected prefetch options: %+v", opts)
	}
	if got := cfg.LSPServers()["typescript"].Command[0]; got != "tsserver-lsp" {
		t.Fatalf("typescript command = %q", got)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	bad := map[string]string{
		"cfg.txt":  "not supported",
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "pool": }`,
		"bad.toml": "addr=:8080\npool\n",
		"dur.yaml": "pool:\n  idle_timeout: forever\n",
	}
	for name, body := range bad {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LSPPOOL_ADDR", ":1234")
	t.Setenv("LSPPOOL_LOG_LEVEL", "warn")
	cfg := Default()
	ApplyEnv(&cfg)
	if cfg.Addr != ":1234" || cfg.LogLevel != "warn" || cfg.LogFormat != "console" {
		t.Fatalf("unexpected cfg after env: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := Default()
	cfg.Pool.MaxInstancesPerLanguage = 0
	cfg.Predictive.Depth = -1
	cfg.Predictive.Ignore = []string{"[broken"}
	cfg.LogFormat = "xml"
	cfg.Servers["go"] = ServerConfig{}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"max_instances_per_language", "predictive.depth", "[broken", "log_format", "servers.go.command"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b, _ := d.MarshalText()
	if string(b) != "1m30s" {
		t.Fatalf("marshal = %q", b)
	}
}

func TestPoolConfigConversion(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
pool:
  crash_backoff_cap: 0
servers:
  typescript:
    command: [typescript-language-server, --stdio]
    extensions: [.ts]
    restart_interval: 2h
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	pc := cfg.PoolConfig()
	if pc.CrashBackoffCap >= 0 {
		t.Fatalf("explicit cap 0 should disable growth, got %d", pc.CrashBackoffCap)
	}
	if pc.RestartIntervals["typescript"] != 2*time.Hour {
		t.Fatalf("restart interval not carried: %v", pc.RestartIntervals)
	}
	if _, ok := pc.RestartIntervals["go"]; ok {
		t.Fatalf("servers without an interval must not recycle: %v", pc.RestartIntervals)
	}
	if Default().PoolConfig().CrashBackoffCap != 5 {
		t.Fatalf("default cap changed")
	}

	cfg.Servers["typescript"] = ServerConfig{Command: []string{"x"}, RestartInterval: Duration(-time.Second)}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "servers.typescript.restart_interval") {
		t.Fatalf("expected restart_interval error, got %v", err)
	}
}
