package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return fs
}

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", FileName), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Transport.Mode != "sync" {
		t.Errorf("Transport.Mode = %q, want sync", cfg.Transport.Mode)
	}
	if !cfg.Transport.ReportAsyncFailures {
		t.Error("ReportAsyncFailures should default to true")
	}
	if cfg.Server.Debounce.Duration() != 100*time.Millisecond {
		t.Errorf("Debounce = %v, want 100ms", cfg.Server.Debounce)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
[origin]
base = "http://toml.example/"

[transport]
mode = "async"

[server]
port = 9000
debounce = "250ms"
`)
	t.Setenv("LUA_INCLUDE_PORT", "9100")

	cfg, err := Load(newFlags(t, "--dir", dir, "--origin", "http://flag.example/"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Origin.Base != "http://flag.example/" {
		t.Errorf("flag should win over TOML, got %q", cfg.Origin.Base)
	}
	if cfg.Transport.Mode != "async" {
		t.Errorf("TOML mode not applied, got %q", cfg.Transport.Mode)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env should win over TOML, got %d", cfg.Server.Port)
	}
	if cfg.Server.Debounce.Duration() != 250*time.Millisecond {
		t.Errorf("Debounce = %v, want 250ms", cfg.Server.Debounce)
	}
	if cfg.Server.Dir != dir {
		t.Errorf("Server.Dir = %q, want %q", cfg.Server.Dir, dir)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(newFlags(t, "--dir", t.TempDir()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Origin.Base != DefaultConfig().Origin.Base {
		t.Errorf("Origin.Base = %q", cfg.Origin.Base)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "nope.toml")))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestVerbosityCount(t *testing.T) {
	cfg, err := Load(newFlags(t, "--dir", t.TempDir(), "-vvv"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Verbosity() != 3 {
		t.Errorf("Verbosity() = %d, want 3", cfg.Verbosity())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Transport.Mode = "eventually" }},
		{"empty origin", func(c *Config) { c.Origin.Base = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLogRespectsVerbosity(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.SetOutput(&buf)
	cfg.Logging.Verbosity = 1

	cfg.Log(1, "loaded %s", "a.lua")
	cfg.Log(2, "hidden %s", "b.lua")

	out := buf.String()
	if !strings.Contains(out, "loaded a.lua") {
		t.Errorf("expected level 1 message, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("level 2 message should be suppressed, got %q", out)
	}
}

func TestLoadedVerbosityReachesDebugMessages(t *testing.T) {
	t.Setenv("LUA_INCLUDE_VERBOSITY", "3")
	cfg, err := Load(newFlags(t, "--dir", t.TempDir()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	var buf bytes.Buffer
	cfg.SetOutput(&buf)

	cfg.Log(2, "level two %s", "message")
	cfg.Log(3, "level three %s", "message")
	cfg.Log(4, "level four %s", "message")

	out := buf.String()
	if !strings.Contains(out, "level two message") || !strings.Contains(out, "level three message") {
		t.Errorf("expected levels 2 and 3 with verbosity 3, got %q", out)
	}
	if strings.Contains(out, "level four") {
		t.Errorf("level 4 message should be suppressed, got %q", out)
	}
}

func TestVerboseFlagLowersLogLevel(t *testing.T) {
	cfg, err := Load(newFlags(t, "--dir", t.TempDir(), "-vv", "--log-level", "warn"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	var buf bytes.Buffer
	cfg.SetOutput(&buf)

	cfg.Log(2, "fetching %s", "a.lua")
	if !strings.Contains(buf.String(), "fetching a.lua") {
		t.Errorf("-vv should show level 2 messages, got %q", buf.String())
	}
}

func TestErrorIgnoresVerbosity(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.SetOutput(&buf)
	cfg.Logging.Verbosity = 0

	cfg.Error("write failed: %v", "boom")
	if !strings.Contains(buf.String(), "write failed: boom") {
		t.Errorf("Error should always log, got %q", buf.String())
	}
}
