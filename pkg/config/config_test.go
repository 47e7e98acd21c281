package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default port %d, want 8000", cfg.Server.Port)
	}
	if cfg.Runtime.LoopCadence != 2*time.Second {
		t.Errorf("default loop cadence %v, want 2s", cfg.Runtime.LoopCadence)
	}
	if cfg.Runtime.ErrorBackoff != 5*time.Second {
		t.Errorf("default error backoff %v, want 5s", cfg.Runtime.ErrorBackoff)
	}
	if cfg.Runtime.StopTimeout != 5*time.Second {
		t.Errorf("default stop timeout %v, want 5s", cfg.Runtime.StopTimeout)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Error("auth should be disabled by default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file failed: %v", err)
	}
	if cfg.Agents.LegacyDir != "agents" {
		t.Errorf("legacy dir %q, want agents", cfg.Agents.LegacyDir)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
database:
  dsn: postgres://db:5432/test
log:
  level: debug
runtime:
  loop_cadence: 100ms
  stop_timeout: 1s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://db:5432/test" {
		t.Errorf("dsn %q", cfg.Database.DSN)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level %q, want debug", cfg.Log.Level)
	}
	if cfg.Runtime.LoopCadence != 100*time.Millisecond {
		t.Errorf("loop cadence %v, want 100ms", cfg.Runtime.LoopCadence)
	}
	if cfg.Runtime.StopTimeout != time.Second {
		t.Errorf("stop timeout %v, want 1s", cfg.Runtime.StopTimeout)
	}
	// Unset values keep defaults.
	if cfg.Runtime.ErrorBackoff != 5*time.Second {
		t.Errorf("error backoff %v, want default 5s", cfg.Runtime.ErrorBackoff)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MATRIARCH_SERVER_PORT", "7777")
	t.Setenv("MATRIARCH_AUTH_JWT_SECRET", "hush")
	t.Setenv("MATRIARCH_LOG_LEVEL", "WARN")
	t.Setenv("MATRIARCH_RUNTIME_ERROR_BACKOFF", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port %d, want env override 7777", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "hush" {
		t.Errorf("jwt secret %q", cfg.Auth.JWTSecret)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level %q, want warn", cfg.Log.Level)
	}
	if cfg.Runtime.ErrorBackoff != 250*time.Millisecond {
		t.Errorf("error backoff %v, want 250ms", cfg.Runtime.ErrorBackoff)
	}
}

func TestBadDurationEnvIgnored(t *testing.T) {
	t.Setenv("MATRIARCH_RUNTIME_LOOP_CADENCE", "not-a-duration")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runtime.LoopCadence != 2*time.Second {
		t.Errorf("bad duration should keep default, got %v", cfg.Runtime.LoopCadence)
	}
}
