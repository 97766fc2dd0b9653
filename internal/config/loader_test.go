package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Worker.MaxJobAttempts != 3 {
		t.Errorf("default max_job_attempts = %d, want 3", cfg.Worker.MaxJobAttempts)
	}
	if cfg.Worker.CancelPollInterval != 750*time.Millisecond {
		t.Errorf("default cancel_poll_interval = %s, want 750ms", cfg.Worker.CancelPollInterval)
	}
	if cfg.Worker.RequeueRunningAfter != 0 {
		t.Errorf("default requeue_running_after = %s, want 0 (disabled)", cfg.Worker.RequeueRunningAfter)
	}
	if cfg.E2B.SandboxTimeout != 2*time.Hour {
		t.Errorf("default sandbox timeout = %s, want 2h", cfg.E2B.SandboxTimeout)
	}
	if cfg.Snapshot.MaxBytes != 200<<20 {
		t.Errorf("default snapshot max bytes = %d, want %d", cfg.Snapshot.MaxBytes, 200<<20)
	}
	if cfg.Snapshot.MaxFiles != 2000 {
		t.Errorf("default snapshot max files = %d, want 2000", cfg.Snapshot.MaxFiles)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	yaml := `
server:
  port: "9090"
worker:
  max_job_attempts: 5
  max_backoff: 10s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Worker.MaxJobAttempts != 5 {
		t.Errorf("max_job_attempts = %d, want 5", cfg.Worker.MaxJobAttempts)
	}
	if cfg.Worker.MaxBackoff != 10*time.Second {
		t.Errorf("max_backoff = %s, want 10s", cfg.Worker.MaxBackoff)
	}
	// Untouched keys keep their defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q, want default", cfg.NATS.URL)
	}
}

func TestLoadFromEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTD_PORT", "7070")
	t.Setenv("MAX_JOB_ATTEMPTS", "7")
	t.Setenv("WORKER_MAX_BACKOFF", "45")
	t.Setenv("WORKER_REQUEUE_RUNNING_AFTER_S", "600")
	t.Setenv("E2B_SANDBOX_TIMEOUT_MS", "3600000")
	t.Setenv("ZIP_MAX_FILES", "500")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want env value 7070", cfg.Server.Port)
	}
	if cfg.Worker.MaxJobAttempts != 7 {
		t.Errorf("max_job_attempts = %d, want 7", cfg.Worker.MaxJobAttempts)
	}
	if cfg.Worker.MaxBackoff != 45*time.Second {
		t.Errorf("max_backoff = %s, want 45s", cfg.Worker.MaxBackoff)
	}
	if cfg.Worker.RequeueRunningAfter != 10*time.Minute {
		t.Errorf("requeue_running_after = %s, want 10m", cfg.Worker.RequeueRunningAfter)
	}
	if cfg.E2B.SandboxTimeout != time.Hour {
		t.Errorf("sandbox timeout = %s, want 1h", cfg.E2B.SandboxTimeout)
	}
	if cfg.Snapshot.MaxFiles != 500 {
		t.Errorf("snapshot max files = %d, want 500", cfg.Snapshot.MaxFiles)
	}
}

func TestSandboxTimeoutCapped(t *testing.T) {
	t.Setenv("E2B_SANDBOX_TIMEOUT_MS", "172800000") // 48h

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.E2B.SandboxTimeout != 24*time.Hour {
		t.Errorf("sandbox timeout = %s, want capped 24h", cfg.E2B.SandboxTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_JOB_ATTEMPTS", "0")

	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected validation error for zero max attempts")
	}
}
