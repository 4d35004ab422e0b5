package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/surajsub/temporal-release-pipeline/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignalTimeout != 10*time.Minute {
		t.Errorf("SignalTimeout = %v, want 10m", cfg.SignalTimeout)
	}
	if cfg.Artifacts.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Artifacts.Backend)
	}
	if cfg.TaskQueue("anything") != config.DefaultTaskQueue {
		t.Errorf("TaskQueue = %q", cfg.TaskQueue("anything"))
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
pipelines:
  - name: web
    task_queue: web-queue
signal_timeout: 90s
artifacts:
  backend: sqlite
  sqlite_path: /var/lib/pipeline/artifacts.db
http:
  public_url: http://pipeline.internal:8080
`)
	t.Setenv("TEMPORAL_HOSTPORT", "temporal:7233")
	t.Setenv("WORK_ROOT", "/scratch")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignalTimeout != 90*time.Second {
		t.Errorf("SignalTimeout = %v, want 90s", cfg.SignalTimeout)
	}
	if cfg.Temporal.HostPort != "temporal:7233" {
		t.Errorf("HostPort = %q", cfg.Temporal.HostPort)
	}
	if cfg.WorkRoot != "/scratch" {
		t.Errorf("WorkRoot = %q", cfg.WorkRoot)
	}
	if cfg.TaskQueue("web") != "web-queue" {
		t.Errorf("TaskQueue(web) = %q", cfg.TaskQueue("web"))
	}
	if got := cfg.TaskQueues(); len(got) != 2 {
		t.Errorf("TaskQueues = %v", got)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr default lost: %q", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"unknown backend", "artifacts:\n  backend: s3\n", nil},
		{"postgres without credentials", "artifacts:\n  backend: postgres\n", nil},
		{"pipeline without queue", "pipelines:\n  - name: web\n", nil},
		{"bad timeout env", "", map[string]string{"SIGNAL_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := config.Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("Load: expected error")
			}
		})
	}
}
