package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestLoadFromAppliesDefaults(t *testing.T) {
	cfg, err := LoadFrom("", noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Queue.Concurrency != DefaultConcurrency {
		t.Errorf("concurrency = %d, want %d", cfg.Queue.Concurrency, DefaultConcurrency)
	}
	if cfg.Queue.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max attempts = %d, want %d", cfg.Queue.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Queue.BackoffBase != DefaultBackoffBase {
		t.Errorf("backoff base = %v, want %v", cfg.Queue.BackoffBase, DefaultBackoffBase)
	}
	if cfg.Control.Listen != DefaultListen {
		t.Errorf("listen = %q, want %q", cfg.Control.Listen, DefaultListen)
	}
	if cfg.Rig.Namespace != DefaultNamespace {
		t.Errorf("namespace = %q, want %q", cfg.Rig.Namespace, DefaultNamespace)
	}
	if cfg.Rig.PollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %v, want %v", cfg.Rig.PollInterval, DefaultPollInterval)
	}
}

func TestLoadFromParsesYAML(t *testing.T) {
	path := writeConfig(t, `
queue:
  store_path: /var/lib/testrig/queue.db
  concurrency: 7
  backoff_base: 5s
control:
  listen: ":9000"
rig:
  namespace: custom-ns
  image_registry: registry.local/engine
  image_tag: v2
  engine_path: /usr/local/bin/engine
artifacts:
  local_dir: /var/lib/testrig/artifacts
`)

	cfg, err := LoadFrom(path, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.StorePath != "/var/lib/testrig/queue.db" {
		t.Errorf("store path = %q", cfg.Queue.StorePath)
	}
	if cfg.Queue.Concurrency != 7 {
		t.Errorf("concurrency = %d, want 7", cfg.Queue.Concurrency)
	}
	if cfg.Queue.BackoffBase.Std() != 5*time.Second {
		t.Errorf("backoff base = %v, want 5s", cfg.Queue.BackoffBase)
	}
	if cfg.Control.Listen != ":9000" {
		t.Errorf("listen = %q", cfg.Control.Listen)
	}
	if cfg.Rig.ImageRef() != "registry.local/engine:v2" {
		t.Errorf("image ref = %q", cfg.Rig.ImageRef())
	}
	if cfg.Artifacts.LocalDir != "/var/lib/testrig/artifacts" {
		t.Errorf("artifacts dir = %q", cfg.Artifacts.LocalDir)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
queue:
  concurrency: 2
control:
  listen: ":9000"
rig:
  namespace: from-file
`)

	env := map[string]string{
		"TESTRIG_QUEUE_CONCURRENCY": "9",
		"TESTRIG_CONTROL_LISTEN":    ":8080",
		"TESTRIG_NAMESPACE":         "from-env",
		"TESTRIG_IMAGE_REGISTRY":    "registry.env/engine",
	}
	cfg, err := LoadFrom(path, func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Queue.Concurrency != 9 {
		t.Errorf("concurrency = %d, want env override 9", cfg.Queue.Concurrency)
	}
	if cfg.Control.Listen != ":8080" {
		t.Errorf("listen = %q, want env override :8080", cfg.Control.Listen)
	}
	if cfg.Rig.Namespace != "from-env" {
		t.Errorf("namespace = %q, want env override", cfg.Rig.Namespace)
	}
	if cfg.Rig.ImageRegistry != "registry.env/engine" {
		t.Errorf("image registry = %q", cfg.Rig.ImageRegistry)
	}
}

func TestImageRef(t *testing.T) {
	cases := []struct {
		registry string
		tag      string
		want     string
	}{
		{"registry.local/engine", "v1", "registry.local/engine:v1"},
		{"registry.local/engine", "", "registry.local/engine:latest"},
		{"", "v1", ""},
		{"  ", "", ""},
	}
	for _, tc := range cases {
		cfg := RigConfig{ImageRegistry: tc.registry, ImageTag: tc.tag}
		if got := cfg.ImageRef(); got != tc.want {
			t.Errorf("ImageRef(%q, %q) = %q, want %q", tc.registry, tc.tag, got, tc.want)
		}
	}
}

func TestLoadFromMissingFileErrors(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"), noEnv); err == nil {
		t.Fatal("expected an error for an explicit missing file")
	}
}
