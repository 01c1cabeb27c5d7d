// Package runtimeconfig loads testrig's process configuration from the
// user's config file and TESTRIG_* environment variables. Environment
// values override file values.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes either a Go duration string ("5s") or an integer
// nanosecond count from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(asString))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Control   ControlConfig   `yaml:"control"`
	Rig       RigConfig       `yaml:"rig"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

type QueueConfig struct {
	StorePath     string        `yaml:"store_path"`
	Concurrency   int           `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   Duration      `yaml:"backoff_base"`
	StallInterval Duration      `yaml:"stall_interval"`
	RetainedJobs  int           `yaml:"retained_jobs"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type RigConfig struct {
	Namespace     string        `yaml:"namespace"`
	ImageRegistry string        `yaml:"image_registry"`
	ImageTag      string        `yaml:"image_tag"`
	EnginePath    string        `yaml:"engine_path"`
	WorkDir       string        `yaml:"work_dir"`
	ReadySeconds  int64         `yaml:"ready_seconds"`
	MemoryMiB     int64         `yaml:"memory_mib"`
	CPUMillis     int64         `yaml:"cpu_millis"`
	PollInterval  Duration      `yaml:"poll_interval"`
}

type ArtifactsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	LocalDir  string `yaml:"local_dir"`
}

const (
	DefaultConcurrency   = 3
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = Duration(2 * time.Second)
	DefaultStallInterval = Duration(30 * time.Second)
	DefaultRetainedJobs  = 100
	DefaultReadySeconds  = 60
	DefaultPollInterval  = Duration(2 * time.Second)
	DefaultListen        = ":4000"
	DefaultNamespace     = "test-executions"
)

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "testrig", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "testrig", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, path, fmt.Errorf("read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	return cfg, path, nil
}

// LoadFrom parses a specific file then applies env overrides and defaults.
// Used by tests and by --config.
func LoadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	applyEnv(&cfg, getenv)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString(&cfg.Queue.StorePath, getenv("TESTRIG_QUEUE_STORE"))
	setInt(&cfg.Queue.Concurrency, getenv("TESTRIG_QUEUE_CONCURRENCY"))
	setString(&cfg.Control.Listen, getenv("TESTRIG_CONTROL_LISTEN"))
	setString(&cfg.Rig.Namespace, getenv("TESTRIG_NAMESPACE"))
	setString(&cfg.Rig.ImageRegistry, getenv("TESTRIG_IMAGE_REGISTRY"))
	setString(&cfg.Rig.ImageTag, getenv("TESTRIG_IMAGE_TAG"))
	setString(&cfg.Rig.EnginePath, getenv("TESTRIG_ENGINE_PATH"))
	setString(&cfg.Rig.WorkDir, getenv("TESTRIG_RIG_WORKDIR"))
	setString(&cfg.Artifacts.Endpoint, getenv("TESTRIG_ARTIFACTS_ENDPOINT"))
	setString(&cfg.Artifacts.Bucket, getenv("TESTRIG_ARTIFACTS_BUCKET"))
	setString(&cfg.Artifacts.AccessKey, getenv("TESTRIG_ARTIFACTS_ACCESS_KEY"))
	setString(&cfg.Artifacts.SecretKey, getenv("TESTRIG_ARTIFACTS_SECRET_KEY"))
	setString(&cfg.Artifacts.LocalDir, getenv("TESTRIG_ARTIFACTS_DIR"))
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = DefaultConcurrency
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Queue.BackoffBase <= 0 {
		cfg.Queue.BackoffBase = DefaultBackoffBase
	}
	if cfg.Queue.StallInterval <= 0 {
		cfg.Queue.StallInterval = DefaultStallInterval
	}
	if cfg.Queue.RetainedJobs <= 0 {
		cfg.Queue.RetainedJobs = DefaultRetainedJobs
	}
	if strings.TrimSpace(cfg.Control.Listen) == "" {
		cfg.Control.Listen = DefaultListen
	}
	if strings.TrimSpace(cfg.Rig.Namespace) == "" {
		cfg.Rig.Namespace = DefaultNamespace
	}
	if cfg.Rig.ReadySeconds <= 0 {
		cfg.Rig.ReadySeconds = DefaultReadySeconds
	}
	if cfg.Rig.PollInterval <= 0 {
		cfg.Rig.PollInterval = DefaultPollInterval
	}
}

// ImageRef joins the configured registry and tag into the rig image
// reference handed to drivers.
func (r RigConfig) ImageRef() string {
	registry := strings.TrimSpace(r.ImageRegistry)
	tag := strings.TrimSpace(r.ImageTag)
	if registry == "" {
		return ""
	}
	if tag == "" {
		tag = "latest"
	}
	return registry + ":" + tag
}

func setString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func setInt(dst *int, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if n, err := strconv.Atoi(value); err == nil {
		*dst = n
	}
}
