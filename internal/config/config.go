// Package config loads gitfs configuration, following the layering of the
// teacher's internal/config/config.go: defaults, then a YAML file, then
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ReposDir string        `yaml:"repos_dir"`
	Mount    MountConfig   `yaml:"mount"`
	Chase    ChaseConfig   `yaml:"chase"`
	Janitor  JanitorConfig `yaml:"janitor"`
	Control  ControlConfig `yaml:"control"`
	Log      LogConfig     `yaml:"log"`
}

type MountConfig struct {
	DefaultPath string `yaml:"default_path"`
	ReadOnly    bool   `yaml:"read_only"`
	AllowRoot   bool   `yaml:"allow_root"`
	AllowOther  bool   `yaml:"allow_other"`
}

type ChaseConfig struct {
	// MaxParallel is loaded from config but not read by the chase executor;
	// each script's set_max_parallel (default 1) bounds how many commits
	// that chase runs concurrently.
	MaxParallel int `yaml:"max_parallel"`
	// PerCommitTimeout is loaded from config but not read by any component;
	// chase command pipelines run without a time limit.
	PerCommitTimeout time.Duration `yaml:"per_commit_timeout"`
	// StopGracePeriod is loaded from config but not read by the executor,
	// which waits a fixed 5 seconds for a killed process group to exit
	// before re-sending SIGKILL.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
}

type JanitorConfig struct {
	// MaxRetries is loaded from config but not read by internal/janitor,
	// which makes a fixed three attempts per deferred-delete job.
	MaxRetries int `yaml:"max_retries"`
	// Interval is loaded from config but not read by internal/janitor,
	// whose worker runs each job as soon as it is enqueued.
	Interval time.Duration `yaml:"interval"`
}

type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		Chase: ChaseConfig{
			MaxParallel:      1,
			PerCommitTimeout: 0, // 0 == no per-commit timeout
			StopGracePeriod:  5 * time.Second,
		},
		Janitor: JanitorConfig{
			MaxRetries: 3,
			Interval:   30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if reposDir := getenv("GITFS_REPOS_DIR"); reposDir != "" {
		cfg.ReposDir = reposDir
	}
	if sock := getenv("GITFS_CONTROL_SOCKET"); sock != "" {
		cfg.Control.SocketPath = sock
	}
	if lvl := getenv("GITFS_LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}

	if cfg.Control.SocketPath == "" {
		sock, err := DefaultControlSocketPath(getenv)
		if err != nil {
			return nil, err
		}
		cfg.Control.SocketPath = sock
	}

	return cfg, nil
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gitfs", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gitfs", "config.yaml")
}

// DefaultControlSocketPath implements spec.md §6:
// "$HOME/.local/share/<program>/control.sock".
func DefaultControlSocketPath(getenv func(string) string) (string, error) {
	home := getenv("HOME")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
	}
	return filepath.Join(home, ".local", "share", "gitfs", "control.sock"), nil
}
