package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry "30s"-style values;
// plain integers are read as nanoseconds like yaml.v3 would natively.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level warren configuration, normally loaded from
// warren.yaml in the data directory.
type Config struct {
	ListenAddr string          `yaml:"listen_addr,omitempty"`
	DataDir    string          `yaml:"data_dir,omitempty"`
	LogLevel   string          `yaml:"log_level,omitempty"`
	LogFormat  string          `yaml:"log_format,omitempty"`
	Sandbox    SandboxConfig   `yaml:"sandbox,omitempty"`
	Queue      QueueConfig     `yaml:"queue,omitempty"`
	Scheduler  SchedulerConfig `yaml:"scheduler,omitempty"`
}

// SandboxConfig configures the Docker runner backing group sandboxes.
type SandboxConfig struct {
	Image   string            `yaml:"image"`
	Cmd     []string          `yaml:"cmd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Workdir string            `yaml:"workdir,omitempty"`
}

// QueueConfig holds queue timing knobs.
type QueueConfig struct {
	StopGrace  Duration `yaml:"stop_grace,omitempty"`
	StaleAfter Duration `yaml:"stale_after,omitempty"`
}

// SchedulerConfig holds the maintenance tick interval and the nightly
// summary window (local hours, end exclusive).
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval,omitempty"`
	SummaryFrom  int      `yaml:"summary_from_hour,omitempty"`
	SummaryTo    int      `yaml:"summary_to_hour,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:7700",
		DataDir:    ".warren",
		LogLevel:   "info",
		LogFormat:  "console",
		Sandbox: SandboxConfig{
			Image: "warren-agent:latest",
		},
		Queue: QueueConfig{
			StopGrace:  Duration(30 * time.Second),
			StaleAfter: Duration(10 * time.Minute),
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(30 * time.Second),
			SummaryFrom:  3,
			SummaryTo:    5,
		},
	}
}

// Load reads the configuration file at path, layering it over the
// defaults. A missing file is not an error: defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges that cannot be expressed in the types.
func (c Config) Validate() error {
	if c.Sandbox.Image == "" {
		return errors.New("sandbox.image is required")
	}
	if c.Queue.StopGrace <= 0 {
		return errors.New("queue.stop_grace must be positive")
	}
	if c.Queue.StaleAfter <= 0 {
		return errors.New("queue.stale_after must be positive")
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.SummaryFrom < 0 || c.Scheduler.SummaryFrom > 23 {
		return fmt.Errorf("scheduler.summary_from_hour %d out of range", c.Scheduler.SummaryFrom)
	}
	if c.Scheduler.SummaryTo < 0 || c.Scheduler.SummaryTo > 24 {
		return fmt.Errorf("scheduler.summary_to_hour %d out of range", c.Scheduler.SummaryTo)
	}
	return nil
}

// FolderDir returns the on-disk session namespace directory for a folder.
func (c Config) FolderDir(folder string) string {
	return filepath.Join(c.DataDir, "folders", folder)
}

// DatabasePath returns the SQLite database location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "warren.db")
}
