package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval = time.Second
	DefaultStopTimeout  = 2 * time.Second
	DefaultScanInterval = time.Second
	DefaultLogLevel     = "info"
	DefaultLogMaxSizeMB = 10
	DefaultLogMaxFiles  = 3
)

// LogConfig configures the daemon's log sink.
type LogConfig struct {
	// Level is one of debug, info, warning, error.
	Level string `yaml:"level"`
	// File, when set, receives a copy of every log line with size-based
	// rotation. Empty means stderr only.
	File      string `yaml:"file,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is a host:port for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// JournalConfig configures the event journal database.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// Config is the effective daemon configuration.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	// GraceDelay is how long an exited descendant keeps suppressing focus
	// correction. Zero means "same as poll_interval".
	GraceDelay   time.Duration `yaml:"grace_delay"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	// Display overrides $DISPLAY for the X11 connection.
	Display string        `yaml:"display,omitempty"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Journal JournalConfig `yaml:"journal"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: DefaultPollInterval,
		StopTimeout:  DefaultStopTimeout,
		ScanInterval: DefaultScanInterval,
		Log: LogConfig{
			Level:     DefaultLogLevel,
			MaxSizeMB: DefaultLogMaxSizeMB,
			MaxFiles:  DefaultLogMaxFiles,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
	}
}

// EffectiveGraceDelay returns GraceDelay, falling back to PollInterval.
func (c *Config) EffectiveGraceDelay() time.Duration {
	if c.GraceDelay > 0 {
		return c.GraceDelay
	}
	return c.PollInterval
}

// JournalPath returns the journal database path with defaults applied.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return expandHome(c.Journal.Path)
	}
	return filepath.Join(dataDir(), "journal.db")
}

// LogFile returns the log file path with "~" expanded, or "" when file
// logging is disabled.
func (c *Config) LogFile() string {
	if c.Log.File == "" {
		return ""
	}
	return expandHome(c.Log.File)
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Validate performs strict validation of the effective configuration.
func (c *Config) Validate() error {
	if c.PollInterval < 10*time.Millisecond {
		return &ValidationError{Path: "poll_interval", Err: fmt.Errorf("poll_interval must be >= 10ms")}
	}
	if c.StopTimeout <= 0 {
		return &ValidationError{Path: "stop_timeout", Err: fmt.Errorf("stop_timeout must be > 0")}
	}
	if c.GraceDelay < 0 {
		return &ValidationError{Path: "grace_delay", Err: fmt.Errorf("grace_delay must be >= 0")}
	}
	if c.ScanInterval < 10*time.Millisecond {
		return &ValidationError{Path: "scan_interval", Err: fmt.Errorf("scan_interval must be >= 10ms")}
	}
	switch c.Log.Level {
	case "debug", "info", "warning", "error":
	default:
		return &ValidationError{Path: "log.level", Err: fmt.Errorf("log.level must be one of: debug, info, warning, error")}
	}
	if c.Log.MaxSizeMB < 0 {
		return &ValidationError{Path: "log.max_size_mb", Err: fmt.Errorf("log.max_size_mb must be >= 0")}
	}
	if c.Log.MaxFiles < 0 {
		return &ValidationError{Path: "log.max_files", Err: fmt.Errorf("log.max_files must be >= 0")}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return &ValidationError{Path: "metrics.listen", Err: fmt.Errorf("metrics.listen must be host:port: %w", err)}
		}
	}
	return nil
}

func dataDir() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, "bpfocus")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.Getenv("HOME")
	}
	if home == "" {
		// Last resort fallback - use current directory
		home = "."
	}
	return filepath.Join(home, ".local", "share", "bpfocus")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
