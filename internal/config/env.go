package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BPFOCUS"

// envOverrides lists the settings that can be overridden from the
// environment. Unset variables leave their field nil.
type envOverrides struct {
	PollInterval   *time.Duration `envconfig:"POLL_INTERVAL"`
	StopTimeout    *time.Duration `envconfig:"STOP_TIMEOUT"`
	GraceDelay     *time.Duration `envconfig:"GRACE_DELAY"`
	ScanInterval   *time.Duration `envconfig:"SCAN_INTERVAL"`
	Display        *string        `envconfig:"DISPLAY"`
	LogLevel       *string        `envconfig:"LOG_LEVEL"`
	LogFile        *string        `envconfig:"LOG_FILE"`
	MetricsListen  *string        `envconfig:"METRICS_LISTEN"`
	JournalEnabled *bool          `envconfig:"JOURNAL_ENABLED"`
	JournalPath    *string        `envconfig:"JOURNAL_PATH"`
}

func envName(key string) string {
	return EnvPrefix + "_" + key
}

// loadEnvOverrides reads BPFOCUS_* variables into a RawConfig overlay.
func loadEnvOverrides() (RawConfig, map[string]Source, error) {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return RawConfig{}, nil, fmt.Errorf("failed to read %s_* environment: %w", EnvPrefix, err)
	}

	raw := RawConfig{}
	sources := map[string]Source{}
	set := func(path, key string) {
		sources[path] = Source{Kind: SourceEnv, Name: envName(key)}
	}

	if env.PollInterval != nil {
		raw.PollInterval = env.PollInterval
		set("poll_interval", "POLL_INTERVAL")
	}
	if env.StopTimeout != nil {
		raw.StopTimeout = env.StopTimeout
		set("stop_timeout", "STOP_TIMEOUT")
	}
	if env.GraceDelay != nil {
		raw.GraceDelay = env.GraceDelay
		set("grace_delay", "GRACE_DELAY")
	}
	if env.ScanInterval != nil {
		raw.ScanInterval = env.ScanInterval
		set("scan_interval", "SCAN_INTERVAL")
	}
	if env.Display != nil {
		raw.Display = env.Display
		set("display", "DISPLAY")
	}

	if env.LogLevel != nil || env.LogFile != nil {
		raw.Log = &RawLogConfig{Level: env.LogLevel, File: env.LogFile}
		if env.LogLevel != nil {
			set("log.level", "LOG_LEVEL")
		}
		if env.LogFile != nil {
			set("log.file", "LOG_FILE")
		}
	}

	if env.MetricsListen != nil {
		raw.Metrics = &RawMetricsConfig{Listen: env.MetricsListen}
		set("metrics.listen", "METRICS_LISTEN")
	}

	if env.JournalEnabled != nil || env.JournalPath != nil {
		raw.Journal = &RawJournalConfig{Enabled: env.JournalEnabled, Path: env.JournalPath}
		if env.JournalEnabled != nil {
			set("journal.enabled", "JOURNAL_ENABLED")
		}
		if env.JournalPath != nil {
			set("journal.path", "JOURNAL_PATH")
		}
	}

	return raw, sources, nil
}
