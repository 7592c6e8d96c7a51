package config

import "fmt"

type ValidationError struct {
	Path   string
	Source Source
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Source.Kind == SourceFile && e.Source.File != "" && e.Source.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %v", e.Source.File, e.Source.Line, e.Source.Column, e.Path, e.Err)
	}
	if e.Source.Kind == SourceEnv && e.Source.Name != "" {
		return fmt.Sprintf("%s: %s: %v", e.Source.Name, e.Path, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BuildEffectiveConfig applies raw on top of DefaultConfig.
func BuildEffectiveConfig(raw RawConfig) *Config {
	cfg := DefaultConfig()

	if raw.PollInterval != nil {
		cfg.PollInterval = *raw.PollInterval
	}
	if raw.StopTimeout != nil {
		cfg.StopTimeout = *raw.StopTimeout
	}
	if raw.GraceDelay != nil {
		cfg.GraceDelay = *raw.GraceDelay
	}
	if raw.ScanInterval != nil {
		cfg.ScanInterval = *raw.ScanInterval
	}
	if raw.Display != nil {
		cfg.Display = *raw.Display
	}

	if raw.Log != nil {
		if raw.Log.Level != nil {
			cfg.Log.Level = *raw.Log.Level
		}
		if raw.Log.File != nil {
			cfg.Log.File = *raw.Log.File
		}
		if raw.Log.MaxSizeMB != nil {
			cfg.Log.MaxSizeMB = *raw.Log.MaxSizeMB
		}
		if raw.Log.MaxFiles != nil {
			cfg.Log.MaxFiles = *raw.Log.MaxFiles
		}
	}

	if raw.Metrics != nil && raw.Metrics.Listen != nil {
		cfg.Metrics.Listen = *raw.Metrics.Listen
	}

	if raw.Journal != nil {
		if raw.Journal.Enabled != nil {
			cfg.Journal.Enabled = *raw.Journal.Enabled
		}
		if raw.Journal.Path != nil {
			cfg.Journal.Path = *raw.Journal.Path
		}
	}

	return cfg
}
