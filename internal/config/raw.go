package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// IncludeList supports either:
//
//	include: "/path/to/file.yaml"
//
// or:
//
//	include:
//	  - "/path/to/file.yaml"
//	  - "/path/to/dir"
type IncludeList []string

func (l *IncludeList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case 0:
		// Not present.
		*l = nil
		return nil
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("include must be a string or list of strings")
		}
		*l = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
				return fmt.Errorf("include entries must be strings")
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("include must be a string or list of strings")
	}
}

// Raw types mirror the YAML file; nil means "not set in this file".

type RawLogConfig struct {
	Level     *string `yaml:"level"`
	File      *string `yaml:"file"`
	MaxSizeMB *int    `yaml:"max_size_mb"`
	MaxFiles  *int    `yaml:"max_files"`
}

type RawMetricsConfig struct {
	Listen *string `yaml:"listen"`
}

type RawJournalConfig struct {
	Enabled *bool   `yaml:"enabled"`
	Path    *string `yaml:"path"`
}

type RawConfig struct {
	Include      IncludeList       `yaml:"include"`
	PollInterval *time.Duration    `yaml:"poll_interval"`
	StopTimeout  *time.Duration    `yaml:"stop_timeout"`
	GraceDelay   *time.Duration    `yaml:"grace_delay"`
	ScanInterval *time.Duration    `yaml:"scan_interval"`
	Display      *string           `yaml:"display"`
	Log          *RawLogConfig     `yaml:"log"`
	Metrics      *RawMetricsConfig `yaml:"metrics"`
	Journal      *RawJournalConfig `yaml:"journal"`
}

func (c RawConfig) merge(overlay RawConfig) RawConfig {
	out := c

	if overlay.PollInterval != nil {
		out.PollInterval = overlay.PollInterval
	}
	if overlay.StopTimeout != nil {
		out.StopTimeout = overlay.StopTimeout
	}
	if overlay.GraceDelay != nil {
		out.GraceDelay = overlay.GraceDelay
	}
	if overlay.ScanInterval != nil {
		out.ScanInterval = overlay.ScanInterval
	}
	if overlay.Display != nil {
		out.Display = overlay.Display
	}

	if overlay.Log != nil {
		merged := RawLogConfig{}
		if out.Log != nil {
			merged = *out.Log
		}
		if overlay.Log.Level != nil {
			merged.Level = overlay.Log.Level
		}
		if overlay.Log.File != nil {
			merged.File = overlay.Log.File
		}
		if overlay.Log.MaxSizeMB != nil {
			merged.MaxSizeMB = overlay.Log.MaxSizeMB
		}
		if overlay.Log.MaxFiles != nil {
			merged.MaxFiles = overlay.Log.MaxFiles
		}
		out.Log = &merged
	}

	if overlay.Metrics != nil {
		merged := RawMetricsConfig{}
		if out.Metrics != nil {
			merged = *out.Metrics
		}
		if overlay.Metrics.Listen != nil {
			merged.Listen = overlay.Metrics.Listen
		}
		out.Metrics = &merged
	}

	if overlay.Journal != nil {
		merged := RawJournalConfig{}
		if out.Journal != nil {
			merged = *out.Journal
		}
		if overlay.Journal.Enabled != nil {
			merged.Enabled = overlay.Journal.Enabled
		}
		if overlay.Journal.Path != nil {
			merged.Path = overlay.Journal.Path
		}
		out.Journal = &merged
	}

	return out
}
