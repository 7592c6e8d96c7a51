package config

import (
	"fmt"
	"sort"
	"strings"
)

// Explain returns the effective value at the given YAML-like path and its source.
//
// Supported paths are those returned by Paths, for example:
//
//	poll_interval
//	grace_delay
//	log.level
//	metrics.listen
//	journal.enabled
func Explain(res *LoadResult, path string) (any, Source, error) {
	if res == nil || res.Config == nil {
		return nil, Source{}, fmt.Errorf("no config loaded")
	}
	if path == "" {
		return nil, Source{}, fmt.Errorf("path is empty")
	}

	values := flatten(res.Config)
	value, ok := values[path]
	if !ok {
		return nil, Source{}, fmt.Errorf("unknown path: %s", path)
	}

	// Exact-path file or env source wins.
	if src, ok := res.Sources[path]; ok {
		return value, src, nil
	}
	return value, Source{Kind: SourceDefault, Name: "defaults"}, nil
}

// Paths returns every explainable path in sorted order.
func Paths() []string {
	values := flatten(DefaultConfig())
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FormatSource renders src for humans.
func FormatSource(src Source) string {
	switch src.Kind {
	case SourceFile:
		return fmt.Sprintf("%s:%d:%d", src.File, src.Line, src.Column)
	case SourceEnv:
		return "env " + src.Name
	default:
		return strings.TrimSpace(string(src.Kind) + " " + src.Name)
	}
}

func flatten(cfg *Config) map[string]any {
	return map[string]any{
		"poll_interval":   cfg.PollInterval,
		"stop_timeout":    cfg.StopTimeout,
		"grace_delay":     cfg.GraceDelay,
		"scan_interval":   cfg.ScanInterval,
		"display":         cfg.Display,
		"log.level":       cfg.Log.Level,
		"log.file":        cfg.Log.File,
		"log.max_size_mb": cfg.Log.MaxSizeMB,
		"log.max_files":   cfg.Log.MaxFiles,
		"metrics.listen":  cfg.Metrics.Listen,
		"journal.enabled": cfg.Journal.Enabled,
		"journal.path":    cfg.Journal.Path,
	}
}
