package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/1broseidon/bpfocus/internal/config"
)

// loadConfig loads path, or the default location when path is empty, and
// returns the path that was used.
func loadConfig(path string) (*config.LoadResult, string, error) {
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
	}
	res, err := config.LoadFromPath(path)
	if err != nil {
		return nil, path, err
	}
	return res, path, nil
}

func printConfigUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bpfocus config validate [--path PATH]")
	fmt.Fprintln(os.Stderr, "  bpfocus config print [--path PATH] [--defaults]")
	fmt.Fprintln(os.Stderr, "  bpfocus config explain [--path PATH] <yaml.path>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Explainable paths:")
	for _, p := range config.Paths() {
		fmt.Fprintf(os.Stderr, "  %s\n", p)
	}
}

func runConfig(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printConfigUsage()
		return exitUsage
	}

	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		path := fs.String("path", "", "Config file path (default: ~/.config/bpfocus/config.yaml)")
		if code, ok := parseFlags(fs, args[1:]); !ok {
			return code
		}

		res, used, err := loadConfig(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		if len(res.Files) == 0 {
			fmt.Printf("config: ok (%s not found, using defaults)\n", used)
			return exitOK
		}
		fmt.Println("config: ok")
		return exitOK

	case "print":
		fs := flag.NewFlagSet("print", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		path := fs.String("path", "", "Config file path (default: ~/.config/bpfocus/config.yaml)")
		printDefaults := fs.Bool("defaults", false, "Print built-in defaults (no files)")
		if code, ok := parseFlags(fs, args[1:]); !ok {
			return code
		}

		cfg := config.DefaultConfig()
		if !*printDefaults {
			res, _, err := loadConfig(*path)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return exitFailure
			}
			cfg = res.Config
		}
		data, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Print(string(data))
		return exitOK

	case "explain":
		fs := flag.NewFlagSet("explain", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		path := fs.String("path", "", "Config file path (default: ~/.config/bpfocus/config.yaml)")
		if code, ok := parseFlags(fs, args[1:]); !ok {
			return code
		}
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "explain requires <yaml.path>")
			return exitUsage
		}
		queryPath := fs.Arg(0)

		res, _, err := loadConfig(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}

		value, src, err := config.Explain(res, queryPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}

		out, err := yaml.Marshal(value)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}

		fmt.Printf("path: %s\n", queryPath)
		fmt.Printf("source: %s\n", config.FormatSource(src))
		fmt.Printf("value: %s", string(out))
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		return exitUsage
	}
}
