package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/1broseidon/bpfocus/internal/ipc"
	"github.com/1broseidon/bpfocus/internal/pidfile"
	"github.com/1broseidon/bpfocus/internal/runtimepath"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printMainUsage(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "daemon":
		return runDaemon(args[1:])
	case "status":
		return runStatus(args[1:])
	case "stop":
		return runStop(args[1:])
	case "reload":
		return runReload(args[1:])
	case "history":
		return runHistory(args[1:])
	case "autostart":
		return runAutostart(args[1:])
	case "config":
		return runConfig(args[1:])
	case "version", "--version":
		fmt.Printf("bpfocus %s\n", version)
		return exitOK
	case "help", "-h", "--help":
		printMainUsage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printMainUsage(os.Stderr)
		return exitUsage
	}
}

func printMainUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: bpfocus <command> [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Keeps the Steam Big Picture window focused while Steam has no running")
	fmt.Fprintln(w, "child processes.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  daemon              Start the bpfocus daemon (foreground)")
	fmt.Fprintln(w, "  status              Show daemon status")
	fmt.Fprintln(w, "  stop                Ask the daemon to exit")
	fmt.Fprintln(w, "  reload              Ask the daemon to reload its configuration")
	fmt.Fprintln(w, "  history             Show recent journal entries")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  autostart enable    Start bpfocus at login")
	fmt.Fprintln(w, "  autostart disable   Do not start bpfocus at login")
	fmt.Fprintln(w, "  autostart status    Show the login autostart entry")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  config validate     Validate configuration")
	fmt.Fprintln(w, "  config print        Print configuration")
	fmt.Fprintln(w, "  config explain      Explain a config value")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  version             Print the version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'bpfocus <command> --help' for command-specific options.")
}

// parseFlags parses args and maps flag errors to exit codes. ok is false
// when the caller should return code.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "Print JSON (default when stdout is not a terminal)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bpfocus status [--json]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Show daemon status via IPC.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "status takes no arguments")
		fs.Usage()
		return exitUsage
	}

	client := ipc.NewClient()
	status, err := client.GetStatus()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	if *asJSON || !stdoutIsTerminal() {
		if err := writeJSON(os.Stdout, status); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		return exitOK
	}
	writeStatus(os.Stdout, status)
	return exitOK
}

func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	wait := fs.Duration("wait", 5*time.Second, "How long to wait for the daemon to exit (0 = don't wait)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bpfocus stop [--wait DURATION]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Ask the running daemon to exit.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stop takes no arguments")
		fs.Usage()
		return exitUsage
	}

	client := ipc.NewClient()
	status, _ := client.GetStatus()
	if err := client.Shutdown(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "bpfocus daemon is not running")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return exitFailure
	}

	if *wait > 0 && status != nil && status.DaemonPID > 0 {
		if !waitForExit(status.DaemonPID, *wait) {
			fmt.Fprintf(os.Stderr, "daemon (pid %d) still running after %s\n", status.DaemonPID, *wait)
			return exitFailure
		}
	}
	fmt.Println("bpfocus daemon stopped")
	return exitOK
}

// waitForExit polls until pid has exited and released the pid file.
func waitForExit(pid int, timeout time.Duration) bool {
	pidPath, _ := runtimepath.PIDFilePath()
	deadline := time.Now().Add(timeout)
	for {
		held := false
		if pidPath != "" {
			if owner, err := pidfile.Read(pidPath); err == nil && owner == pid {
				held = true
			}
		}
		if !held && !pidfile.IsRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func runReload(args []string) int {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bpfocus reload")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Ask the running daemon to re-read its configuration.")
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "reload takes no arguments")
		fs.Usage()
		return exitUsage
	}

	if err := ipc.NewClient().Reload(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	fmt.Println("config reloaded")
	return exitOK
}
