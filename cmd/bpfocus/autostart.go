package main

import (
	"fmt"
	"os"

	"github.com/1broseidon/bpfocus/internal/autostart"
)

func printAutostartUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bpfocus autostart enable    Start bpfocus at login")
	fmt.Fprintln(os.Stderr, "  bpfocus autostart disable   Do not start bpfocus at login")
	fmt.Fprintln(os.Stderr, "  bpfocus autostart status    Show the login autostart entry")
}

func runAutostart(args []string) int {
	if len(args) != 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printAutostartUsage()
		return exitUsage
	}

	mgr, err := autostart.ForCurrentExecutable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	switch args[0] {
	case "enable":
		if err := mgr.Enable(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Printf("autostart enabled (%s)\n", mgr.Path())
		return exitOK

	case "disable":
		if err := mgr.Disable(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Printf("autostart disabled (%s)\n", mgr.Path())
		return exitOK

	case "status":
		st, err := mgr.Status()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Printf("state: %s\n", st.State)
		fmt.Printf("path:  %s\n", st.Path)
		if st.Exec != "" {
			fmt.Printf("exec:  %s\n", st.Exec)
		}
		if st.Stale {
			fmt.Printf("note:  entry points at a different executable; the daemon rewrites it on next start\n")
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown autostart subcommand: %s\n", args[0])
		printAutostartUsage()
		return exitUsage
	}
}
