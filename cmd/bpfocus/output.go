package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/1broseidon/bpfocus/internal/ipc"
	"github.com/1broseidon/bpfocus/internal/journal"
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatus(w io.Writer, st *ipc.StatusData) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "daemon pid:\t%d\n", st.DaemonPID)
	if st.Version != "" {
		fmt.Fprintf(tw, "version:\t%s\n", st.Version)
	}
	fmt.Fprintf(tw, "uptime:\t%s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	if st.RootRunning {
		fmt.Fprintf(tw, "root:\t%s (pid %d)\n", st.RootName, st.RootPID)
	} else {
		fmt.Fprintf(tw, "root:\tnot running\n")
	}
	fmt.Fprintf(tw, "descendants:\t%s\n", formatPIDs(st.Descendants))
	fmt.Fprintf(tw, "focus loop:\t%s\n", runningWord(st.LoopRunning))
	fmt.Fprintf(tw, "poll interval:\t%s\n", st.PollInterval)
	fmt.Fprintf(tw, "grace delay:\t%s\n", st.GraceDelay)
	fmt.Fprintf(tw, "stop timeout:\t%s\n", st.StopTimeout)
	fmt.Fprintf(tw, "ticks:\t%d\n", st.Stats.Ticks)
	fmt.Fprintf(tw, "corrections:\t%d\n", st.Stats.Corrections)
	fmt.Fprintf(tw, "suppressed:\t%d\n", st.Stats.Suppressed)
	fmt.Fprintf(tw, "errors:\t%d\n", st.Stats.Errors)
	if st.ConfigPath != "" {
		fmt.Fprintf(tw, "config:\t%s\n", st.ConfigPath)
	}
}

func writeHistory(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no journal entries")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tEVENT\tPID\tNAME\tDETAIL")
	// Oldest first reads naturally in a terminal.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		pid := ""
		if e.PID > 0 {
			pid = strconv.Itoa(e.PID)
		}
		detail := e.Detail
		if e.Window != 0 {
			detail = strings.TrimSpace(fmt.Sprintf("window=0x%x %s", e.Window, detail))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Kind, pid, e.Name, detail)
	}
}

func formatPIDs(pids []int) string {
	if len(pids) == 0 {
		return "none"
	}
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = strconv.Itoa(pid)
	}
	return strings.Join(parts, ", ")
}

func runningWord(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}
