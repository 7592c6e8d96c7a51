// Package autostart manages the XDG autostart entry that launches the
// daemon at login.
package autostart

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EntryName is the file name of the desktop entry.
const EntryName = "bpfocus.desktop"

const section = "[Desktop Entry]"

// State describes the autostart entry on disk.
type State int

const (
	// StateMissing means no entry exists; the daemon registers one on first
	// launch.
	StateMissing State = iota
	StateEnabled
	// StateDisabled means the entry exists with Hidden=true. It is left
	// alone on launch.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Status is the result of inspecting the entry.
type Status struct {
	State State  `json:"state"`
	Path  string `json:"path"`
	Exec  string `json:"exec,omitempty"`
	// Stale is set when an enabled entry launches a different command
	// than this executable would.
	Stale bool `json:"stale,omitempty"`
}

// Manager reads and writes one autostart entry.
type Manager struct {
	path string
	exec string
}

// DefaultPath returns $XDG_CONFIG_HOME/autostart/bpfocus.desktop, falling
// back to ~/.config/autostart.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "autostart", EntryName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "autostart", EntryName), nil
}

// New returns a manager for the entry at path that launches executable
// with args.
func New(path, executable string, args ...string) *Manager {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteExecArg(executable))
	for _, a := range args {
		parts = append(parts, quoteExecArg(a))
	}
	return &Manager{path: path, exec: strings.Join(parts, " ")}
}

// ForCurrentExecutable returns a manager at DefaultPath for the running
// binary's daemon command.
func ForCurrentExecutable() (*Manager, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return New(path, exe, "daemon"), nil
}

// Path returns the entry path.
func (m *Manager) Path() string {
	return m.path
}

// Exec returns the command line the entry should carry.
func (m *Manager) Exec() string {
	return m.exec
}

// Status inspects the entry.
func (m *Manager) Status() (Status, error) {
	st := Status{State: StateMissing, Path: m.path}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("failed to read autostart entry: %w", err)
	}

	values := parseEntry(data)
	st.Exec = values["Exec"]
	if strings.EqualFold(values["Hidden"], "true") {
		st.State = StateDisabled
		return st, nil
	}
	st.State = StateEnabled
	st.Stale = st.Exec != m.exec
	return st, nil
}

// Enable writes an entry that launches this executable.
func (m *Manager) Enable() error {
	return m.write(false)
}

// Disable keeps the entry but marks it Hidden so that desktop sessions skip
// it and EnsureOnFirstLaunch does not re-enable it.
func (m *Manager) Disable() error {
	return m.write(true)
}

// EnsureOnFirstLaunch registers the entry when none exists and rewrites an
// enabled entry that points at a different executable. A disabled entry is
// left untouched. It reports whether the file was written.
func (m *Manager) EnsureOnFirstLaunch() (bool, error) {
	st, err := m.Status()
	if err != nil {
		return false, err
	}
	switch {
	case st.State == StateMissing, st.State == StateEnabled && st.Stale:
		if err := m.Enable(); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (m *Manager) write(hidden bool) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create autostart directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(section + "\n")
	buf.WriteString("Type=Application\n")
	buf.WriteString("Name=bpfocus\n")
	buf.WriteString("Comment=Keep Steam Big Picture focused\n")
	buf.WriteString("Exec=" + m.exec + "\n")
	buf.WriteString("Terminal=false\n")
	buf.WriteString("NoDisplay=true\n")
	buf.WriteString("X-GNOME-Autostart-enabled=" + fmt.Sprint(!hidden) + "\n")
	if hidden {
		buf.WriteString("Hidden=true\n")
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write autostart entry: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install autostart entry: %w", err)
	}
	return nil
}

// parseEntry returns the keys of the [Desktop Entry] group. Localized keys
// and other groups are ignored.
func parseEntry(data []byte) map[string]string {
	values := make(map[string]string)
	inSection := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inSection = line == section
			continue
		}
		if !inSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if strings.Contains(key, "[") {
			continue
		}
		values[key] = strings.TrimSpace(value)
	}
	return values
}

// quoteExecArg quotes an Exec argument when it contains characters the
// desktop entry format reserves.
func quoteExecArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\><~|&;$*?#()`=") {
		return arg
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range arg {
		switch r {
		case '"', '`', '$', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
