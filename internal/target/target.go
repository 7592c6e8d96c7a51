// Package target holds the fixed identity of the watched process and window.
package target

import (
	"path/filepath"
	"strings"
)

const (
	// RootProcessName is the process whose tree is watched.
	RootProcessName = "steam"

	// WindowClass is the WM_CLASS (class or instance part) of the Big Picture window.
	WindowClass = "steam"

	// WindowTitle is the title of the Big Picture window.
	WindowTitle = "Steam Big Picture Mode"
)

// MatchesProcessName reports whether a process identified by its comm name
// and executable path has the given name. Matching is case-insensitive and
// accepts either the comm name or the executable base name, since the kernel
// truncates comm to 15 bytes.
func MatchesProcessName(name, comm, exe string) bool {
	if name == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(comm), name) {
		return true
	}
	if exe == "" {
		return false
	}
	base := filepath.Base(exe)
	base = strings.TrimSuffix(base, " (deleted)")
	return strings.EqualFold(base, name)
}

// MatchesWindow reports whether a window's WM_CLASS parts and title match
// the wanted class and title. Class compares against either part. Both
// comparisons ignore case, and the title is trimmed first.
func MatchesWindow(wantClass, wantTitle, class, instance, title string) bool {
	if wantClass != "" &&
		!strings.EqualFold(strings.TrimSpace(class), wantClass) &&
		!strings.EqualFold(strings.TrimSpace(instance), wantClass) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(title), wantTitle)
}
