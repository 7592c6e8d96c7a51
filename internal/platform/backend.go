package platform

import "errors"

// WindowID is a platform-neutral window identifier.
type WindowID uint32

// ErrNotSupported is returned by NewActivator on platforms without a
// window activation backend.
var ErrNotSupported = errors.New("window activation is not supported on this platform")

// WindowActivator finds the target window and raises it.
type WindowActivator interface {
	// Find returns the first top-level window whose class and title match.
	// The bool is false when no such window exists.
	Find(class, title string) (WindowID, bool, error)

	// IsForeground reports whether id is the active window.
	IsForeground(id WindowID) (bool, error)

	// ForceForeground activates and raises id even when the window manager
	// would otherwise refuse to let a background client steal focus.
	ForceForeground(id WindowID) error
}
