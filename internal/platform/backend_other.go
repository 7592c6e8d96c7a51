//go:build !linux

package platform

// X11Activator is unavailable outside Linux.
type X11Activator struct{}

var _ WindowActivator = (*X11Activator)(nil)

// NewActivator always fails on this platform.
func NewActivator(display string) (*X11Activator, error) {
	return nil, ErrNotSupported
}

func (a *X11Activator) Close() {}

func (a *X11Activator) Find(class, title string) (WindowID, bool, error) {
	return 0, false, ErrNotSupported
}

func (a *X11Activator) IsForeground(id WindowID) (bool, error) {
	return false, ErrNotSupported
}

func (a *X11Activator) ForceForeground(id WindowID) error {
	return ErrNotSupported
}
