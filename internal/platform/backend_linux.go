//go:build linux

package platform

import (
	"fmt"

	"github.com/1broseidon/bpfocus/internal/target"
	"github.com/1broseidon/bpfocus/internal/x11"
	"github.com/BurntSushi/xgb/xproto"
)

// X11Activator implements WindowActivator on an X11 connection using EWMH.
type X11Activator struct {
	conn *x11.Connection
}

var _ WindowActivator = (*X11Activator)(nil)

// NewX11Activator wraps an existing X11 connection.
func NewX11Activator(conn *x11.Connection) *X11Activator {
	return &X11Activator{conn: conn}
}

// NewActivator opens a connection to display ("" means $DISPLAY).
func NewActivator(display string) (*X11Activator, error) {
	conn, err := x11.NewConnectionDisplay(display)
	if err != nil {
		return nil, err
	}
	return &X11Activator{conn: conn}, nil
}

// Close closes the underlying X11 connection.
func (a *X11Activator) Close() {
	if a != nil && a.conn != nil {
		a.conn.Close()
	}
}

// Find scans the EWMH client list for the target window.
func (a *X11Activator) Find(class, title string) (WindowID, bool, error) {
	conn, err := a.connection()
	if err != nil {
		return 0, false, err
	}

	clients, err := conn.Clients()
	if err != nil {
		return 0, false, err
	}
	for _, c := range clients {
		if !target.MatchesWindow(class, title, c.Class, c.Instance, c.Title) {
			continue
		}
		if !conn.IsNormalWindow(c.Window) {
			continue
		}
		return WindowID(c.Window), true, nil
	}
	return 0, false, nil
}

// IsForeground compares id with _NET_ACTIVE_WINDOW.
func (a *X11Activator) IsForeground(id WindowID) (bool, error) {
	conn, err := a.connection()
	if err != nil {
		return false, err
	}

	active, err := conn.GetActiveWindow()
	if err != nil {
		return false, fmt.Errorf("failed to get active window: %w", err)
	}
	return WindowID(active) == id, nil
}

// ForceForeground asks the window manager to activate id. If the window
// manager does not make it active, the input focus is set and the window
// raised directly.
func (a *X11Activator) ForceForeground(id WindowID) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}

	win := xproto.Window(id)
	activateErr := conn.ActivateWindow(win)

	// Round trip so the window manager has seen our requests.
	conn.XUtil.Sync()

	if active, err := conn.GetActiveWindow(); err == nil && active == win {
		return nil
	}

	if err := conn.FocusInput(win); err != nil {
		if activateErr != nil {
			return fmt.Errorf("failed to activate window 0x%x: %w", id, activateErr)
		}
		return fmt.Errorf("failed to focus window 0x%x: %w", id, err)
	}
	if err := conn.RaiseWindow(win); err != nil {
		return fmt.Errorf("failed to raise window 0x%x: %w", id, err)
	}
	return nil
}

func (a *X11Activator) connection() (*x11.Connection, error) {
	if a == nil || a.conn == nil {
		return nil, fmt.Errorf("x11 connection is nil")
	}
	return a.conn, nil
}
