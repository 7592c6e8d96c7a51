package x11

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
)

// ClientInfo is the identifying metadata of a managed top-level window.
type ClientInfo struct {
	Window   xproto.Window
	Class    string
	Instance string
	Title    string
}

// Clients returns the identity of every window in _NET_CLIENT_LIST.
func (c *Connection) Clients() ([]ClientInfo, error) {
	clients, err := ewmh.ClientListGet(c.XUtil)
	if err != nil {
		return nil, fmt.Errorf("failed to get client list: %w", err)
	}

	infos := make([]ClientInfo, 0, len(clients))
	for _, win := range clients {
		info := ClientInfo{Window: win, Title: c.WindowTitle(win)}
		if wmClass, err := icccm.WmClassGet(c.XUtil, win); err == nil {
			info.Class = strings.TrimSpace(wmClass.Class)
			info.Instance = strings.TrimSpace(wmClass.Instance)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// WindowTitle returns _NET_WM_NAME, falling back to WM_NAME.
func (c *Connection) WindowTitle(windowID xproto.Window) string {
	title, err := ewmh.WmNameGet(c.XUtil, windowID)
	if err == nil {
		title = strings.TrimSpace(title)
		if title != "" {
			return title
		}
	}

	title, err = icccm.WmNameGet(c.XUtil, windowID)
	if err == nil {
		return strings.TrimSpace(title)
	}
	return ""
}

// IsNormalWindow checks if a window is a normal application window
func (c *Connection) IsNormalWindow(windowID xproto.Window) bool {
	types, err := ewmh.WmWindowTypeGet(c.XUtil, windowID)
	if err != nil {
		// If we can't determine type, assume it's normal
		return true
	}

	for _, t := range types {
		if t == "_NET_WM_WINDOW_TYPE_NORMAL" {
			return true
		}
		if t == "_NET_WM_WINDOW_TYPE_DESKTOP" ||
			t == "_NET_WM_WINDOW_TYPE_DOCK" ||
			t == "_NET_WM_WINDOW_TYPE_SPLASH" ||
			t == "_NET_WM_WINDOW_TYPE_NOTIFICATION" {
			return false
		}
	}

	return len(types) == 0
}

// GetActiveWindow returns _NET_ACTIVE_WINDOW, or 0 when nothing is active.
func (c *Connection) GetActiveWindow() (xproto.Window, error) {
	return ewmh.ActiveWindowGet(c.XUtil)
}

// IsHidden reports whether the window carries _NET_WM_STATE_HIDDEN.
func (c *Connection) IsHidden(windowID xproto.Window) bool {
	states, err := ewmh.WmStateGet(c.XUtil, windowID)
	if err != nil {
		return false
	}
	for _, state := range states {
		if state == "_NET_WM_STATE_HIDDEN" {
			return true
		}
	}
	return false
}

// ActivateWindow brings windowID to the foreground.
//
// The request is sent as a pager on behalf of the currently active window,
// using that window's last user time, so that window managers with
// focus-stealing prevention honour it. The window's desktop is made current
// and a minimized window is restored first. Errors from the individual
// steps are joined; the caller decides whether the result is good enough by
// re-querying the active window.
func (c *Connection) ActivateWindow(windowID xproto.Window) error {
	var errs []error

	if desktop, err := c.GetWindowDesktop(windowID); err == nil && desktop >= 0 {
		if current, err := c.GetCurrentDesktop(); err == nil && current != desktop {
			if err := c.SetCurrentDesktop(desktop); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if c.IsHidden(windowID) {
		hidden, err := c.atom("_NET_WM_STATE_HIDDEN")
		if err != nil {
			errs = append(errs, err)
		} else if err := c.sendRootMessage(windowID, "_NET_WM_STATE", stateRemove, uint32(hidden), 0, sourcePager); err != nil {
			errs = append(errs, err)
		}
	}

	requester, _ := c.GetActiveWindow()
	var timestamp uint32
	if requester != 0 {
		if t, err := ewmh.WmUserTimeGet(c.XUtil, requester); err == nil {
			timestamp = uint32(t)
		}
	}
	if err := c.sendRootMessage(windowID, "_NET_ACTIVE_WINDOW", sourcePager, timestamp, uint32(requester)); err != nil {
		errs = append(errs, err)
	}

	if err := c.sendRootMessage(windowID, "_NET_RESTACK_WINDOW", sourcePager, 0, uint32(xproto.StackModeAbove)); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// FocusInput sets the X input focus directly, bypassing the window manager.
func (c *Connection) FocusInput(windowID xproto.Window) error {
	return xproto.SetInputFocusChecked(
		c.XUtil.Conn(),
		xproto.InputFocusPointerRoot,
		windowID,
		xproto.TimeCurrentTime,
	).Check()
}

// RaiseWindow restacks the window above its siblings without the window
// manager.
func (c *Connection) RaiseWindow(windowID xproto.Window) error {
	return xproto.ConfigureWindowChecked(
		c.XUtil.Conn(),
		windowID,
		xproto.ConfigWindowStackMode,
		[]uint32{xproto.StackModeAbove},
	).Check()
}
