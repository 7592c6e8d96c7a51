package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/xprop"
)

// sourcePager marks client messages as coming from a pager, which window
// managers exempt from focus-stealing prevention.
const sourcePager = 2

// stateRemove is the _NET_WM_STATE action that clears a property.
const stateRemove = 0

// GetCurrentDesktop returns the current virtual desktop number (0-indexed).
// Uses _NET_CURRENT_DESKTOP atom.
func (c *Connection) GetCurrentDesktop() (int, error) {
	desktop, err := ewmh.CurrentDesktopGet(c.XUtil)
	if err != nil {
		return 0, fmt.Errorf("failed to get current desktop: %w", err)
	}
	return int(desktop), nil
}

// GetWindowDesktop returns the desktop number a window is on.
// Uses _NET_WM_DESKTOP atom. Returns -1 for "sticky" windows (visible on all desktops).
func (c *Connection) GetWindowDesktop(windowID xproto.Window) (int, error) {
	desktop, err := ewmh.WmDesktopGet(c.XUtil, windowID)
	if err != nil {
		return 0, fmt.Errorf("failed to get window desktop: %w", err)
	}
	// 0xFFFFFFFF means the window is on all desktops (sticky)
	if desktop == 0xFFFFFFFF {
		return -1, nil
	}
	return int(desktop), nil
}

// SetCurrentDesktop switches to the given virtual desktop.
func (c *Connection) SetCurrentDesktop(desktop int) error {
	return c.sendRootMessage(c.Root, "_NET_CURRENT_DESKTOP", uint32(desktop), uint32(xproto.TimeCurrentTime))
}

func (c *Connection) atom(name string) (xproto.Atom, error) {
	atom, err := xprop.Atm(c.XUtil, name)
	if err != nil {
		return 0, fmt.Errorf("failed to intern %s: %w", name, err)
	}
	return atom, nil
}

// sendRootMessage sends an EWMH client message to the root window.
// We build the message manually because the xgbutil ewmh request helpers
// panic on this library version (uint vs int type assertion).
func (c *Connection) sendRootMessage(window xproto.Window, atomName string, data ...uint32) error {
	atom, err := c.atom(atomName)
	if err != nil {
		return err
	}

	payload := make([]uint32, 5)
	copy(payload, data)

	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: window,
		Type:   atom,
		Data:   xproto.ClientMessageDataUnionData32New(payload),
	}

	return xproto.SendEventChecked(
		c.XUtil.Conn(),
		false,
		c.Root,
		xproto.EventMaskSubstructureRedirect|xproto.EventMaskSubstructureNotify,
		string(ev.Bytes()),
	).Check()
}
