package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
)

// Connection manages the X11 connection and core X resources
type Connection struct {
	XUtil *xgbutil.XUtil
	Root  xproto.Window
}

// NewConnection connects to the display named by $DISPLAY.
func NewConnection() (*Connection, error) {
	return NewConnectionDisplay("")
}

// NewConnectionDisplay connects to the named X display. An empty name uses
// $DISPLAY.
func NewConnectionDisplay(display string) (*Connection, error) {
	xu, err := xgbutil.NewConnDisplay(display)
	if err != nil {
		if display == "" {
			return nil, fmt.Errorf("failed to connect to X11: %w", err)
		}
		return nil, fmt.Errorf("failed to connect to X11 display %s: %w", display, err)
	}

	return &Connection{
		XUtil: xu,
		Root:  xu.RootWin(),
	}, nil
}

// Close cleanly disconnects from the X11 server
func (c *Connection) Close() {
	c.XUtil.Conn().Close()
}
