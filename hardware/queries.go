package hardware

// Synchronous query helpers for the quick read-only hardware commands. These
// run on the request path with the standard transport timeout; long-running
// motion commands go through the executor pool instead.

// Info returns the hardware server's info block.
func (c *Client) Info() (map[string]any, error) {
	return c.Send("info", nil)
}

// Commands returns the hardware server's advertised command list.
func (c *Client) Commands() (map[string]any, error) {
	return c.Send("commands", nil)
}

// Positions returns current positions of all waveplates for all motor servers.
func (c *Client) Positions() (map[string]any, error) {
	return c.Send("positions", nil)
}

// MotorInfo returns motor server information including waveplate names per
// party. The server wraps the payload in a "message" envelope; unwrap it.
func (c *Client) MotorInfo() (map[string]any, error) {
	reply, err := c.Send("get_motor_info", nil)
	if err != nil {
		return nil, err
	}
	if inner, ok := reply["message"].(map[string]any); ok {
		return inner, nil
	}
	return reply, nil
}

// CurrentPath returns the currently active polarization path.
func (c *Client) CurrentPath() (map[string]any, error) {
	return c.Send("get_current_path", nil)
}

// Paths derives the available polarization paths from the info block's
// settings table.
func (c *Client) Paths() (map[string]any, error) {
	reply, err := c.Info()
	if err != nil {
		return nil, err
	}
	settings := map[string]any{}
	if msg, ok := reply["message"].(map[string]any); ok {
		if s, ok := msg["settings"].(map[string]any); ok {
			settings = s
		}
	}
	paths := make([]string, 0, len(settings))
	for name := range settings {
		paths = append(paths, name)
	}
	return map[string]any{"paths": paths, "settings": settings}, nil
}
