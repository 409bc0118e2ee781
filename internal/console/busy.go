package console

import (
	"errors"

	"github.com/peterje/devrepl/internal/device"
	"github.com/peterje/devrepl/internal/webrepl"
)

// BusyPrompt asks the user whether to reconnect when the device is busy or
// gone. It asks once per failed operation.
func BusyPrompt(c *Console, ask func(prompt string) (string, error)) device.BusyFunc {
	return func(err error) device.BusyChoice {
		prompt := "Device not connected. Reconnect? [y/N] "
		if errors.Is(err, webrepl.ErrBusy) {
			c.Printf("Device is busy (%s).\n", c.Phase())
			prompt = "Reconnect? [y/N] "
		}
		if Confirm(ask, prompt) {
			return device.BusyReconnect
		}
		return device.BusyAbort
	}
}
