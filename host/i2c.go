// Package host connects controllers to the buses and interrupt lines
// of the host.
package host

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// OpenI2C opens the I2C bus with the given name, or the first one
// if name is empty. A non-zero speed sets the bus clock.
func OpenI2C(name string, speed physic.Frequency) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	if speed != 0 {
		if err := bus.SetSpeed(speed); err != nil {
			bus.Close()
			return nil, fmt.Errorf("host: %s: %w", bus, err)
		}
	}
	return bus, nil
}
