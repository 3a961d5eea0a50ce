// Package regbus implements register access to devices with a flat
// 16-bit register address space, such as touch controllers on an I2C
// bus.
package regbus

import (
	"errors"
	"fmt"
	"time"
)

// Bus is a transport that addresses devices by bus address. It
// matches the shape of a periph.io i2c.Bus.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// ErrIO is wrapped by the errors returned when a transfer failed
// after all retries.
var ErrIO = errors.New("i/o error")

const (
	// DefaultAttempts is the number of transfers attempted before
	// giving up.
	DefaultAttempts = 10
	// DefaultRetryDelay allows a sleeping controller to wake up
	// between attempts.
	DefaultRetryDelay = 25 * time.Millisecond

	// maxWrite bounds the size of a single register write.
	maxWrite = 256
)

// Device addresses the registers of a single device on a Bus.
type Device struct {
	Bus  Bus
	Addr uint16
	// Attempts and RetryDelay override DefaultAttempts and
	// DefaultRetryDelay when non-zero.
	Attempts   int
	RetryDelay time.Duration

	scratch [2 + maxWrite]byte
}

// New returns a Device for the device at addr.
func New(bus Bus, addr uint16) *Device {
	return &Device{Bus: bus, Addr: addr}
}

// Read fills buf with the registers starting at reg.
func (d *Device) Read(reg uint16, buf []byte) error {
	req := d.scratch[:2]
	req[0], req[1] = byte(reg), byte(reg>>8)
	if err := d.tx(req, buf); err != nil {
		return fmt.Errorf("regbus: read %#04x+%d: %w", reg, len(buf), err)
	}
	return nil
}

// Write writes data to the registers starting at reg. Writes larger
// than the transfer limit are split.
func (d *Device) Write(reg uint16, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), maxWrite)
		req := d.scratch[:2+n]
		req[0], req[1] = byte(reg), byte(reg>>8)
		copy(req[2:], data[:n])
		if err := d.tx(req, nil); err != nil {
			return fmt.Errorf("regbus: write %#04x+%d: %w", reg, n, err)
		}
		data = data[n:]
		reg += uint16(n)
	}
	return nil
}

// ReadReg reads a single register.
func (d *Device) ReadReg(reg uint16) (byte, error) {
	var b [1]byte
	err := d.Read(reg, b[:])
	return b[0], err
}

// WriteReg writes a single register.
func (d *Device) WriteReg(reg uint16, val byte) error {
	return d.Write(reg, []byte{val})
}

func (d *Device) tx(w, r []byte) error {
	attempts := d.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := d.RetryDelay
	if delay == 0 {
		delay = DefaultRetryDelay
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		if err = d.Bus.Tx(d.Addr, w, r); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrIO, attempts, err)
}
