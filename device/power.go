package device

import (
	"fmt"

	"github.com/golang/glog"
	"touchctl.org/capmap"
)

// Function-scan device control sleep modes, in the low bits of control
// register 0.
const (
	sleepMask   = 0x03
	sleepNormal = 0x00
	sleepSensor = 0x01
)

// Suspend stops the controller from scanning and lifts every contact.
// Interrupts stay enabled only for wake-capable devices.
func (d *Device) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Suspend:
		return nil
	case Active:
	default:
		return ErrInvalidState
	}
	d.transition(SuspendRequested)
	if err := d.sleep(true); err != nil {
		glog.Warningf("device %#02x: suspend: %v", d.opts.Addr, err)
	}
	if d.disp != nil {
		d.disp.ReleaseAll()
	}
	return nil
}

// Resume restores scanning after Suspend.
func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Active:
		return nil
	case Suspend:
	default:
		return ErrInvalidState
	}
	if err := d.sleep(false); err != nil {
		return fmt.Errorf("device: resume: %w", err)
	}
	d.transition(ResumeRequested)
	return nil
}

// PowerDown stops event delivery without changing the controller
// configuration.
func (d *Device) PowerDown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Standby:
		return nil
	case Active:
	default:
		return ErrInvalidState
	}
	d.transition(PowerDownRequested)
	if d.disp != nil {
		d.disp.ReleaseAll()
	}
	return nil
}

// PowerUp resumes event delivery after PowerDown or a first discovery.
func (d *Device) PowerUp() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Active:
		return nil
	case Standby:
	default:
		return ErrInvalidState
	}
	d.transition(PowerUpRequested)
	return nil
}

// sleep switches the controller between its low-power and normal
// configuration.
func (d *Device) sleep(on bool) error {
	switch d.m.Protocol {
	case capmap.ObjectTable:
		// Zero acquisition intervals stop scanning.
		t7, ok := d.m.Get(capmap.PowerConfig)
		if !ok {
			return nil
		}
		if on {
			if err := d.dev.Read(t7.Base, d.powerCfg[:]); err != nil {
				return err
			}
			return d.dev.Write(t7.Base, []byte{0, 0})
		}
		return d.dev.Write(t7.Base, d.powerCfg[:])
	case capmap.FunctionScan:
		f01, err := d.m.Require(capmap.DeviceControl)
		if err != nil {
			return err
		}
		ctrl, err := d.dev.ReadReg(f01.Control)
		if err != nil {
			return err
		}
		mode := byte(sleepNormal)
		if on {
			mode = sleepSensor
		}
		return d.dev.WriteReg(f01.Control, ctrl&^sleepMask|mode)
	}
	return nil
}
