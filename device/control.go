package device

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang/glog"
	"touchctl.org/capmap"
	"touchctl.org/config"
	"touchctl.org/flash"
	"touchctl.org/fwimage"
	"touchctl.org/signal"
)

// SetForceReflash makes StartReflash program images that match the
// running firmware.
func (d *Device) SetForceReflash(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.force = force
}

// StartReflash programs the firmware of img and rediscovers the
// controller. A failed transfer leaves the device in the Bootloader
// state; calling StartReflash again resumes from there.
func (d *Device) StartReflash(img *fwimage.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.startReflash(img); err != nil {
		return fmt.Errorf("device: reflash: %w", err)
	}
	return nil
}

func (d *Device) startReflash(img *fwimage.Image) error {
	if d.opts.Protocol != capmap.ObjectTable {
		return ErrUnsupported
	}
	if d.state == Invalid {
		if !d.force {
			return ErrInvalidState
		}
		if d.findBootloader() {
			d.transition(BootloaderDetected)
		}
	}
	if d.opts.TrustedKey != nil {
		if err := img.Verify(d.opts.TrustedKey); err != nil {
			return err
		}
	}
	frames, err := img.Frames()
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("image without firmware")
	}
	var t6 capmap.Capability
	family := img.Family
	if !d.inBootloader {
		id, caps, err := d.runningFirmware()
		if err != nil {
			return err
		}
		if err := img.Matches(id); err != nil {
			return err
		}
		if !d.force && img.Current(id) {
			return ErrUpToDate
		}
		i := slices.IndexFunc(caps, func(c capmap.Capability) bool { return c.Type == capmap.CommandProcessor })
		if i < 0 {
			return &capmap.NotFoundError{Protocol: capmap.ObjectTable, Type: capmap.CommandProcessor}
		}
		t6, family = caps[i], id.Family
	}
	glog.Infof("device %#02x: programming %v, %d frames", d.opts.Addr, img, len(frames))

	wasBootloader := d.inBootloader
	d.transition(BeginReflash)
	if !wasBootloader {
		d.sig.Clear()
		if err := d.dev.WriteReg(t6.Base+cmdReset, bootValue); err != nil {
			d.transition(DiscoveryFailed)
			return fmt.Errorf("enter bootloader: %w", err)
		}
		addr, err := d.waitBootloader(family)
		if err != nil {
			d.transition(DiscoveryFailed)
			return err
		}
		d.blAddr = addr
	}

	opts := d.opts.Flash
	opts.Ready = func() {
		d.transition(FramesFlowing)
		if d.opts.Flash.Ready != nil {
			d.opts.Flash.Ready()
		}
	}
	p := flash.New(d.bus, d.blAddr, &d.sig, opts)
	if err := p.Program(frames); err != nil {
		d.transition(BootloaderDetected)
		return err
	}
	if err := d.initialize(); err != nil {
		return err
	}
	if d.state == Bootloader {
		return fmt.Errorf("application did not start: %w", signal.ErrTimeout)
	}
	return nil
}

// runningFirmware returns the identity and capabilities of the
// application firmware. An Invalid device has no map; its object table
// is read without checking the information block.
func (d *Device) runningFirmware() (capmap.Identity, []capmap.Capability, error) {
	switch {
	case d.m != nil:
		return d.m.Identity, d.m.Capabilities(), nil
	case d.state == Invalid:
		return capmap.ReadObjectTableUnchecked(d.dev)
	}
	return capmap.Identity{}, nil, ErrInvalidState
}

// waitBootloader waits for the bootloader to answer at one of its
// addresses.
func (d *Device) waitBootloader(family uint8) (uint16, error) {
	var addrs []uint16
	for _, retry := range []bool{false, true} {
		addr, err := flash.LookupAddress(d.opts.Addr, family, retry)
		if err != nil {
			return 0, err
		}
		addrs = append(addrs, addr)
	}
	deadline := time.Now().Add(d.opts.ResetTimeout)
	for {
		var last error
		for _, addr := range addrs {
			_, err := flash.New(d.bus, addr, nil, d.opts.Flash).Probe()
			if err == nil {
				return addr, nil
			}
			last = err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, last
		}
		d.sig.Wait(min(remaining, d.opts.PollInterval))
	}
}

// ApplyConfig writes a configuration blob, persists it and resets the
// controller.
func (d *Device) ApplyConfig(b *config.Blob) (*config.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Active && d.state != Standby {
		return nil, ErrInvalidState
	}
	if d.m.Protocol != capmap.ObjectTable {
		return nil, ErrUnsupported
	}
	return config.Apply(d.dev, controller{d}, b, d.opts.Config)
}

// SaveConfig reads the running configuration.
func (d *Device) SaveConfig() (*config.Blob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		return nil, ErrInvalidState
	}
	if d.m.Protocol != capmap.ObjectTable {
		return nil, ErrUnsupported
	}
	crc, err := d.configChecksum()
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	return config.Snapshot(d.dev, d.m, crc)
}

// CapabilityTable renders the capability map as text.
func (d *Device) CapabilityTable() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		return ""
	}
	return d.m.String()
}

// SetReporting enables or disables the delivery of input to the sink.
// Disabling lifts every contact first.
func (d *Device) SetReporting(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !enabled && d.reporting && d.disp != nil {
		d.disp.ReleaseAll()
	}
	d.reporting = enabled
}

// controller adapts a locked Device for config.Apply.
type controller struct {
	d *Device
}

func (c controller) Map() *capmap.Map {
	return c.d.m
}

func (c controller) ConfigChecksum() (uint32, error) {
	return c.d.configChecksum()
}

func (c controller) Backup() error {
	return c.d.backup()
}

func (c controller) Reset() error {
	return c.d.reset()
}

func (c controller) Rediscover() error {
	return c.d.rediscover()
}
