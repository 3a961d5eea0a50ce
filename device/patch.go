package device

import "github.com/golang/glog"

// AddPatch queues a register patch. Patches are applied whenever the
// device enters the Active state, and at once if it is active.
func (d *Device) AddPatch(p Patch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patches = append(d.patches, p)
	if d.state == Active {
		d.applyPatches()
	}
}

// PendingPatches returns the number of patches not yet applied.
func (d *Device) PendingPatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.patches)
}

// applyPatches applies the pending patches. Patches that failed with a
// bus error stay pending.
func (d *Device) applyPatches() {
	if d.m == nil {
		return
	}
	var pending []Patch
	for _, p := range d.patches {
		name := d.m.Protocol.Name(p.Type)
		c, ok := d.m.Get(p.Type)
		if !ok || p.Offset < 0 || p.Offset >= c.Size {
			glog.Warningf("device %#02x: dropping patch of %s offset %d", d.opts.Addr, name, p.Offset)
			continue
		}
		reg := c.Base + uint16(p.Offset)
		val := p.Value
		if p.Mask != 0 {
			old, err := d.dev.ReadReg(reg)
			if err != nil {
				glog.Warningf("device %#02x: patch %s: %v", d.opts.Addr, name, err)
				pending = append(pending, p)
				continue
			}
			val = old&^p.Mask | p.Value&p.Mask
		}
		if err := d.dev.WriteReg(reg, val); err != nil {
			glog.Warningf("device %#02x: patch %s: %v", d.opts.Addr, name, err)
			pending = append(pending, p)
			continue
		}
		glog.V(1).Infof("device %#02x: patched %s[%d] = %#02x", d.opts.Addr, name, p.Offset, val)
	}
	d.patches = pending
}
