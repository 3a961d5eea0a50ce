package capmap

import (
	"bytes"
	"fmt"
)

const (
	pdtStart     = 0x00e9
	pdtEnd       = 0x000a
	pdtEntrySize = 6
	pageSize     = 0x100
	maxPages     = 8

	// productIDOffset is the offset of the product id in the device
	// control query registers.
	productIDOffset = 11
	productIDSize   = 10
)

// ScanFunctions discovers the capabilities of a function-scan
// controller by walking the descriptor table of each register page
// downwards. A page ends at the first empty entry and the scan ends at
// the first page without entries.
func ScanFunctions(r Reader) (*Map, error) {
	m, err := scanFunctions(r)
	if err != nil {
		return nil, fmt.Errorf("capmap: %w", err)
	}
	return m, nil
}

func scanFunctions(r Reader) (*Map, error) {
	var caps []Capability
	for page := 0; page < maxPages; page++ {
		found, err := scanPage(r, uint16(page*pageSize), &caps)
		if err != nil {
			return nil, err
		}
		if found == 0 {
			break
		}
	}
	for i := range caps {
		c := &caps[i]
		if c.Type != Sensor2D {
			continue
		}
		if err := readSensorDescriptors(r, c); err != nil {
			return nil, fmt.Errorf("%s: %w", FunctionScan.Name(c.Type), err)
		}
	}
	m, err := New(FunctionScan, Identity{}, caps)
	if err != nil {
		return nil, err
	}
	f01, err := m.Require(DeviceControl)
	if err != nil {
		return nil, err
	}
	id, err := readProductIdentity(r, f01.Query)
	if err != nil {
		return nil, err
	}
	id.Objects = uint8(len(caps))
	m.Identity = id
	// One report is the interrupt status register, one bit per id.
	m.MessageSize = (m.MaxID + 8) / 8
	return m, nil
}

func scanPage(r Reader, base uint16, caps *[]Capability) (int, error) {
	found := 0
	for addr := base + pdtStart; addr >= base+pdtEnd; addr -= pdtEntrySize {
		var e [pdtEntrySize]byte
		if err := r.Read(addr, e[:]); err != nil {
			return 0, fmt.Errorf("descriptor at %#04x: %w", addr, err)
		}
		fn := e[5]
		if fn == 0x00 || fn == 0xff {
			break
		}
		c := Capability{
			Type:      fn,
			Query:     base | uint16(e[0]),
			Command:   base | uint16(e[1]),
			Control:   base | uint16(e[2]),
			Data:      base | uint16(e[3]),
			IDs:       int(e[4] & 0x07),
			Version:   (e[4] >> 5) & 0x03,
			Instances: 1,
		}
		c.Base = c.Control
		*caps = append(*caps, c)
		found++
	}
	return found, nil
}

// readSensorDescriptors reads the register descriptors of a 2D sensor.
// They follow the first query register: query, control and data
// descriptors in that order.
func readSensorDescriptors(r Reader, c *Capability) error {
	var q [1]byte
	if err := r.Read(c.Query, q[:]); err != nil {
		return err
	}
	if q[0]&0x01 == 0 {
		// No descriptors; the function is usable for interrupt
		// routing only.
		return nil
	}
	var err error
	if c.ControlRegs, err = ReadRegisterDescriptor(r, c.Query+4); err != nil {
		return err
	}
	if c.DataRegs, err = ReadRegisterDescriptor(r, c.Query+7); err != nil {
		return err
	}
	c.Size = c.ControlRegs.Size()
	return nil
}

func readProductIdentity(r Reader, query uint16) (Identity, error) {
	var q [productIDOffset + productIDSize]byte
	if err := r.Read(query, q[:]); err != nil {
		return Identity{}, fmt.Errorf("product identity: %w", err)
	}
	pid := q[productIDOffset:]
	if i := bytes.IndexByte(pid, 0); i >= 0 {
		pid = pid[:i]
	}
	return Identity{
		Family:    q[0],
		Variant:   q[1],
		Version:   q[2],
		Build:     q[3],
		ProductID: string(pid),
	}, nil
}
