package regbus

import (
	"errors"
	"fmt"
)

// pageSelect is the register that selects the active page on
// devices with paged 8-bit register addressing.
const pageSelect = 0xff

// Paged adapts a Bus for devices that expose their 16-bit register
// space as 256-byte pages behind 8-bit register addresses. The high
// byte of the register address selects the page, which is written to
// the page select register before the first transfer in a new page.
type Paged struct {
	bus   Bus
	page  int
	valid bool
	buf   [1 + maxWrite]byte
}

// NewPaged wraps bus.
func NewPaged(bus Bus) *Paged {
	return &Paged{bus: bus}
}

// Tx translates a Device transfer. w must start with the little-endian
// register address.
func (p *Paged) Tx(addr uint16, w, r []byte) error {
	if len(w) < 2 {
		return errors.New("regbus: paged transfer without register address")
	}
	if len(w)-1 > len(p.buf) {
		return fmt.Errorf("regbus: paged write of %d bytes too large", len(w)-2)
	}
	page := int(w[1])
	if !p.valid || page != p.page {
		if err := p.bus.Tx(addr, []byte{pageSelect, byte(page)}, nil); err != nil {
			p.valid = false
			return fmt.Errorf("select page %d: %w", page, err)
		}
		p.page, p.valid = page, true
	}
	req := p.buf[:len(w)-1]
	req[0] = w[0]
	copy(req[1:], w[2:])
	return p.bus.Tx(addr, req, r)
}

// Invalidate forgets the selected page, for example after the device
// was reset.
func (p *Paged) Invalidate() {
	p.valid = false
}
