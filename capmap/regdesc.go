package capmap

import (
	"errors"
	"fmt"
	"math/bits"
)

// maxPresenceSize bounds the presence register of a register
// descriptor.
const maxPresenceSize = 35

// RegisterDescriptor lists the packet registers a function-scan
// capability implements, in register order.
type RegisterDescriptor struct {
	Registers []Register
}

// Register is one packet register.
type Register struct {
	// Index is the register number within its class (query, control
	// or data).
	Index int
	// Size in bytes.
	Size int
	// Subpackets is the bitmap of present subpackets.
	Subpackets []uint64
}

// NumSubpackets counts the present subpackets.
func (r Register) NumSubpackets() int {
	n := 0
	for _, w := range r.Subpackets {
		n += bits.OnesCount64(w)
	}
	return n
}

// Get returns the register with the given index.
func (d *RegisterDescriptor) Get(index int) (Register, bool) {
	if d == nil {
		return Register{}, false
	}
	for _, r := range d.Registers {
		if r.Index == index {
			return r, true
		}
	}
	return Register{}, false
}

// Offset returns the byte offset of a register within a block read of
// all registers.
func (d *RegisterDescriptor) Offset(index int) (int, bool) {
	if d == nil {
		return 0, false
	}
	off := 0
	for _, r := range d.Registers {
		if r.Index == index {
			return off, true
		}
		off += r.Size
	}
	return 0, false
}

// Size returns the total size of all registers.
func (d *RegisterDescriptor) Size() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, r := range d.Registers {
		n += r.Size
	}
	return n
}

// ReadRegisterDescriptor reads the descriptor at addr. A descriptor
// occupies three packet registers: the size of the presence register,
// the presence register and the register structure.
func ReadRegisterDescriptor(r Reader, addr uint16) (*RegisterDescriptor, error) {
	var sz [1]byte
	if err := r.Read(addr, sz[:]); err != nil {
		return nil, err
	}
	presenceSize := int(sz[0])
	if presenceSize == 0 || presenceSize > maxPresenceSize {
		return nil, fmt.Errorf("register descriptor at %#04x: presence size %d", addr, presenceSize)
	}
	presence := make([]byte, presenceSize)
	if err := r.Read(addr+1, presence); err != nil {
		return nil, err
	}
	structSize, bitmap := int(presence[0]), presence[1:]
	if presence[0] == 0 {
		if len(presence) < 3 {
			return nil, fmt.Errorf("register descriptor at %#04x: short presence register", addr)
		}
		structSize = int(presence[1]) | int(presence[2])<<8
		bitmap = presence[3:]
	}
	structure := make([]byte, structSize)
	if err := r.Read(addr+2, structure); err != nil {
		return nil, err
	}
	d, err := parseRegisterStructure(bitmap, structure)
	if err != nil {
		return nil, fmt.Errorf("register descriptor at %#04x: %w", addr, err)
	}
	return d, nil
}

var errShortStructure = errors.New("truncated register structure")

func parseRegisterStructure(presence, structure []byte) (*RegisterDescriptor, error) {
	d := new(RegisterDescriptor)
	next := func() (byte, error) {
		if len(structure) == 0 {
			return 0, errShortStructure
		}
		b := structure[0]
		structure = structure[1:]
		return b, nil
	}
	for i, p := range presence {
		for b := 0; b < 8; b++ {
			if p&(1<<b) == 0 {
				continue
			}
			reg := Register{Index: i*8 + b}
			// Sizes are encoded in 1, 2 or 4 bytes; a zero signals
			// the next wider encoding.
			s, err := next()
			if err != nil {
				return nil, err
			}
			reg.Size = int(s)
			for _, width := range []int{2, 4} {
				if reg.Size != 0 {
					break
				}
				for j := 0; j < width; j++ {
					v, err := next()
					if err != nil {
						return nil, err
					}
					reg.Size |= int(v) << (8 * j)
				}
			}
			// Subpacket bitmap, 7 bits per byte with a continuation
			// bit.
			bit := 0
			for {
				v, err := next()
				if err != nil {
					return nil, err
				}
				for k := 0; k < 7; k++ {
					if v&(1<<k) != 0 {
						w := bit / 64
						for len(reg.Subpackets) <= w {
							reg.Subpackets = append(reg.Subpackets, 0)
						}
						reg.Subpackets[w] |= 1 << (bit % 64)
					}
					bit++
				}
				if v&0x80 == 0 {
					break
				}
			}
			d.Registers = append(d.Registers, reg)
		}
	}
	return d, nil
}
