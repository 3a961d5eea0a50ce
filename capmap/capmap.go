// Package capmap discovers and describes the capabilities a touch
// controller exposes: groups of registers with a base address, a
// record size, an instance count and the range of report ids (or
// interrupt bits) they own.
//
// Two discovery protocols are supported. Object-table controllers
// describe themselves in a fixed table following an information block
// at register 0 (see ReadObjectTable). Function-scan controllers expose
// a descriptor table that is walked downwards from the top of each
// register page (see ScanFunctions).
//
// A Map is immutable once built. Rediscovery replaces it wholesale.
package capmap

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Reader reads consecutive registers, as implemented by a
// regbus.Device.
type Reader interface {
	Read(reg uint16, buf []byte) error
}

// Protocol identifies the discovery protocol, and with it the way
// report ids are assigned and events are retrieved.
type Protocol int

const (
	// ObjectTable maps use report ids, assigned from 1.
	ObjectTable Protocol = iota
	// FunctionScan maps use interrupt status bits, assigned from 0.
	FunctionScan
)

func (p Protocol) String() string {
	switch p {
	case ObjectTable:
		return "object-table"
	case FunctionScan:
		return "function-scan"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// firstID is the first assignable id.
func (p Protocol) firstID() int {
	if p == ObjectTable {
		// Report id 0 is reserved.
		return 1
	}
	return 0
}

// Name formats a capability type the way datasheets name them.
func (p Protocol) Name(typ uint8) string {
	if p == FunctionScan {
		return fmt.Sprintf("F%02X", typ)
	}
	return fmt.Sprintf("T%d", typ)
}

// Object-table capability types.
const (
	MessageProcessor uint8 = 5
	CommandProcessor uint8 = 6
	PowerConfig      uint8 = 7
	MultiTouch       uint8 = 9
	KeyArray         uint8 = 15
	UserData         uint8 = 38
	MessageCount     uint8 = 44
)

// Function-scan function numbers.
const (
	DeviceControl uint8 = 0x01
	Sensor2D      uint8 = 0x12
	Buttons       uint8 = 0x1a
	FlashProgram  uint8 = 0x34
)

// NoMessage is the report id of an empty message slot.
const NoMessage = 0xff

// Capability describes one group of registers.
type Capability struct {
	Type uint8
	// Base is the address of the first instance.
	Base uint16
	// Size is the size in bytes of one instance.
	Size      int
	Instances int
	// IDs is the number of report ids or interrupt bits owned by each
	// instance.
	IDs int
	// FirstID and LastID are the inclusive range of owned ids. They are
	// only valid if HasIDs.
	FirstID, LastID int

	// Register bases of function-scan capabilities. Base equals
	// Control for those.
	Query, Command, Control, Data uint16
	Version                       uint8
	// ControlRegs and DataRegs are the register descriptors of
	// function-scan capabilities that advertise them.
	ControlRegs, DataRegs *RegisterDescriptor
}

// HasIDs reports whether the capability owns any report id.
func (c Capability) HasIDs() bool {
	return c.IDs > 0 && c.Instances > 0
}

// End returns the address following the last instance.
func (c Capability) End() int {
	return int(c.Base) + c.Size*c.Instances
}

// Addr returns the base address of an instance.
func (c Capability) Addr(instance int) uint16 {
	return c.Base + uint16(c.Size*instance)
}

// Instance returns the instance owning id.
func (c Capability) Instance(id int) int {
	if c.IDs == 0 {
		return 0
	}
	return (id - c.FirstID) / c.IDs
}

// Identity identifies a controller and its firmware.
type Identity struct {
	Family, Variant  uint8
	Version, Build   uint8
	MatrixX, MatrixY uint8
	Objects          uint8
	// ProductID is only reported by function-scan controllers.
	ProductID string
}

// Bytes returns the 7-byte encoding used by information blocks and
// configuration files.
func (id Identity) Bytes() [7]byte {
	return [...]byte{id.Family, id.Variant, id.Version, id.Build, id.MatrixX, id.MatrixY, id.Objects}
}

// ParseIdentity decodes the 7-byte encoding.
func ParseIdentity(b []byte) Identity {
	_ = b[6]
	return Identity{
		Family:  b[0],
		Variant: b[1],
		Version: b[2],
		Build:   b[3],
		MatrixX: b[4],
		MatrixY: b[5],
		Objects: b[6],
	}
}

func (id Identity) String() string {
	s := fmt.Sprintf("family %#02x variant %#02x firmware %d.%d.%02x matrix %dx%d",
		id.Family, id.Variant, id.Version>>4, id.Version&0xf, id.Build, id.MatrixX, id.MatrixY)
	if id.ProductID != "" {
		s += " product " + id.ProductID
	}
	return s
}

// NotFoundError is returned when a mandatory capability is missing.
type NotFoundError struct {
	Protocol Protocol
	Type     uint8
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %s not found", e.Protocol.Name(e.Type))
}

// ChecksumError is returned when the information block checksum does
// not match its contents.
type ChecksumError struct {
	Stored, Computed uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("information block checksum %#06x, computed %#06x", e.Stored, e.Computed)
}

// Map is the set of capabilities discovered on a controller.
type Map struct {
	Protocol Protocol
	Identity Identity
	// InfoCRC is the checksum of the information block.
	InfoCRC uint32
	// Size is the size of the addressable register map.
	Size int
	// MaxID is the highest assigned id, or -1 if none.
	MaxID int
	// MessageSize is the size of a report record, excluding any
	// trailing checksum.
	MessageSize int

	caps   []Capability
	ranges []idRange
}

type idRange struct {
	first, last int
	cap         int
}

// New builds a map from capabilities in table order. Ids are assigned
// sequentially in that order: a capability with N ids per instance
// consumes N×Instances consecutive ids.
func New(p Protocol, id Identity, caps []Capability) (*Map, error) {
	m := &Map{
		Protocol: p,
		Identity: id,
		MaxID:    -1,
		caps:     make([]Capability, len(caps)),
	}
	copy(m.caps, caps)
	next := p.firstID()
	for i := range m.caps {
		c := &m.caps[i]
		if c.Instances <= 0 {
			c.Instances = 1
		}
		c.FirstID, c.LastID = 0, -1
		if c.HasIDs() {
			c.FirstID = next
			next += c.IDs * c.Instances
			c.LastID = next - 1
			m.MaxID = c.LastID
		}
		if end := c.End(); end > m.Size {
			m.Size = end
		}
	}
	sort.SliceStable(m.caps, func(i, j int) bool {
		return m.caps[i].Type < m.caps[j].Type
	})
	for i := 1; i < len(m.caps); i++ {
		if m.caps[i].Type == m.caps[i-1].Type {
			return nil, fmt.Errorf("capmap: duplicate capability %s", p.Name(m.caps[i].Type))
		}
	}
	for i, c := range m.caps {
		if c.HasIDs() {
			m.ranges = append(m.ranges, idRange{c.FirstID, c.LastID, i})
		}
	}
	sort.Slice(m.ranges, func(i, j int) bool {
		return m.ranges[i].first < m.ranges[j].first
	})
	return m, nil
}

// Get returns the capability of type typ.
func (m *Map) Get(typ uint8) (Capability, bool) {
	i, ok := slices.BinarySearchFunc(m.caps, typ, func(c Capability, t uint8) int {
		return int(c.Type) - int(t)
	})
	if !ok {
		return Capability{}, false
	}
	return m.caps[i], true
}

// Require is like Get but returns a NotFoundError for missing
// capabilities.
func (m *Map) Require(typ uint8) (Capability, error) {
	c, ok := m.Get(typ)
	if !ok {
		return Capability{}, &NotFoundError{Protocol: m.Protocol, Type: typ}
	}
	return c, nil
}

// Lookup returns the capability owning a report id or interrupt bit.
func (m *Map) Lookup(id int) (Capability, bool) {
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].last >= id
	})
	if i == len(m.ranges) || id < m.ranges[i].first {
		return Capability{}, false
	}
	return m.caps[m.ranges[i].cap], true
}

// Capabilities returns the capabilities ordered by type.
func (m *Map) Capabilities() []Capability {
	return slices.Clone(m.caps)
}

// ConfigArea returns the range of the writable configuration memory:
// from the lowest capability base to the end of the register map.
func (m *Map) ConfigArea() (start, end int) {
	if len(m.caps) == 0 {
		return 0, 0
	}
	start = int(m.caps[0].Base)
	for _, c := range m.caps[1:] {
		start = min(start, int(c.Base))
	}
	return start, m.Size
}

// MessageBufferSize is the buffer needed to read every pending
// message at once, including one count byte.
func (m *Map) MessageBufferSize() int {
	n := m.MaxID + 1
	if n < 1 {
		n = 1
	}
	return 1 + m.MessageSize*n
}

var errShortTable = errors.New("truncated table")
