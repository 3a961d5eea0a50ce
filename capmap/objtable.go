package capmap

import (
	"encoding/binary"
	"fmt"

	"touchctl.org/crc24"
)

const (
	// InfoHeaderSize is the size of the information block header.
	InfoHeaderSize = 7
	// ObjectEntrySize is the size of an object table entry.
	ObjectEntrySize = 6
	infoCRCSize     = 3
)

// ReadObjectTable discovers the capabilities of an object-table
// controller. It reads the information block header, then the
// object table it announces and the information block checksum.
func ReadObjectTable(r Reader) (*Map, error) {
	m, err := readObjectTable(r)
	if err != nil {
		return nil, fmt.Errorf("capmap: %w", err)
	}
	return m, nil
}

func readObjectTable(r Reader) (*Map, error) {
	id, body, stored, err := readInfoBlock(r)
	if err != nil {
		return nil, err
	}
	if computed := crc24.Checksum(body); stored != computed {
		return nil, &ChecksumError{Stored: stored, Computed: computed}
	}
	caps, err := ParseObjectTable(body[InfoHeaderSize:])
	if err != nil {
		return nil, err
	}
	m, err := New(ObjectTable, id, caps)
	if err != nil {
		return nil, err
	}
	m.InfoCRC = stored
	if _, err := m.Require(CommandProcessor); err != nil {
		return nil, err
	}
	t5, err := m.Require(MessageProcessor)
	if err != nil {
		return nil, err
	}
	// The last byte of a message is a checksum that is only
	// transmitted on request.
	m.MessageSize = t5.Size - 1
	if m.MessageSize < 1 {
		return nil, fmt.Errorf("%s size %d too small", ObjectTable.Name(MessageProcessor), t5.Size)
	}
	return m, nil
}

// ReadObjectTableUnchecked reads the identity and object table of a
// controller whose information block checksum may be corrupt. The
// entries are returned in table order without validation.
func ReadObjectTableUnchecked(r Reader) (Identity, []Capability, error) {
	id, body, _, err := readInfoBlock(r)
	if err != nil {
		return Identity{}, nil, fmt.Errorf("capmap: %w", err)
	}
	caps, err := ParseObjectTable(body[InfoHeaderSize:])
	if err != nil {
		return Identity{}, nil, fmt.Errorf("capmap: %w", err)
	}
	return id, caps, nil
}

// readInfoBlock reads the information block header, the object table
// it announces and the stored checksum.
func readInfoBlock(r Reader) (Identity, []byte, uint32, error) {
	var hdr [InfoHeaderSize]byte
	if err := r.Read(0, hdr[:]); err != nil {
		return Identity{}, nil, 0, fmt.Errorf("information block: %w", err)
	}
	id := ParseIdentity(hdr[:])
	block := make([]byte, InfoHeaderSize+int(id.Objects)*ObjectEntrySize+infoCRCSize)
	copy(block, hdr[:])
	if err := r.Read(InfoHeaderSize, block[InfoHeaderSize:]); err != nil {
		return Identity{}, nil, 0, fmt.Errorf("object table: %w", err)
	}
	body := block[:len(block)-infoCRCSize]
	return id, body, crc24.Decode(block[len(body):]), nil
}

// ParseObjectTable decodes object table entries in table order.
func ParseObjectTable(table []byte) ([]Capability, error) {
	if len(table)%ObjectEntrySize != 0 {
		return nil, errShortTable
	}
	var caps []Capability
	for len(table) > 0 {
		e := table[:ObjectEntrySize]
		table = table[ObjectEntrySize:]
		caps = append(caps, Capability{
			Type:      e[0],
			Base:      binary.LittleEndian.Uint16(e[1:3]),
			Size:      int(e[3]) + 1,
			Instances: int(e[4]) + 1,
			IDs:       int(e[5]),
		})
	}
	return caps, nil
}

// EncodeInfoBlock encodes an information block: the identity header,
// one entry per capability in table order and the checksum. The object
// count of id is replaced by len(caps).
func EncodeInfoBlock(id Identity, caps []Capability) []byte {
	id.Objects = uint8(len(caps))
	hdr := id.Bytes()
	b := append([]byte{}, hdr[:]...)
	for _, c := range caps {
		inst := c.Instances
		if inst <= 0 {
			inst = 1
		}
		b = append(b, c.Type, byte(c.Base), byte(c.Base>>8), byte(c.Size-1), byte(inst-1), byte(c.IDs))
	}
	var crc [infoCRCSize]byte
	crc24.Encode(crc[:], crc24.Checksum(b))
	return append(b, crc[:]...)
}
