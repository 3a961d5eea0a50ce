package capmap

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// WriteText writes the capability table, one capability per line.
func (m *Map) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s: %s\n", m.Protocol, m.Identity)
	if m.Protocol == ObjectTable {
		fmt.Fprintf(bw, "info block crc %#06x, %d registers, %d report ids\n", m.InfoCRC, m.Size, m.MaxID)
	}
	for _, c := range m.caps {
		name := m.Protocol.Name(c.Type)
		switch m.Protocol {
		case FunctionScan:
			fmt.Fprintf(bw, "%-4s query %#04x command %#04x control %#04x data %#04x version %d",
				name, c.Query, c.Command, c.Control, c.Data, c.Version)
		default:
			fmt.Fprintf(bw, "%-4s base %#04x size %3d instances %2d", name, c.Base, c.Size, c.Instances)
		}
		if c.HasIDs() {
			fmt.Fprintf(bw, " ids %d-%d", c.FirstID, c.LastID)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func (m *Map) String() string {
	b := new(strings.Builder)
	m.WriteText(b)
	return b.String()
}

type mapRecord struct {
	Protocol     int         `cbor:"1,keyasint"`
	Identity     []byte      `cbor:"2,keyasint"`
	ProductID    string      `cbor:"3,keyasint,omitempty"`
	InfoCRC      uint32      `cbor:"4,keyasint"`
	MessageSize  int         `cbor:"5,keyasint"`
	Capabilities []capRecord `cbor:"6,keyasint"`
}

type capRecord struct {
	Type      uint8    `cbor:"1,keyasint"`
	Base      uint16   `cbor:"2,keyasint"`
	Size      int      `cbor:"3,keyasint"`
	Instances int      `cbor:"4,keyasint"`
	IDs       int      `cbor:"5,keyasint"`
	Bases     []uint16 `cbor:"6,keyasint,omitempty"`
	Version   uint8    `cbor:"7,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// MarshalCBOR encodes the map in table order of id assignment so that
// decoding reproduces the same ids. Register descriptors are not
// encoded.
func (m *Map) MarshalCBOR() ([]byte, error) {
	id := m.Identity.Bytes()
	rec := mapRecord{
		Protocol:    int(m.Protocol),
		Identity:    id[:],
		ProductID:   m.Identity.ProductID,
		InfoCRC:     m.InfoCRC,
		MessageSize: m.MessageSize,
	}
	for _, c := range m.tableOrder() {
		cr := capRecord{
			Type:      c.Type,
			Base:      c.Base,
			Size:      c.Size,
			Instances: c.Instances,
			IDs:       c.IDs,
			Version:   c.Version,
		}
		if m.Protocol == FunctionScan {
			cr.Bases = []uint16{c.Query, c.Command, c.Control, c.Data}
		}
		rec.Capabilities = append(rec.Capabilities, cr)
	}
	return encMode.Marshal(rec)
}

// UnmarshalCBOR decodes a map encoded by MarshalCBOR.
func (m *Map) UnmarshalCBOR(data []byte) error {
	var rec mapRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("capmap: %w", err)
	}
	if len(rec.Identity) != 7 {
		return fmt.Errorf("capmap: identity of %d bytes", len(rec.Identity))
	}
	id := ParseIdentity(rec.Identity)
	id.ProductID = rec.ProductID
	var caps []Capability
	for _, cr := range rec.Capabilities {
		c := Capability{
			Type:      cr.Type,
			Base:      cr.Base,
			Size:      cr.Size,
			Instances: cr.Instances,
			IDs:       cr.IDs,
			Version:   cr.Version,
		}
		if len(cr.Bases) == 4 {
			c.Query, c.Command, c.Control, c.Data = cr.Bases[0], cr.Bases[1], cr.Bases[2], cr.Bases[3]
		}
		caps = append(caps, c)
	}
	dec, err := New(Protocol(rec.Protocol), id, caps)
	if err != nil {
		return err
	}
	dec.InfoCRC = rec.InfoCRC
	dec.MessageSize = rec.MessageSize
	*m = *dec
	return nil
}

// tableOrder returns the capabilities in id assignment order, with
// id-less capabilities in type order.
func (m *Map) tableOrder() []Capability {
	var withIDs, without []Capability
	for _, r := range m.ranges {
		withIDs = append(withIDs, m.caps[r.cap])
	}
	for _, c := range m.caps {
		if !c.HasIDs() {
			without = append(without, c)
		}
	}
	return append(withIDs, without...)
}
