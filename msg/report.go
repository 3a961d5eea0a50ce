// Package msg decodes the event stream of a touch controller and routes
// it to a host input sink.
package msg

import (
	"encoding/binary"
	"fmt"

	"touchctl.org/capmap"
	"touchctl.org/crc24"
)

// Report is a decoded event record. It is one of Status, Touch, Keys,
// Objects or Unknown.
type Report interface {
	report()
}

// Status is a command processor (object-table) or device control
// (function-scan) status report.
type Status struct {
	Flags uint8
	// ConfigCRC is the checksum of the applied configuration. Only
	// object-table controllers report it.
	ConfigCRC uint32
}

// Status flags.
const (
	StatusReset       = 0x80
	StatusOverflow    = 0x40
	StatusSignalError = 0x20
	StatusCalibrating = 0x10
	StatusConfigError = 0x08
	StatusCommsError  = 0x04
)

// Touch is the state of one contact slot.
type Touch struct {
	Slot      int
	Flags     uint8
	X, Y      int
	Area      uint8
	Amplitude uint8
}

// Touch flags.
const (
	TouchDetect  = 0x80
	TouchPress   = 0x40
	TouchRelease = 0x20
	TouchMove    = 0x10
)

// Active reports whether the contact is present.
func (t Touch) Active() bool {
	return t.Flags&TouchDetect != 0
}

// Keys is the state of a key array, one bit per key.
type Keys struct {
	Instance int
	State    uint32
}

// Objects is a frame of contact slots reported at once by function-scan
// 2D sensors.
type Objects struct {
	Touches []Touch
}

// Unknown is a report from a capability without a decoder, or with an
// id that no capability owns.
type Unknown struct {
	ID  int
	Raw []byte
}

func (Status) report()  {}
func (Touch) report()   {}
func (Keys) report()    {}
func (Objects) report() {}
func (Unknown) report() {}

func (u Unknown) String() string {
	return fmt.Sprintf("report %d: % x", u.ID, u.Raw)
}

// Decode decodes an object-table message. The report id is the first
// byte of rec.
func Decode(m *capmap.Map, rec []byte) Report {
	id := int(rec[0])
	c, ok := m.Lookup(id)
	if !ok {
		return unknown(id, rec)
	}
	switch c.Type {
	case capmap.CommandProcessor:
		if len(rec) < 5 {
			break
		}
		return Status{Flags: rec[1], ConfigCRC: crc24.Decode(rec[2:5])}
	case capmap.MultiTouch:
		if len(rec) < 7 {
			break
		}
		return Touch{
			Slot:      id - c.FirstID,
			Flags:     rec[1],
			X:         int(rec[2])<<4 | int(rec[4])>>4,
			Y:         int(rec[3])<<4 | int(rec[4])&0xf,
			Area:      rec[5],
			Amplitude: rec[6],
		}
	case capmap.KeyArray:
		if len(rec) < 6 {
			break
		}
		return Keys{
			Instance: c.Instance(id),
			State:    binary.LittleEndian.Uint32(rec[2:6]),
		}
	}
	return unknown(id, rec)
}

func unknown(id int, rec []byte) Unknown {
	return Unknown{ID: id, Raw: append([]byte(nil), rec...)}
}

// Function-scan 2D object layout.
const (
	objectSize = 8
	objectNone = 0
)

// DecodeObjects decodes the object data register of a function-scan 2D
// sensor.
func DecodeObjects(data []byte) Objects {
	n := len(data) / objectSize
	o := Objects{Touches: make([]Touch, n)}
	for i := range o.Touches {
		obj := data[i*objectSize : (i+1)*objectSize]
		t := Touch{Slot: i}
		if obj[0] != objectNone {
			t.Flags = TouchDetect
			t.X = int(binary.LittleEndian.Uint16(obj[1:3]))
			t.Y = int(binary.LittleEndian.Uint16(obj[3:5]))
			t.Amplitude = obj[5]
			t.Area = max(obj[6], obj[7])
		}
		o.Touches[i] = t
	}
	return o
}
