// Package config parses controller configuration files and applies them
// to a discovered register map.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"touchctl.org/capmap"
	"touchctl.org/crc24"
)

// Record is the configuration of one capability instance.
type Record struct {
	Type     uint8
	Instance uint8
	Data     []byte
}

// Blob is a parsed configuration file.
type Blob struct {
	// HasHeader reports whether Identity and the checksums are set.
	HasHeader bool
	Identity  capmap.Identity
	// InfoCRC is the information block checksum of the controller the
	// configuration was made for.
	InfoCRC uint32
	// ConfigCRC is the checksum the controller reports once the
	// configuration is applied.
	ConfigCRC uint32
	Records   []Record
}

const (
	binaryVersion = 1
	flagHeader    = 0x01
	identitySize  = 7
	headerSize    = identitySize + 3 + 3
	recordHeader  = 4
)

var errTruncated = errors.New("truncated configuration")

// Parse parses a configuration in raw text or binary form.
func Parse(data []byte) (*Blob, error) {
	if bytes.HasPrefix(data, []byte(RawMagic)) {
		return ParseRaw(bytes.NewReader(data))
	}
	return ParseBinary(data)
}

// ParseBinary parses the binary form used in firmware containers:
//
//	[version][flags]
//	if flags&1: [identity 7][info crc 3][config crc 3]
//	records: [type][instance][size lo][size hi][payload]
func ParseBinary(data []byte) (*Blob, error) {
	b, err := parseBinary(data)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return b, nil
}

func parseBinary(data []byte) (*Blob, error) {
	if len(data) < 2 {
		return nil, errTruncated
	}
	if v := data[0]; v != binaryVersion {
		return nil, fmt.Errorf("unsupported binary version %d", v)
	}
	flags := data[1]
	data = data[2:]
	b := new(Blob)
	if flags&flagHeader != 0 {
		if len(data) < headerSize {
			return nil, errTruncated
		}
		b.HasHeader = true
		b.Identity = capmap.ParseIdentity(data[:identitySize])
		b.InfoCRC = crc24.Decode(data[identitySize : identitySize+3])
		b.ConfigCRC = crc24.Decode(data[identitySize+3 : headerSize])
		data = data[headerSize:]
	}
	for len(data) > 0 {
		if len(data) < recordHeader {
			return nil, errTruncated
		}
		size := int(data[2]) | int(data[3])<<8
		if len(data) < recordHeader+size {
			return nil, fmt.Errorf("record %d.%d: %w", data[0], data[1], errTruncated)
		}
		b.Records = append(b.Records, Record{
			Type:     data[0],
			Instance: data[1],
			Data:     data[recordHeader : recordHeader+size],
		})
		data = data[recordHeader+size:]
	}
	return b, nil
}

// MarshalBinary encodes the blob in binary form.
func (b *Blob) MarshalBinary() ([]byte, error) {
	var flags byte
	if b.HasHeader {
		flags |= flagHeader
	}
	out := []byte{binaryVersion, flags}
	if b.HasHeader {
		id := b.Identity.Bytes()
		out = append(out, id[:]...)
		var crc [3]byte
		crc24.Encode(crc[:], b.InfoCRC)
		out = append(out, crc[:]...)
		crc24.Encode(crc[:], b.ConfigCRC)
		out = append(out, crc[:]...)
	}
	for _, r := range b.Records {
		if len(r.Data) > 0xffff {
			return nil, fmt.Errorf("config: record %d.%d too large", r.Type, r.Instance)
		}
		out = append(out, r.Type, r.Instance, byte(len(r.Data)), byte(len(r.Data)>>8))
		out = append(out, r.Data...)
	}
	return out, nil
}

// volatile lists object-table capabilities that hold no configuration.
var volatile = []uint8{
	capmap.MessageProcessor,
	capmap.CommandProcessor,
	capmap.MessageCount,
}

// Snapshot reads the configuration of every object-table capability
// into a blob that restores it. crc is the checksum the controller
// reports for the configuration.
func Snapshot(r capmap.Reader, m *capmap.Map, crc uint32) (*Blob, error) {
	if m.Protocol != capmap.ObjectTable {
		return nil, fmt.Errorf("config: %v controllers have no configuration objects", m.Protocol)
	}
	b := &Blob{
		HasHeader: true,
		Identity:  m.Identity,
		InfoCRC:   m.InfoCRC,
		ConfigCRC: crc,
	}
	for _, c := range m.Capabilities() {
		if slices.Contains(volatile, c.Type) {
			continue
		}
		for i := 0; i < c.Instances; i++ {
			data := make([]byte, c.Size)
			if err := r.Read(c.Addr(i), data); err != nil {
				return nil, fmt.Errorf("config: read %s instance %d: %w", m.Protocol.Name(c.Type), i, err)
			}
			b.Records = append(b.Records, Record{Type: c.Type, Instance: uint8(i), Data: data})
		}
	}
	return b, nil
}
