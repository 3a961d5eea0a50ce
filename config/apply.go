package config

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"touchctl.org/capmap"
	"touchctl.org/crc24"
)

// Writer writes consecutive registers.
type Writer interface {
	Write(reg uint16, data []byte) error
}

// Controller is the controller side of an apply: its discovered map and
// the commands that commit a configuration.
type Controller interface {
	// Map returns the current capability map.
	Map() *capmap.Map
	// ConfigChecksum returns the checksum of the applied
	// configuration as reported by the controller.
	ConfigChecksum() (uint32, error)
	// Backup persists the configuration to non-volatile memory.
	Backup() error
	// Reset resets the controller and waits for it to come back.
	Reset() error
	// Rediscover rebuilds the capability map.
	Rediscover() error
}

// Options control an apply. The zero value is usable.
type Options struct {
	// ChunkSize bounds a single register write. Zero means
	// DefaultChunkSize.
	ChunkSize int
	// Strict turns a checksum mismatch after applying into an error.
	Strict bool
}

// DefaultChunkSize is the default bound on register writes.
const DefaultChunkSize = 256

// Result summarizes an apply.
type Result struct {
	// UpToDate reports that the controller already ran the
	// configuration and nothing was written.
	UpToDate bool
	// Written is the number of bytes written.
	Written int
	// Skipped lists records without a matching capability instance.
	Skipped []Record
	// Truncated and Extended count records longer and shorter than their
	// capability.
	Truncated, Extended int
	// CalculatedCRC is the checksum of the written configuration;
	// AppliedCRC the one reported by the controller afterwards.
	CalculatedCRC, AppliedCRC uint32
}

// DeviceMismatchError is returned when a configuration is made for a
// different controller.
type DeviceMismatchError struct {
	Expected, Actual capmap.Identity
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("device mismatch: configuration for family %#02x variant %#02x, device is family %#02x variant %#02x",
		e.Expected.Family, e.Expected.Variant, e.Actual.Family, e.Actual.Variant)
}

// ChecksumError is returned in strict mode when the applied
// configuration checksum differs from the expected one.
type ChecksumError struct {
	Expected, Actual uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("configuration checksum mismatch: expected %#06x, got %#06x", e.Expected, e.Actual)
}

// Apply writes the configuration in b to the controller, persists it
// and resets the controller. Records for capabilities the controller
// lacks are skipped, records longer than their capability are
// truncated and shorter ones zero extended. If the controller already
// reports the checksum declared by b, nothing is written.
//
// Checksum mismatches are logged and do not fail the apply unless
// opts.Strict is set.
func Apply(w Writer, c Controller, b *Blob, opts Options) (*Result, error) {
	res, err := apply(w, c, b, opts)
	if err != nil {
		return res, fmt.Errorf("config: %w", err)
	}
	return res, nil
}

func apply(w Writer, c Controller, b *Blob, opts Options) (*Result, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	m := c.Map()
	res := new(Result)

	if b.HasHeader {
		id := m.Identity
		if b.Identity.Family != id.Family || b.Identity.Variant != id.Variant {
			return res, &DeviceMismatchError{Expected: b.Identity, Actual: id}
		}
		if b.InfoCRC != m.InfoCRC {
			glog.Warningf("config: information block checksum %#06x, device has %#06x", b.InfoCRC, m.InfoCRC)
		}
		crc, err := c.ConfigChecksum()
		if err != nil {
			return res, fmt.Errorf("read checksum: %w", err)
		}
		if crc == b.ConfigCRC {
			glog.Infof("config: checksum %#06x already applied", crc)
			res.UpToDate = true
			res.AppliedCRC = crc
			return res, nil
		}
	}

	start, end := m.ConfigArea()
	if end <= start {
		return res, errors.New("empty configuration area")
	}
	buf := make([]byte, end-start)
	for _, r := range b.Records {
		name := m.Protocol.Name(r.Type)
		obj, ok := m.Get(r.Type)
		if !ok {
			glog.Warningf("config: skipping %s instance %d: no such capability", name, r.Instance)
			res.Skipped = append(res.Skipped, r)
			continue
		}
		if int(r.Instance) >= obj.Instances {
			glog.Warningf("config: skipping %s instance %d: %d instances", name, r.Instance, obj.Instances)
			res.Skipped = append(res.Skipped, r)
			continue
		}
		data := r.Data
		switch {
		case len(data) > obj.Size:
			glog.Warningf("config: truncating %s instance %d from %d to %d bytes", name, r.Instance, len(data), obj.Size)
			data = data[:obj.Size]
			res.Truncated++
		case len(data) < obj.Size:
			glog.V(1).Infof("config: extending %s instance %d from %d to %d bytes", name, r.Instance, len(data), obj.Size)
			res.Extended++
		}
		off := int(obj.Addr(int(r.Instance))) - start
		copy(buf[off:off+obj.Size], data)
	}

	// The controller checksums from the power configuration onwards.
	crcStart := 0
	if t7, ok := m.Get(capmap.PowerConfig); ok && int(t7.Base) >= start {
		crcStart = int(t7.Base) - start
	}
	res.CalculatedCRC = crc24.Checksum(buf[crcStart:])
	expected := res.CalculatedCRC
	if b.HasHeader {
		expected = b.ConfigCRC
		if res.CalculatedCRC != b.ConfigCRC {
			glog.Warningf("config: calculated checksum %#06x, file declares %#06x", res.CalculatedCRC, b.ConfigCRC)
		}
	}

	for off := 0; off < len(buf); off += chunk {
		n := min(chunk, len(buf)-off)
		if err := w.Write(uint16(start+off), buf[off:off+n]); err != nil {
			return res, fmt.Errorf("write %#04x: %w", start+off, err)
		}
		res.Written += n
	}
	glog.V(1).Infof("config: wrote %d bytes at %#04x", res.Written, start)

	if err := c.Backup(); err != nil {
		return res, fmt.Errorf("backup: %w", err)
	}
	if err := c.Reset(); err != nil {
		return res, fmt.Errorf("reset: %w", err)
	}
	if err := c.Rediscover(); err != nil {
		return res, fmt.Errorf("rediscover: %w", err)
	}
	applied, err := c.ConfigChecksum()
	if err != nil {
		return res, fmt.Errorf("read checksum: %w", err)
	}
	res.AppliedCRC = applied
	if applied != expected {
		if opts.Strict {
			return res, &ChecksumError{Expected: expected, Actual: applied}
		}
		glog.Warningf("config: controller reports checksum %#06x, expected %#06x", applied, expected)
	}
	glog.Infof("config: applied, checksum %#06x", applied)
	return res, nil
}
