// Package fwimage reads controller firmware images. Two formats are
// supported: flat images with a fixed header, and sectioned containers
// carrying firmware, configuration and an optional signature.
//
// In both formats the firmware payload is a stream of bootloader
// frames, see Frames.
package fwimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"touchctl.org/capmap"
	"touchctl.org/crc24"
)

// Format is an image format.
type Format int

const (
	Flat Format = iota
	Container
)

func (f Format) String() string {
	switch f {
	case Flat:
		return "flat"
	case Container:
		return "container"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Image is a parsed firmware image.
type Image struct {
	Format Format
	// Family is the controller family the firmware is built for, or
	// zero if the image does not say.
	Family            uint8
	BootloaderVersion uint8
	Version, Build    uint8
	// ProductID is the product the image is built for, if any.
	ProductID string
	// Firmware is the frame stream.
	Firmware []byte
	// Config is the configuration shipped with the firmware, if any.
	Config []byte

	// Signed container contents.
	fwSection, cfgSection []byte
	signature             []byte
}

// Flat image header layout.
const (
	flatHeaderSize   = 0x100
	offChecksum      = 0x00
	offBootloaderVer = 0x07
	offImageSize     = 0x08
	offConfigSize    = 0x0c
	offProductID     = 0x10
	productIDSize    = 10
	offProductInfo   = 0x1a
)

// ChecksumError is returned for flat images whose checksum does not
// match their contents.
type ChecksumError struct {
	Stored, Computed uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("image checksum %#08x, computed %#08x", e.Stored, e.Computed)
}

// DeviceMismatchError is returned when an image is built for another
// controller.
type DeviceMismatchError struct {
	Expected, Actual string
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("device mismatch: firmware for %s, device is %s", e.Expected, e.Actual)
}

var errTruncated = errors.New("truncated image")

// Parse parses an image in either format.
func Parse(data []byte) (*Image, error) {
	var img *Image
	var err error
	if len(data) > 0 && data[0] == containerTag {
		img, err = parseContainer(data)
	} else {
		img, err = parseFlat(data)
	}
	if err != nil {
		return nil, fmt.Errorf("fwimage: %w", err)
	}
	if _, err := SplitFrames(img.Firmware); err != nil {
		return nil, fmt.Errorf("fwimage: firmware: %w", err)
	}
	return img, nil
}

func parseFlat(data []byte) (*Image, error) {
	if len(data) < flatHeaderSize {
		return nil, errTruncated
	}
	bo := binary.LittleEndian
	imgSize := bo.Uint32(data[offImageSize:])
	cfgSize := bo.Uint32(data[offConfigSize:])
	end := uint64(flatHeaderSize) + uint64(imgSize) + uint64(cfgSize)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d bytes, header declares %d", errTruncated, len(data), end)
	}
	stored := bo.Uint32(data[offChecksum:])
	if computed := flatChecksum(data[:end]); stored != computed {
		return nil, &ChecksumError{Stored: stored, Computed: computed}
	}
	pid := string(data[offProductID : offProductID+productIDSize])
	fwEnd := flatHeaderSize + int(imgSize)
	return &Image{
		Format:            Flat,
		BootloaderVersion: data[offBootloaderVer],
		Version:           data[offProductInfo],
		Build:             data[offProductInfo+1],
		ProductID:         strings.TrimRight(pid, "\x00"),
		Firmware:          data[flatHeaderSize:fwEnd],
		Config:            data[fwEnd:end],
	}, nil
}

// flatChecksum checksums everything following the checksum field.
func flatChecksum(data []byte) uint32 {
	return crc24.Checksum(data[offChecksum+4:])
}

// EncodeFlat encodes img as a flat image.
func EncodeFlat(img *Image) ([]byte, error) {
	if len(img.ProductID) > productIDSize {
		return nil, fmt.Errorf("fwimage: product id %q too long", img.ProductID)
	}
	out := make([]byte, flatHeaderSize, flatHeaderSize+len(img.Firmware)+len(img.Config))
	bo := binary.LittleEndian
	out[offBootloaderVer] = img.BootloaderVersion
	bo.PutUint32(out[offImageSize:], uint32(len(img.Firmware)))
	bo.PutUint32(out[offConfigSize:], uint32(len(img.Config)))
	copy(out[offProductID:], img.ProductID)
	out[offProductInfo] = img.Version
	out[offProductInfo+1] = img.Build
	out = append(out, img.Firmware...)
	out = append(out, img.Config...)
	bo.PutUint32(out[offChecksum:], flatChecksum(out))
	return out, nil
}

// Matches reports whether the image is built for the controller
// identified by id.
func (img *Image) Matches(id capmap.Identity) error {
	if img.Family != 0 && img.Family != id.Family {
		return &DeviceMismatchError{
			Expected: fmt.Sprintf("family %#02x", img.Family),
			Actual:   fmt.Sprintf("family %#02x", id.Family),
		}
	}
	if img.ProductID != "" && id.ProductID != "" && img.ProductID != id.ProductID {
		return &DeviceMismatchError{Expected: img.ProductID, Actual: id.ProductID}
	}
	return nil
}

// Current reports whether the controller already runs the image's
// firmware.
func (img *Image) Current(id capmap.Identity) bool {
	return img.Version == id.Version && img.Build == id.Build
}

func (img *Image) String() string {
	s := fmt.Sprintf("%v image, firmware %d.%d.%02x, %d bytes", img.Format, img.Version>>4, img.Version&0xf, img.Build, len(img.Firmware))
	if img.ProductID != "" {
		s += " for " + img.ProductID
	}
	if len(img.Config) > 0 {
		s += fmt.Sprintf(", %d bytes configuration", len(img.Config))
	}
	return s
}
