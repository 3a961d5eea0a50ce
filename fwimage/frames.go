package fwimage

import (
	"encoding/binary"
	"fmt"
)

const (
	// frameHeader is the big-endian length prefix of a frame.
	frameHeader = 2
	// frameCRC is the size of the frame checksum that ends every frame.
	frameCRC = 2
)

// SplitFrames splits a frame stream into frames. Every frame starts
// with its big-endian length, counting the payload and the trailing
// checksum but not the length itself. The returned frames include the
// length prefix and alias stream.
func SplitFrames(stream []byte) ([][]byte, error) {
	var frames [][]byte
	for off := 0; off < len(stream); {
		if len(stream)-off < frameHeader {
			return nil, fmt.Errorf("frame %d at %#x: %w", len(frames), off, errTruncated)
		}
		n := int(binary.BigEndian.Uint16(stream[off:]))
		if n <= frameCRC {
			return nil, fmt.Errorf("frame %d at %#x: length %d", len(frames), off, n)
		}
		size := frameHeader + n
		if len(stream)-off < size {
			return nil, fmt.Errorf("frame %d at %#x: %w", len(frames), off, errTruncated)
		}
		frames = append(frames, stream[off:off+size])
		off += size
	}
	return frames, nil
}

// Frames returns the firmware frames.
func (img *Image) Frames() ([][]byte, error) {
	frames, err := SplitFrames(img.Firmware)
	if err != nil {
		return nil, fmt.Errorf("fwimage: %w", err)
	}
	return frames, nil
}
