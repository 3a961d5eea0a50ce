// Package crc24 implements the 24-bit checksum that touch controllers
// compute over their information block and configuration memory.
//
// The input is consumed as little-endian 16-bit words. An odd trailing
// byte is padded with zero.
package crc24

// Poly is the checksum polynomial.
const Poly = 0x80001b

const mask = 0xffffff

// Update folds the word formed by lo and hi into crc.
func Update(crc uint32, lo, hi byte) uint32 {
	word := uint32(hi)<<8 | uint32(lo)
	crc = crc<<1 ^ word
	if crc&0x1000000 != 0 {
		crc ^= Poly
	}
	return crc
}

// Checksum returns the checksum of b.
func Checksum(b []byte) uint32 {
	var crc uint32
	for len(b) >= 2 {
		crc = Update(crc, b[0], b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		crc = Update(crc, b[0], 0)
	}
	return crc & mask
}

// Decode reads a 24-bit little-endian value.
func Decode(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// Encode writes crc as a 24-bit little-endian value.
func Encode(b []byte, crc uint32) {
	_ = b[2]
	b[0] = byte(crc)
	b[1] = byte(crc >> 8)
	b[2] = byte(crc >> 16)
}
