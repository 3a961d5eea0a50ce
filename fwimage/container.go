package fwimage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Container layout.
const (
	containerTag  = 0x5c
	sectionHeader = 4

	sectionConfig    = 1
	sectionFirmware  = 2
	sectionSignature = 3

	firmwareHeader = 4
	maxSection     = 1<<24 - 1

	// The signature section holds the 64-byte X||Y public key followed
	// by the 64-byte r||s signature.
	keySize       = 64
	signatureSize = 128
)

var (
	// ErrUnsigned is returned by Verify for images without signature.
	ErrUnsigned = errors.New("fwimage: image is not signed")
	// ErrSignature is returned by Verify for images with an invalid
	// signature or one made by an untrusted key.
	ErrSignature = errors.New("fwimage: invalid signature")
)

func parseContainer(data []byte) (*Image, error) {
	img := &Image{Format: Container}
	data = data[1:]
	for len(data) > 0 {
		if len(data) < sectionHeader {
			return nil, errTruncated
		}
		id := data[0]
		n := int(data[1]) | int(data[2])<<8 | int(data[3])<<16
		data = data[sectionHeader:]
		if len(data) < n {
			return nil, fmt.Errorf("section %d: %w", id, errTruncated)
		}
		payload := data[:n]
		data = data[n:]
		switch id {
		case sectionConfig:
			img.cfgSection = payload
			img.Config = payload
		case sectionFirmware:
			if n < firmwareHeader {
				return nil, fmt.Errorf("firmware section: %w", errTruncated)
			}
			img.fwSection = payload
			img.Family = payload[0]
			img.BootloaderVersion = payload[1]
			img.Version = payload[2]
			img.Build = payload[3]
			img.Firmware = payload[firmwareHeader:]
		case sectionSignature:
			if n != signatureSize {
				return nil, fmt.Errorf("signature section of %d bytes", n)
			}
			img.signature = payload
		}
	}
	if img.fwSection == nil {
		return nil, errors.New("missing firmware section")
	}
	return img, nil
}

// signedHash is the hash covered by the signature: the firmware section
// payload followed by the configuration section payload.
func (img *Image) signedHash() [32]byte {
	h := sha256.New()
	h.Write(img.fwSection)
	h.Write(img.cfgSection)
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

// Signed reports whether the image carries a signature.
func (img *Image) Signed() bool {
	return img.signature != nil
}

// Verify checks that the image is signed by trusted.
func (img *Image) Verify(trusted *secp256k1.PublicKey) error {
	if img.signature == nil {
		return ErrUnsigned
	}
	key, sig := img.signature[:keySize], img.signature[keySize:]
	// Uncompressed encoding: 0x04 || X || Y.
	if !bytes.Equal(trusted.SerializeUncompressed()[1:], key) {
		return fmt.Errorf("%w: signed by an untrusted key", ErrSignature)
	}
	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
		return fmt.Errorf("%w: signature out of range", ErrSignature)
	}
	hash := img.signedHash()
	if !ecdsa.NewSignature(&r, &s).Verify(hash[:], trusted) {
		return ErrSignature
	}
	return nil
}

// Sign signs a container image with key.
func (img *Image) Sign(key *secp256k1.PrivateKey) {
	img.seal()
	hash := img.signedHash()
	sig := ecdsa.Sign(key, hash[:])
	out := make([]byte, signatureSize)
	copy(out, key.PubKey().SerializeUncompressed()[1:])
	r, s := sig.R(), sig.S()
	r.PutBytesUnchecked(out[keySize : keySize+32])
	s.PutBytesUnchecked(out[keySize+32:])
	img.signature = out
}

// seal builds the section payloads from the image fields.
func (img *Image) seal() {
	fw := make([]byte, 0, firmwareHeader+len(img.Firmware))
	fw = append(fw, img.Family, img.BootloaderVersion, img.Version, img.Build)
	img.fwSection = append(fw, img.Firmware...)
	img.cfgSection = img.Config
}

// EncodeContainer encodes img as a sectioned container, including its
// signature if it was signed.
func EncodeContainer(img *Image) ([]byte, error) {
	if img.signature == nil {
		img.seal()
	}
	out := []byte{containerTag}
	section := func(id byte, payload []byte) error {
		if len(payload) > maxSection {
			return fmt.Errorf("fwimage: section %d too large", id)
		}
		n := len(payload)
		out = append(out, id, byte(n), byte(n>>8), byte(n>>16))
		out = append(out, payload...)
		return nil
	}
	if len(img.cfgSection) > 0 {
		if err := section(sectionConfig, img.cfgSection); err != nil {
			return nil, err
		}
	}
	if err := section(sectionFirmware, img.fwSection); err != nil {
		return nil, err
	}
	if img.signature != nil {
		if err := section(sectionSignature, img.signature); err != nil {
			return nil, err
		}
	}
	return out, nil
}
