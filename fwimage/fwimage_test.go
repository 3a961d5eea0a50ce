package fwimage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"touchctl.org/capmap"
)

var testFrames = []byte{
	0x00, 0x04, 0xaa, 0xbb, 0xc1, 0xc2,
	0x00, 0x03, 0x01, 0xc3, 0xc4,
}

func TestSplitFrames(t *testing.T) {
	frames, err := SplitFrames(testFrames)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || !bytes.Equal(frames[0], testFrames[:6]) || !bytes.Equal(frames[1], testFrames[6:]) {
		t.Fatalf("frames % x", frames)
	}
	bad := [][]byte{
		{0x00},
		{0x00, 0x02, 0xc1, 0xc2},
		{0x00, 0x05, 0xaa},
		append(append([]byte{}, testFrames...), 0x00, 0x09, 0x01),
	}
	for _, stream := range bad {
		if _, err := SplitFrames(stream); err == nil {
			t.Errorf("SplitFrames(% x) succeeded", stream)
		}
	}
	if frames, err := SplitFrames(nil); err != nil || len(frames) != 0 {
		t.Errorf("empty stream: %v, %v", frames, err)
	}
}

func TestFlat(t *testing.T) {
	want := &Image{
		Format:            Flat,
		BootloaderVersion: 6,
		Version:           0x21,
		Build:             0xaa,
		ProductID:         "TM3038",
		Firmware:          testFrames,
		Config:            []byte{1, 2, 3},
	}
	enc, err := EncodeFlat(want)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != 0x100+len(testFrames)+3 {
		t.Fatalf("encoded %d bytes", len(enc))
	}
	img, err := Parse(enc)
	if err != nil {
		t.Fatal(err)
	}
	if img.Format != Flat || img.BootloaderVersion != 6 || img.Version != 0x21 || img.Build != 0xaa || img.ProductID != "TM3038" {
		t.Errorf("parsed %v", img)
	}
	if !bytes.Equal(img.Firmware, testFrames) || !bytes.Equal(img.Config, want.Config) {
		t.Errorf("payload % x / % x", img.Firmware, img.Config)
	}
	frames, err := img.Frames()
	if err != nil || len(frames) != 2 {
		t.Errorf("frames: %d, %v", len(frames), err)
	}

	corrupt := append([]byte{}, enc...)
	corrupt[0x100] ^= 0xff
	var cerr *ChecksumError
	if _, err := Parse(corrupt); !errors.As(err, &cerr) {
		t.Errorf("corrupted image: %v", err)
	}
	if _, err := Parse(enc[:len(enc)-1]); !errors.Is(err, errTruncated) {
		t.Errorf("truncated image: %v", err)
	}
	if _, err := Parse(enc[:0x80]); !errors.Is(err, errTruncated) {
		t.Errorf("truncated header: %v", err)
	}
}

func testKey(seed byte) *secp256k1.PrivateKey {
	return secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
}

func testContainer() *Image {
	return &Image{
		Format:            Container,
		Family:            0xa4,
		BootloaderVersion: 3,
		Version:           0x30,
		Build:             0x01,
		Firmware:          testFrames,
		Config:            []byte{1, 0},
	}
}

func TestContainer(t *testing.T) {
	enc, err := EncodeContainer(testContainer())
	if err != nil {
		t.Fatal(err)
	}
	// Append an unknown section.
	enc = append(enc, 9, 2, 0, 0, 0xde, 0xad)
	img, err := Parse(enc)
	if err != nil {
		t.Fatal(err)
	}
	if img.Format != Container || img.Family != 0xa4 || img.BootloaderVersion != 3 || img.Version != 0x30 || img.Build != 0x01 {
		t.Errorf("parsed %v", img)
	}
	if !bytes.Equal(img.Firmware, testFrames) || !bytes.Equal(img.Config, []byte{1, 0}) {
		t.Errorf("payload % x / % x", img.Firmware, img.Config)
	}
	if img.Signed() {
		t.Error("unsigned image reported as signed")
	}
	if err := img.Verify(testKey(1).PubKey()); !errors.Is(err, ErrUnsigned) {
		t.Errorf("Verify unsigned: %v", err)
	}

	for _, bad := range [][]byte{
		{containerTag, sectionFirmware, 10, 0},
		{containerTag, sectionFirmware, 2, 0, 0, 0x01, 0x02},
		{containerTag, sectionConfig, 1, 0, 0, 7},
		{containerTag, sectionFirmware, 6, 0, 0, 0xa4, 3, 0x30, 1, 0x00, 0x09},
	} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(% x) succeeded", bad)
		}
	}
}

func TestSignature(t *testing.T) {
	key := testKey(7)
	img := testContainer()
	img.Sign(key)
	enc, err := EncodeContainer(img)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := Parse(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !signed.Signed() {
		t.Fatal("signature section lost")
	}
	if err := signed.Verify(key.PubKey()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := signed.Verify(testKey(8).PubKey()); !errors.Is(err, ErrSignature) {
		t.Errorf("Verify with untrusted key: %v", err)
	}

	// Flip a payload byte of the first frame.
	tampered := append([]byte{}, enc...)
	i := bytes.Index(tampered, testFrames)
	tampered[i+2] ^= 0x01
	img, err = Parse(tampered)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Verify(key.PubKey()); !errors.Is(err, ErrSignature) {
		t.Errorf("Verify tampered image: %v", err)
	}
}

func TestMatches(t *testing.T) {
	img := testContainer()
	id := capmap.Identity{Family: 0xa4, Version: 0x30, Build: 0x01}
	if err := img.Matches(id); err != nil {
		t.Errorf("Matches: %v", err)
	}
	if !img.Current(id) {
		t.Error("Current = false")
	}
	id.Build = 0x02
	if img.Current(id) {
		t.Error("Current = true for another build")
	}
	id.Family = 0xa2
	var derr *DeviceMismatchError
	if err := img.Matches(id); !errors.As(err, &derr) {
		t.Errorf("Matches other family: %v", err)
	}

	flat := &Image{ProductID: "TM3038"}
	if err := flat.Matches(capmap.Identity{ProductID: "TM2000"}); !errors.As(err, &derr) {
		t.Errorf("Matches other product: %v", err)
	}
	if err := flat.Matches(capmap.Identity{}); err != nil {
		t.Errorf("Matches without product id: %v", err)
	}
}
