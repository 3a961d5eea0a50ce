package config

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"touchctl.org/capmap"
	"touchctl.org/crc24"
)

type write struct {
	reg uint16
	n   int
}

// controller is a register file that checksums its configuration on
// reset, like an object-table controller.
type controller struct {
	m      *capmap.Map
	mem    [0x200]byte
	writes []write
	crc    uint32

	writeErr error

	backups, resets int
}

func (c *controller) Write(reg uint16, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, write{reg, len(data)})
	copy(c.mem[reg:], data)
	return nil
}

func (c *controller) Read(reg uint16, buf []byte) error {
	copy(buf, c.mem[reg:])
	return nil
}

func (c *controller) Map() *capmap.Map { return c.m }

func (c *controller) ConfigChecksum() (uint32, error) { return c.crc, nil }

func (c *controller) Backup() error {
	c.backups++
	return nil
}

func (c *controller) Reset() error {
	c.resets++
	start, end := c.m.ConfigArea()
	if t7, ok := c.m.Get(capmap.PowerConfig); ok {
		start = int(t7.Base)
	}
	c.crc = crc24.Checksum(c.mem[start:end])
	return nil
}

func (c *controller) Rediscover() error { return nil }

var identity = capmap.Identity{Family: 0xa4, Variant: 0x02, Version: 0x21, Build: 0xaa}

func newController(t *testing.T, caps ...capmap.Capability) *controller {
	t.Helper()
	m, err := capmap.New(capmap.ObjectTable, identity, caps)
	if err != nil {
		t.Fatal(err)
	}
	m.InfoCRC = 0x123456
	return &controller{m: m}
}

func TestApplySingleCapability(t *testing.T) {
	c := newController(t, capmap.Capability{Type: 5, Base: 0x100, Size: 8, IDs: 3})
	if cp, _ := c.m.Get(5); cp.FirstID != 1 || cp.LastID != 3 {
		t.Fatalf("ids %d-%d", cp.FirstID, cp.LastID)
	}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := &Blob{Records: []Record{{Type: 5, Instance: 0, Data: payload}}}
	res, err := Apply(c, c, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []write{{0x100, 8}}; !reflect.DeepEqual(c.writes, want) {
		t.Errorf("writes %v, want %v", c.writes, want)
	}
	if !bytes.Equal(c.mem[0x100:0x108], payload) {
		t.Errorf("memory % x", c.mem[0x100:0x108])
	}
	if res.Written != 8 || c.backups != 1 || c.resets != 1 {
		t.Errorf("result %+v, %d backups, %d resets", res, c.backups, c.resets)
	}
}

func TestApplyChecksumMismatchTolerated(t *testing.T) {
	c := newController(t, capmap.Capability{Type: 5, Base: 0x100, Size: 8, IDs: 3})
	b := &Blob{
		HasHeader: true,
		Identity:  identity,
		InfoCRC:   0x654321,
		ConfigCRC: 0xabcdef,
		Records:   []Record{{Type: 5, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
	}
	res, err := Apply(c, c, b, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 8 || res.AppliedCRC == b.ConfigCRC {
		t.Errorf("result %+v", res)
	}

	// Strict mode fails the same apply.
	c = newController(t, capmap.Capability{Type: 5, Base: 0x100, Size: 8, IDs: 3})
	_, err = Apply(c, c, b, Options{Strict: true})
	var cerr *ChecksumError
	if !errors.As(err, &cerr) || cerr.Expected != 0xabcdef {
		t.Fatalf("got %v, want ChecksumError", err)
	}
}

func TestMergePolicy(t *testing.T) {
	c := newController(t,
		capmap.Capability{Type: capmap.PowerConfig, Base: 0x40, Size: 4},
		capmap.Capability{Type: capmap.MultiTouch, Base: 0x44, Size: 6, Instances: 2, IDs: 10},
		capmap.Capability{Type: capmap.UserData, Base: 0x50, Size: 2},
	)
	b := &Blob{Records: []Record{
		{Type: capmap.PowerConfig, Data: []byte{1, 2, 3, 4, 5, 6}},
		{Type: 100, Data: []byte{0xff, 0xff}},
		{Type: capmap.MultiTouch, Instance: 1, Data: []byte{0xa, 0xb}},
		{Type: capmap.MultiTouch, Instance: 5, Data: []byte{0xee}},
		{Type: capmap.UserData, Data: []byte{0xc, 0xd}},
	}}
	res, err := Apply(c, c, b, Options{ChunkSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		1, 2, 3, 4,
		0, 0, 0, 0, 0, 0,
		0xa, 0xb, 0, 0, 0, 0,
		0xc, 0xd,
	}
	if got := c.mem[0x40:0x52]; !bytes.Equal(got, want) {
		t.Errorf("memory\n% x\nwant\n% x", got, want)
	}
	if res.Truncated != 1 || res.Extended != 1 || len(res.Skipped) != 2 || res.Written != len(want) {
		t.Errorf("result %+v", res)
	}
	wantWrites := []write{{0x40, 4}, {0x44, 4}, {0x48, 4}, {0x4c, 4}, {0x50, 2}}
	if !reflect.DeepEqual(c.writes, wantWrites) {
		t.Errorf("writes %v, want %v", c.writes, wantWrites)
	}
	if res.CalculatedCRC != crc24.Checksum(want) || res.AppliedCRC != res.CalculatedCRC {
		t.Errorf("checksums %#x %#x", res.CalculatedCRC, res.AppliedCRC)
	}
}

func TestApplyIdempotent(t *testing.T) {
	c := newController(t, capmap.Capability{Type: capmap.PowerConfig, Base: 0x40, Size: 4})
	data := []byte{0x20, 0x10, 0x32, 0x00}
	b := &Blob{
		HasHeader: true,
		Identity:  identity,
		InfoCRC:   c.m.InfoCRC,
		ConfigCRC: crc24.Checksum(data),
		Records:   []Record{{Type: capmap.PowerConfig, Data: data}},
	}
	res, err := Apply(c, c, b, Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate || len(c.writes) != 1 {
		t.Fatalf("first apply: %+v, writes %v", res, c.writes)
	}
	c.writes = nil
	res, err = Apply(c, c, b, Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.UpToDate || len(c.writes) != 0 || c.backups != 1 || c.resets != 1 {
		t.Errorf("second apply: %+v, writes %v, %d backups, %d resets", res, c.writes, c.backups, c.resets)
	}
}

func TestApplyWrongDevice(t *testing.T) {
	c := newController(t, capmap.Capability{Type: capmap.PowerConfig, Base: 0x40, Size: 4})
	other := identity
	other.Variant++
	b := &Blob{HasHeader: true, Identity: other, Records: []Record{{Type: capmap.PowerConfig, Data: []byte{1}}}}
	_, err := Apply(c, c, b, Options{})
	var derr *DeviceMismatchError
	if !errors.As(err, &derr) {
		t.Fatalf("got %v, want DeviceMismatchError", err)
	}
	if len(c.writes) != 0 {
		t.Errorf("writes %v", c.writes)
	}
}

func TestApplyWriteError(t *testing.T) {
	c := newController(t, capmap.Capability{Type: capmap.PowerConfig, Base: 0x40, Size: 4})
	errBus := errors.New("nak")
	c.writeErr = errBus
	_, err := Apply(c, c, &Blob{}, Options{})
	if !errors.Is(err, errBus) {
		t.Fatalf("got %v, want %v", err, errBus)
	}
	if c.backups != 0 || c.resets != 0 {
		t.Errorf("%d backups, %d resets after failed write", c.backups, c.resets)
	}
}

const rawConfig = `OBP_RAW V1
a4 02 21 aa 18 0e 06
123456
02e4f1
0007 0000 0004 20 10 32 00
0009 0001 0003 83 00 01
0026 0000 0000
`

func TestParseRaw(t *testing.T) {
	b, err := Parse([]byte(rawConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := &Blob{
		HasHeader: true,
		Identity:  capmap.Identity{Family: 0xa4, Variant: 0x02, Version: 0x21, Build: 0xaa, MatrixX: 0x18, MatrixY: 0x0e, Objects: 6},
		InfoCRC:   0x123456,
		ConfigCRC: 0x02e4f1,
		Records: []Record{
			{Type: 7, Instance: 0, Data: []byte{0x20, 0x10, 0x32, 0x00}},
			{Type: 9, Instance: 1, Data: []byte{0x83, 0x00, 0x01}},
			{Type: 38, Instance: 0, Data: []byte{}},
		},
	}
	if !reflect.DeepEqual(b, want) {
		t.Fatalf("parsed %+v\nwant %+v", b, want)
	}
	var out strings.Builder
	if err := b.WriteRaw(&out); err != nil {
		t.Fatal(err)
	}
	again, err := ParseRaw(strings.NewReader(out.String()))
	if err != nil {
		t.Fatalf("%v\n%s", err, out.String())
	}
	if !reflect.DeepEqual(again, want) {
		t.Errorf("reparsed %+v", again)
	}
}

func TestParseRawErrors(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"magic", "OBP_RAW V2\na4 02 21 aa 18 0e 06\n0\n0\n"},
		{"identity", "OBP_RAW V1\na4 02 21\n"},
		{"checksum", "OBP_RAW V1\na4 02 21 aa 18 0e 06\n123456\n"},
		{"payload", "OBP_RAW V1\na4 02 21 aa 18 0e 06\n0\n0\n0007 0000 0004 20 10\n"},
		{"hex", "OBP_RAW V1\na4 02 21 aa 18 0e 06\n0\n0\n0007 0000 0001 zz\n"},
		{"range", "OBP_RAW V1\na4 02 21 aa 18 0e 06\n0\n0\n0107 0000 0000\n"},
	}
	for _, test := range tests {
		if _, err := ParseRaw(strings.NewReader(test.text)); err == nil {
			t.Errorf("%s: no error", test.name)
		}
	}
}

func TestBinary(t *testing.T) {
	b, err := Parse([]byte(rawConfig))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := b.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if enc[0] != binaryVersion || enc[1] != flagHeader {
		t.Fatalf("header % x", enc[:2])
	}
	dec, err := Parse(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dec, b) {
		t.Errorf("decoded %+v\nwant %+v", dec, b)
	}
	// Cuts at record boundaries leave a complete blob.
	complete := map[int]bool{2 + headerSize: true, 2 + headerSize + 8: true, 2 + headerSize + 15: true}
	for n := 1; n < len(enc); n++ {
		if complete[n] {
			continue
		}
		if _, err := ParseBinary(enc[:n]); !errors.Is(err, errTruncated) {
			t.Errorf("truncated to %d bytes: %v", n, err)
		}
	}
}

func TestSnapshot(t *testing.T) {
	c := newController(t,
		capmap.Capability{Type: capmap.MessageProcessor, Base: 0x30, Size: 10},
		capmap.Capability{Type: capmap.CommandProcessor, Base: 0x3a, Size: 6, IDs: 1},
		capmap.Capability{Type: capmap.PowerConfig, Base: 0x40, Size: 4},
		capmap.Capability{Type: capmap.MultiTouch, Base: 0x44, Size: 6, Instances: 2, IDs: 10},
	)
	for i := range c.mem {
		c.mem[i] = byte(i)
	}
	b, err := Snapshot(c, c.m, 0x0a0b0c)
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{
		{Type: capmap.PowerConfig, Data: []byte{0x40, 0x41, 0x42, 0x43}},
		{Type: capmap.MultiTouch, Data: []byte{0x44, 0x45, 0x46, 0x47, 0x48, 0x49}},
		{Type: capmap.MultiTouch, Instance: 1, Data: []byte{0x4a, 0x4b, 0x4c, 0x4d, 0x4e, 0x4f}},
	}
	if !reflect.DeepEqual(b.Records, want) {
		t.Errorf("records %+v", b.Records)
	}
	if !b.HasHeader || b.ConfigCRC != 0x0a0b0c || b.InfoCRC != 0x123456 {
		t.Errorf("header %+v", b)
	}
}
