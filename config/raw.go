package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"touchctl.org/capmap"
)

// RawMagic starts a configuration in raw text form.
const RawMagic = "OBP_RAW V1"

// ParseRaw parses the raw text form: the magic, 7 identity bytes, the
// information block checksum and the configuration checksum, followed
// by records of type, instance, size and size payload bytes. All fields
// are hexadecimal and separated by white space.
func ParseRaw(r io.Reader) (*Blob, error) {
	b, err := parseRaw(r)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return b, nil
}

type rawScanner struct {
	s     *bufio.Scanner
	field int
}

func (s *rawScanner) next(bits int) (uint64, bool, error) {
	if !s.s.Scan() {
		return 0, false, s.s.Err()
	}
	s.field++
	v, err := strconv.ParseUint(s.s.Text(), 16, bits)
	if err != nil {
		return 0, false, fmt.Errorf("field %d: %w", s.field, err)
	}
	return v, true, nil
}

// must is next for fields that may not be missing.
func (s *rawScanner) must(bits int) (uint64, error) {
	v, ok, err := s.next(bits)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errTruncated
	}
	return v, nil
}

func parseRaw(r io.Reader) (*Blob, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	for _, w := range []string{"OBP_RAW", "V1"} {
		if !sc.Scan() || sc.Text() != w {
			return nil, fmt.Errorf("missing %q magic", RawMagic)
		}
	}
	s := &rawScanner{s: sc}
	b := &Blob{HasHeader: true}
	var id [identitySize]byte
	for i := range id {
		v, err := s.must(8)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		id[i] = byte(v)
	}
	b.Identity = capmap.ParseIdentity(id[:])
	crc, err := s.must(24)
	if err != nil {
		return nil, fmt.Errorf("info block checksum: %w", err)
	}
	b.InfoCRC = uint32(crc)
	if crc, err = s.must(24); err != nil {
		return nil, fmt.Errorf("config checksum: %w", err)
	}
	b.ConfigCRC = uint32(crc)
	for {
		typ, ok, err := s.next(8)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		inst, err := s.must(8)
		if err != nil {
			return nil, err
		}
		size, err := s.must(16)
		if err != nil {
			return nil, err
		}
		rec := Record{Type: uint8(typ), Instance: uint8(inst), Data: make([]byte, size)}
		for i := range rec.Data {
			v, err := s.must(8)
			if err != nil {
				return nil, fmt.Errorf("T%d instance %d: %w", typ, inst, err)
			}
			rec.Data[i] = byte(v)
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

// WriteRaw writes the blob in raw text form.
func (b *Blob) WriteRaw(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, RawMagic)
	id := b.Identity.Bytes()
	fmt.Fprintf(bw, "% X\n", id[:])
	fmt.Fprintf(bw, "%06X\n%06X\n", b.InfoCRC, b.ConfigCRC)
	for _, r := range b.Records {
		fmt.Fprintf(bw, "%04X %04X %04X", r.Type, r.Instance, len(r.Data))
		if len(r.Data) > 0 {
			fmt.Fprintf(bw, " % X", r.Data)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
