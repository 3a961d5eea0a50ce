package host

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Bridge protocol. A request is
//
//	'T' addr(2) wlen(2) rlen(2) w...
//
// with little-endian fields, answered by a status byte followed by rlen
// bytes if the status is bridgeOK.
const (
	bridgeRequest = 'T'
	bridgeHeader  = 7

	bridgeOK    = 0x00
	bridgeNak   = 0x01
	bridgeError = 0x02

	maxBridgeTransfer = 0xffff
)

// ErrNak is returned for transfers the bus device did not acknowledge.
var ErrNak = errors.New("host: no acknowledge")

// DefaultBaud is the bridge line rate.
const DefaultBaud = 115200

// SerialBridge is a register bus tunnelled through a UART bridge.
type SerialBridge struct {
	mu  sync.Mutex
	rw  io.ReadWriter
	buf []byte
}

// NewSerialBridge returns a bridge speaking over rw.
func NewSerialBridge(rw io.ReadWriter) *SerialBridge {
	return &SerialBridge{rw: rw}
}

// OpenSerialBridge opens the bridge at the serial device dev. A zero
// baud rate selects DefaultBaud.
func OpenSerialBridge(dev string, baud int) (*SerialBridge, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	c := &serial.Config{Name: dev, Baud: baud, ReadTimeout: time.Second}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	return NewSerialBridge(s), nil
}

// Tx implements regbus.Bus.
func (b *SerialBridge) Tx(addr uint16, w, r []byte) error {
	if len(w) > maxBridgeTransfer || len(r) > maxBridgeTransfer {
		return fmt.Errorf("host: bridge transfer of %d/%d bytes too large", len(w), len(r))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	req := b.buf[:0]
	req = append(req, bridgeRequest)
	req = binary.LittleEndian.AppendUint16(req, addr)
	req = binary.LittleEndian.AppendUint16(req, uint16(len(w)))
	req = binary.LittleEndian.AppendUint16(req, uint16(len(r)))
	req = append(req, w...)
	b.buf = req
	if _, err := b.rw.Write(req); err != nil {
		return fmt.Errorf("host: bridge: %w", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(b.rw, status[:]); err != nil {
		return fmt.Errorf("host: bridge: %w", err)
	}
	switch status[0] {
	case bridgeOK:
	case bridgeNak:
		return ErrNak
	default:
		return fmt.Errorf("host: bridge status %#02x", status[0])
	}
	if _, err := io.ReadFull(b.rw, r); err != nil {
		return fmt.Errorf("host: bridge: %w", err)
	}
	return nil
}

// Close closes the underlying port, if it is closable.
func (b *SerialBridge) Close() error {
	if c, ok := b.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
