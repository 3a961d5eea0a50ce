// Package sim simulates an object-table touch controller and its frame
// bootloader on a register bus.
package sim

import (
	"encoding/binary"
	"errors"
	"sync"

	"touchctl.org/capmap"
	"touchctl.org/crc24"
)

// ErrNak is returned for transfers the simulated controller does not
// acknowledge.
var ErrNak = errors.New("sim: no acknowledge")

// Default bus addresses.
const (
	AppAddr  = 0x4a
	BootAddr = 0x26
)

// Command processor offsets and values.
const (
	cmdReset      = 0
	cmdBackup     = 1
	cmdReportAll  = 3
	resetValue    = 0x01
	bootValue     = 0xa5
	backupValue   = 0x55
	statusReset   = 0x80
	unlock0       = 0xdc
	unlock1       = 0xaa
	blWaitCmd     = 0xc0
	blWaitFrame   = 0x80
	blExtendedID  = 0x20
	blCRCCheck    = 0x02
	blCRCFail     = 0x03
	blCRCPass     = 0x04
	bootloaderID  = 0x0a
	bootloaderVer = 0x01
)

type blState int

const (
	blLocked blState = iota
	blWaiting
	blChecking
	blPassed
	blFailed
)

// Write is an application register write.
type Write struct {
	Reg  uint16
	Data []byte
}

// Controller is a simulated controller. It implements regbus.Bus and
// answers at AppAddr in application mode and at BootAddr in bootloader
// mode.
type Controller struct {
	// Interrupt, if set, is called whenever the controller asserts its
	// interrupt line. It is never called with internal locks held.
	Interrupt func()
	// FailCRC is the number of times every frame is rejected before it
	// is accepted. Negative values reject every frame.
	FailCRC int
	// ImageFrames is the number of frames of a complete firmware. The
	// bootloader starts the new firmware after accepting that many. With
	// zero it never does.
	ImageFrames int
	// Version and Build identify the firmware installed by the
	// bootloader.
	Version, Build uint8
	// Extended selects a bootloader reporting an extended id.
	Extended bool

	mu      sync.Mutex
	id      capmap.Identity
	objects []capmap.Capability
	m       *capmap.Map
	mem     []byte
	nvram   []byte
	queue   [][]byte
	writes  []Write
	irq     bool
	crc     uint32

	boot     bool
	bl       blState
	attempts int
	accepted int
	frames   int
}

// New creates a controller exposing objects. The information block is
// placed at register 0; objects must start after it.
func New(id capmap.Identity, objects []capmap.Capability) (*Controller, error) {
	info := capmap.EncodeInfoBlock(id, objects)
	m, err := capmap.New(capmap.ObjectTable, capmap.ParseIdentity(info), objects)
	if err != nil {
		return nil, err
	}
	if _, err := m.Require(capmap.CommandProcessor); err != nil {
		return nil, err
	}
	t5, err := m.Require(capmap.MessageProcessor)
	if err != nil {
		return nil, err
	}
	m.MessageSize = t5.Size - 1
	start, _ := m.ConfigArea()
	if start < len(info) {
		return nil, errors.New("sim: objects overlap the information block")
	}
	c := &Controller{
		id:      id,
		objects: objects,
		m:       m,
		mem:     make([]byte, m.Size),
		Version: id.Version,
		Build:   id.Build,
	}
	copy(c.mem, info)
	c.nvram = append([]byte(nil), c.mem...)
	c.reset()
	return c, nil
}

// Tx implements regbus.Bus.
func (c *Controller) Tx(addr uint16, w, r []byte) error {
	c.mu.Lock()
	var err error
	switch {
	case c.boot && addr == BootAddr:
		err = c.bootTx(w, r)
	case !c.boot && addr == AppAddr:
		err = c.appTx(w, r)
	default:
		err = ErrNak
	}
	irq := c.irq
	c.irq = false
	c.mu.Unlock()
	if irq && c.Interrupt != nil {
		c.Interrupt()
	}
	return err
}

func (c *Controller) appTx(w, r []byte) error {
	if len(w) < 2 {
		return ErrNak
	}
	reg := int(binary.LittleEndian.Uint16(w))
	if len(w) > 2 {
		return c.write(reg, w[2:])
	}
	if reg+len(r) > len(c.mem) {
		return ErrNak
	}
	t5, _ := c.m.Get(capmap.MessageProcessor)
	t44, hasCount := c.m.Get(capmap.MessageCount)
	switch {
	case hasCount && reg == int(t44.Base):
		r[0] = byte(len(c.queue))
		c.pop(r[t44.Size:])
	case reg == int(t5.Base):
		c.pop(r)
	default:
		copy(r, c.mem[reg:])
	}
	return nil
}

// pop fills buf with pending messages.
func (c *Controller) pop(buf []byte) {
	size := c.m.MessageSize
	for off := 0; off+size <= len(buf); off += size {
		rec := buf[off : off+size]
		clear(rec)
		if len(c.queue) == 0 {
			rec[0] = capmap.NoMessage
			continue
		}
		copy(rec, c.queue[0])
		c.queue = c.queue[1:]
	}
}

func (c *Controller) write(reg int, data []byte) error {
	if reg+len(data) > len(c.mem) {
		return ErrNak
	}
	c.writes = append(c.writes, Write{Reg: uint16(reg), Data: append([]byte(nil), data...)})
	copy(c.mem[reg:], data)
	t6, _ := c.m.Get(capmap.CommandProcessor)
	base := int(t6.Base)
	if reg+len(data) <= base || reg >= base+t6.Size {
		return nil
	}
	cmds := c.mem[base : base+t6.Size]
	switch cmds[cmdReset] {
	case resetValue:
		c.reset()
	case bootValue:
		c.boot = true
		c.bl = blLocked
		c.irq = true
	}
	if cmds[cmdBackup] == backupValue {
		copy(c.nvram, c.mem)
		c.status(0)
	}
	if cmds[cmdReportAll] != 0 {
		c.status(0)
	}
	// Commands clear themselves.
	clear(cmds)
	return nil
}

// reset reloads the configuration from non-volatile memory.
func (c *Controller) reset() {
	start, _ := c.m.ConfigArea()
	copy(c.mem[start:], c.nvram[start:])
	c.queue = nil
	c.crc = c.checksum()
	c.status(statusReset)
}

func (c *Controller) checksum() uint32 {
	start, end := c.m.ConfigArea()
	if t7, ok := c.m.Get(capmap.PowerConfig); ok {
		start = int(t7.Base)
	}
	return crc24.Checksum(c.mem[start:end])
}

// status queues a command processor message.
func (c *Controller) status(flags byte) {
	t6, _ := c.m.Get(capmap.CommandProcessor)
	rec := []byte{byte(t6.FirstID), flags, 0, 0, 0}
	crc24.Encode(rec[2:], c.crc)
	c.queue = append(c.queue, rec)
	c.irq = true
}

func (c *Controller) bootTx(w, r []byte) error {
	if len(r) > 0 {
		c.bootRead(r)
		return nil
	}
	switch c.bl {
	case blLocked:
		if len(w) != 2 || w[0] != unlock0 || w[1] != unlock1 {
			return ErrNak
		}
		c.bl = blWaiting
		c.irq = true
	case blWaiting:
		if len(w) < 2 || int(binary.BigEndian.Uint16(w))+2 != len(w) {
			c.bl = blFailed
		} else {
			c.bl = blChecking
			c.attempts++
		}
		c.irq = true
	default:
		return ErrNak
	}
	return nil
}

func (c *Controller) bootRead(r []byte) {
	var st byte
	switch c.bl {
	case blLocked:
		st = blWaitCmd | bootloaderID
		if c.Extended {
			st = blWaitCmd | blExtendedID
		}
	case blWaiting:
		st = blWaitFrame | bootloaderID
	case blChecking:
		st = blCRCCheck
		if c.FailCRC >= 0 && c.attempts > c.FailCRC {
			c.bl = blPassed
		} else {
			c.bl = blFailed
		}
		c.irq = true
	case blPassed:
		st = blCRCPass
		c.attempts = 0
		c.accepted++
		c.frames++
		c.bl = blWaiting
		c.irq = true
		if c.ImageFrames > 0 && c.accepted >= c.ImageFrames {
			c.boot = false
			c.accepted = 0
			c.id.Version, c.id.Build = c.Version, c.Build
			copy(c.mem, capmap.EncodeInfoBlock(c.id, c.objects))
			c.reset()
		}
	case blFailed:
		st = blCRCFail
		c.bl = blWaiting
		c.irq = true
	}
	clear(r)
	r[0] = st
	if len(r) >= 3 && c.Extended && c.bl == blLocked {
		r[1], r[2] = bootloaderID, bootloaderVer
	}
}

// Message queues a message and asserts the interrupt line.
func (c *Controller) Message(rec []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, append([]byte(nil), rec...))
	c.mu.Unlock()
	if c.Interrupt != nil {
		c.Interrupt()
	}
}

// Touch queues a multi-touch message for slot. A zero flags value
// reports the contact lifted.
func (c *Controller) Touch(slot int, flags byte, x, y int) {
	c.mu.Lock()
	t9, _ := c.m.Get(capmap.MultiTouch)
	c.mu.Unlock()
	c.Message([]byte{
		byte(t9.FirstID + slot), flags,
		byte(x >> 4), byte(y >> 4), byte(x&0xf)<<4 | byte(y&0xf),
		1, 10,
	})
}

// EnterBootloader switches to bootloader mode, as after a failed
// firmware update.
func (c *Controller) EnterBootloader() {
	c.mu.Lock()
	c.boot = true
	c.bl = blLocked
	c.mu.Unlock()
}

// Writes returns and forgets the application register writes.
func (c *Controller) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.writes
	c.writes = nil
	return w
}

// Mem returns a copy of n registers at reg.
func (c *Controller) Mem(reg uint16, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.mem[reg:int(reg)+n]...)
}

// ConfigCRC returns the checksum of the running configuration.
func (c *Controller) ConfigCRC() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crc
}

// InBootloader reports whether the bootloader is running.
func (c *Controller) InBootloader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boot
}

// Frames returns the number of accepted frames.
func (c *Controller) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Attempts returns the number of times the current frame was written.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
