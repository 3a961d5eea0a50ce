// Package uinput publishes controller input as a Linux multi-touch
// input device.
package uinput

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
	"touchctl.org/msg"
)

// ioctl requests.
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
	uiSetAbsBit  = 0x40045567
)

// Event types and codes.
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport = 0

	btnTouch = 0x14a
	// btn0 is the code of the first key.
	btn0 = 0x100

	absMTSlot       = 0x2f
	absMTTouchMajor = 0x30
	absMTPositionX  = 0x35
	absMTPositionY  = 0x36
	absMTTrackingID = 0x39
	absMTPressure   = 0x3a
	absCount        = 0x40

	busI2C = 0x18
)

const nameSize = 80

// Config describes the published device.
type Config struct {
	Name string
	// MaxX and MaxY are the largest reported coordinates.
	MaxX, MaxY int
	Slots      int
	// Keys is the number of keys, reported from BTN_0 on.
	Keys                  int
	MaxPressure, MaxMajor int
	Vendor, Product       uint16
}

// Device is an input device implementing msg.Sink. Write errors are
// logged and kept; Err returns the first.
type Device struct {
	w      io.Writer
	f      *os.File
	cfg    Config
	buf    []byte
	err    error
	active []bool
	nextID int32
	ids    []int32
}

var _ msg.Sink = (*Device)(nil)

// Open creates the input device.
func Open(cfg Config) (*Device, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("uinput: %w", err)
	}
	if err := setup(f, cfg); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput: %w", err)
	}
	d := newDevice(f, cfg)
	d.f = f
	return d, nil
}

func setup(f *os.File, cfg Config) error {
	fd := int(f.Fd())
	set := func(req uint, vals ...int) error {
		for _, v := range vals {
			if err := unix.IoctlSetInt(fd, req, v); err != nil {
				return fmt.Errorf("ioctl %#x %#x: %w", req, v, err)
			}
		}
		return nil
	}
	if err := set(uiSetEvBit, evSyn, evKey, evAbs); err != nil {
		return err
	}
	keys := []int{btnTouch}
	for i := 0; i < cfg.Keys; i++ {
		keys = append(keys, btn0+i)
	}
	if err := set(uiSetKeyBit, keys...); err != nil {
		return err
	}
	var absMax [absCount]int32
	absMax[absMTSlot] = int32(max(cfg.Slots, 1) - 1)
	absMax[absMTPositionX] = int32(cfg.MaxX)
	absMax[absMTPositionY] = int32(cfg.MaxY)
	absMax[absMTPressure] = int32(cfg.MaxPressure)
	absMax[absMTTouchMajor] = int32(cfg.MaxMajor)
	absMax[absMTTrackingID] = 0xffff
	if err := set(uiSetAbsBit, absMTSlot, absMTPositionX, absMTPositionY, absMTPressure, absMTTouchMajor, absMTTrackingID); err != nil {
		return err
	}
	if _, err := f.Write(userDev(cfg, absMax)); err != nil {
		return fmt.Errorf("device description: %w", err)
	}
	return set(uiDevCreate, 0)
}

// userDev encodes a struct uinput_user_dev.
func userDev(cfg Config, absMax [absCount]int32) []byte {
	var name [nameSize]byte
	copy(name[:nameSize-1], cfg.Name)
	b := append([]byte(nil), name[:]...)
	b = binary.NativeEndian.AppendUint16(b, busI2C)
	b = binary.NativeEndian.AppendUint16(b, cfg.Vendor)
	b = binary.NativeEndian.AppendUint16(b, cfg.Product)
	b = binary.NativeEndian.AppendUint16(b, 1)
	// ff_effects_max.
	b = binary.NativeEndian.AppendUint32(b, 0)
	for _, v := range absMax {
		b = binary.NativeEndian.AppendUint32(b, uint32(v))
	}
	// absmin, absfuzz and absflat.
	return append(b, make([]byte, 3*4*absCount)...)
}

func newDevice(w io.Writer, cfg Config) *Device {
	return &Device{
		w:      w,
		cfg:    cfg,
		active: make([]bool, cfg.Slots),
		ids:    make([]int32, cfg.Slots),
	}
}

// event appends a struct input_event with a zero timestamp; the kernel
// stamps events written to uinput.
func (d *Device) event(typ, code uint16, value int32) {
	var tv unix.Timeval
	d.buf = append(d.buf, make([]byte, unsafe.Sizeof(tv))...)
	d.buf = binary.NativeEndian.AppendUint16(d.buf, typ)
	d.buf = binary.NativeEndian.AppendUint16(d.buf, code)
	d.buf = binary.NativeEndian.AppendUint32(d.buf, uint32(value))
}

// Contact implements msg.Sink.
func (d *Device) Contact(c msg.Contact) {
	if c.Slot < 0 || c.Slot >= len(d.active) {
		return
	}
	d.event(evAbs, absMTSlot, int32(c.Slot))
	if !c.Active {
		d.active[c.Slot] = false
		d.event(evAbs, absMTTrackingID, -1)
		return
	}
	if !d.active[c.Slot] {
		d.active[c.Slot] = true
		d.ids[c.Slot] = d.nextID
		d.nextID = (d.nextID + 1) & 0xffff
		d.event(evAbs, absMTTrackingID, d.ids[c.Slot])
	}
	d.event(evAbs, absMTPositionX, int32(c.X))
	d.event(evAbs, absMTPositionY, int32(c.Y))
	d.event(evAbs, absMTPressure, int32(c.Pressure))
	d.event(evAbs, absMTTouchMajor, int32(c.Major))
}

// Key implements msg.Sink.
func (d *Device) Key(index int, pressed bool) {
	if index < 0 || index >= d.cfg.Keys {
		return
	}
	var v int32
	if pressed {
		v = 1
	}
	d.event(evKey, uint16(btn0+index), v)
}

// Sync implements msg.Sink.
func (d *Device) Sync() {
	var touch int32
	for _, a := range d.active {
		if a {
			touch = 1
			break
		}
	}
	d.event(evKey, btnTouch, touch)
	d.event(evSyn, synReport, 0)
	buf := d.buf
	d.buf = d.buf[:0]
	if d.err != nil {
		return
	}
	if _, err := d.w.Write(buf); err != nil {
		glog.Warningf("uinput: %v", err)
		d.err = err
	}
}

// Err returns the first write error.
func (d *Device) Err() error {
	return d.err
}

// Close destroys the input device.
func (d *Device) Close() error {
	if d.f == nil {
		return nil
	}
	if err := unix.IoctlSetInt(int(d.f.Fd()), uiDevDestroy, 0); err != nil {
		d.f.Close()
		return fmt.Errorf("uinput: %w", err)
	}
	return d.f.Close()
}
