package msg

import (
	"fmt"
	"slices"

	"github.com/golang/glog"
	"touchctl.org/capmap"
)

// Contact is a host-visible contact update.
type Contact struct {
	Slot   int
	Active bool
	X, Y   int
	// Pressure and Major are the signal amplitude and contact size.
	Pressure, Major int
}

// Sink receives decoded input. Contact and Key calls accumulate until
// Sync publishes them as one frame.
type Sink interface {
	Contact(c Contact)
	Key(index int, pressed bool)
	Sync()
}

// Method is a report retrieval method.
type Method int

const (
	// CountRegister reads a pending report count together with the
	// first report, then the rest in one block.
	CountRegister Method = iota
	// Drain reads reports in small batches until the no-message id.
	Drain
	// InterruptStatus reads the interrupt status register and the data
	// of every function with a bit set.
	InterruptStatus
)

func (m Method) String() string {
	switch m {
	case CountRegister:
		return "count-register"
	case Drain:
		return "drain"
	case InterruptStatus:
		return "interrupt-status"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// drainBatch is the number of messages read at a time by Drain.
const drainBatch = 2

// keysPerInstance is the number of keys in one key array instance.
const keysPerInstance = 32

// Dispatcher retrieves pending reports, decodes them and forwards the
// changes to a Sink. A Dispatcher is bound to one capability map; a new
// one is created after every discovery.
type Dispatcher struct {
	// OnStatus, if set, is called for every status report.
	OnStatus func(Status)

	r      capmap.Reader
	m      *capmap.Map
	sink   Sink
	method Method

	buf []byte
	// Object-table message registers.
	t5, t44 capmap.Capability
	// Function-scan functions.
	f01, f12        capmap.Capability
	hasF12, hasF1A  bool
	objOff, objSize int

	// batch holds the reports retrieved by one Dispatch until every
	// read succeeded.
	batch []Report
	slots []bool
	keys  []uint32
	dirty bool
}

// NewDispatcher creates a dispatcher for map m, reading registers from
// r. Buffers are sized once from the map.
func NewDispatcher(r capmap.Reader, m *capmap.Map, sink Sink) (*Dispatcher, error) {
	d := &Dispatcher{r: r, m: m, sink: sink}
	bufSize := m.MessageBufferSize()
	switch m.Protocol {
	case capmap.ObjectTable:
		var err error
		if d.t5, err = m.Require(capmap.MessageProcessor); err != nil {
			return nil, err
		}
		d.method = Drain
		if t44, ok := m.Get(capmap.MessageCount); ok && t44.End() == int(d.t5.Base) {
			d.t44 = t44
			d.method = CountRegister
			bufSize += t44.Size
		}
		if t9, ok := m.Get(capmap.MultiTouch); ok && t9.HasIDs() {
			d.slots = make([]bool, t9.LastID-t9.FirstID+1)
		}
		if t15, ok := m.Get(capmap.KeyArray); ok {
			d.keys = make([]uint32, t15.Instances)
		}
		bufSize = max(bufSize, drainBatch*m.MessageSize)
	case capmap.FunctionScan:
		var err error
		if d.f01, err = m.Require(capmap.DeviceControl); err != nil {
			return nil, err
		}
		d.method = InterruptStatus
		d.f12, d.hasF12 = m.Get(capmap.Sensor2D)
		if d.hasF12 {
			if reg, ok := d.f12.DataRegs.Get(1); ok {
				d.objOff, _ = d.f12.DataRegs.Offset(1)
				d.objSize = reg.Size
				d.slots = make([]bool, reg.Size/objectSize)
			}
			bufSize = max(bufSize, d.f12.DataRegs.Size())
		}
		_, d.hasF1A = m.Get(capmap.Buttons)
		if d.hasF1A {
			d.keys = make([]uint32, 1)
		}
	default:
		return nil, fmt.Errorf("msg: unsupported protocol %v", m.Protocol)
	}
	d.buf = make([]byte, bufSize)
	return d, nil
}

// Method returns the retrieval method in use.
func (d *Dispatcher) Method() Method {
	return d.method
}

// Dispatch retrieves and handles every pending report and returns the
// number handled. The sink is synchronized at most once, after the whole
// batch. A bus error discards the batch and reports zero handled.
func (d *Dispatcher) Dispatch() (int, error) {
	var n int
	var err error
	d.batch = d.batch[:0]
	defer func() { clear(d.batch) }()
	switch d.method {
	case CountRegister:
		n, err = d.dispatchCount()
	case Drain:
		n, err = d.dispatchDrain()
	case InterruptStatus:
		n, err = d.dispatchStatus()
	}
	if err != nil {
		return 0, fmt.Errorf("msg: %w", err)
	}
	for _, r := range d.batch {
		d.handle(r)
	}
	d.flush()
	return n, nil
}

func (d *Dispatcher) dispatchCount() (int, error) {
	size := d.m.MessageSize
	first := d.buf[:d.t44.Size+size]
	if err := d.r.Read(d.t44.Base, first); err != nil {
		return 0, err
	}
	count := int(first[0])
	if count == 0 {
		return 0, nil
	}
	if limit := d.m.MaxID + 1; count > limit {
		glog.Warningf("msg: %d pending reports exceed %d report ids", count, d.m.MaxID)
		count = limit
	}
	d.batch = append(d.batch, Decode(d.m, first[d.t44.Size:]))
	if count == 1 {
		return 1, nil
	}
	rest := d.buf[:(count-1)*size]
	if err := d.r.Read(d.t5.Base, rest); err != nil {
		return 0, err
	}
	handled := 1
	for i := 0; i < count-1; i++ {
		rec := rest[i*size : (i+1)*size]
		if rec[0] == capmap.NoMessage {
			continue
		}
		d.batch = append(d.batch, Decode(d.m, rec))
		handled++
	}
	return handled, nil
}

func (d *Dispatcher) dispatchDrain() (int, error) {
	size := d.m.MessageSize
	batch := d.buf[:drainBatch*size]
	limit := max(d.m.MaxID, 1)
	handled := 0
	for {
		if err := d.r.Read(d.t5.Base, batch); err != nil {
			return 0, err
		}
		for i := 0; i < drainBatch; i++ {
			rec := batch[i*size : (i+1)*size]
			if rec[0] == capmap.NoMessage {
				return handled, nil
			}
			d.batch = append(d.batch, Decode(d.m, rec))
			handled++
			if handled >= limit {
				return handled, nil
			}
		}
	}
}

func (d *Dispatcher) dispatchStatus() (int, error) {
	irq := d.buf[:d.m.MessageSize]
	if err := d.r.Read(d.f01.Data+1, irq); err != nil {
		return 0, err
	}
	var seen []uint8
	handled := 0
	for bit := 0; bit <= d.m.MaxID; bit++ {
		if irq[bit/8]&(1<<(bit%8)) == 0 {
			continue
		}
		c, ok := d.m.Lookup(bit)
		if !ok {
			glog.V(1).Infof("msg: interrupt bit %d not owned by any function", bit)
			continue
		}
		if slices.Contains(seen, c.Type) {
			continue
		}
		seen = append(seen, c.Type)
		r, err := d.readFunction(c, bit)
		if err != nil {
			return 0, err
		}
		d.batch = append(d.batch, r)
		handled++
	}
	return handled, nil
}

// readFunction reads the data registers of a function-scan capability
// with a pending interrupt.
func (d *Dispatcher) readFunction(c capmap.Capability, bit int) (Report, error) {
	switch c.Type {
	case capmap.DeviceControl:
		var st [1]byte
		if err := d.r.Read(c.Data, st[:]); err != nil {
			return nil, err
		}
		// The low bits are a status code, not flags.
		return Status{Flags: st[0] & StatusReset}, nil
	case capmap.Sensor2D:
		if d.objSize == 0 {
			break
		}
		data := d.buf[:d.f12.DataRegs.Size()]
		if err := d.r.Read(c.Data, data); err != nil {
			return nil, err
		}
		return DecodeObjects(data[d.objOff : d.objOff+d.objSize]), nil
	case capmap.Buttons:
		var st [1]byte
		if err := d.r.Read(c.Data, st[:]); err != nil {
			return nil, err
		}
		return Keys{State: uint32(st[0])}, nil
	}
	return Unknown{ID: bit}, nil
}

func (d *Dispatcher) handle(r Report) {
	switch r := r.(type) {
	case Status:
		if r.Flags&StatusReset != 0 {
			glog.V(1).Infof("msg: controller reset, config crc %#06x", r.ConfigCRC)
		}
		if r.Flags&(StatusConfigError|StatusSignalError|StatusOverflow) != 0 {
			glog.Warningf("msg: controller status %#02x", r.Flags)
		}
		if d.OnStatus != nil {
			d.OnStatus(r)
		}
	case Touch:
		d.touch(r)
	case Objects:
		for _, t := range r.Touches {
			d.touch(t)
		}
	case Keys:
		d.setKeys(r.Instance, r.State)
	case Unknown:
		if _, ok := d.m.Lookup(r.ID); !ok {
			glog.V(1).Infof("msg: discarding %v", r)
			return
		}
		glog.V(2).Infof("msg: no decoder for %v", r)
	}
}

func (d *Dispatcher) touch(t Touch) {
	if t.Slot < 0 || t.Slot >= len(d.slots) {
		return
	}
	active := t.Active()
	if !active && !d.slots[t.Slot] {
		return
	}
	d.slots[t.Slot] = active
	c := Contact{Slot: t.Slot, Active: active}
	if active {
		c.X, c.Y = t.X, t.Y
		c.Pressure, c.Major = int(t.Amplitude), int(t.Area)
	}
	d.sink.Contact(c)
	d.dirty = true
}

func (d *Dispatcher) setKeys(instance int, state uint32) {
	if instance < 0 || instance >= len(d.keys) {
		return
	}
	changed := d.keys[instance] ^ state
	if changed == 0 {
		return
	}
	d.keys[instance] = state
	for k := 0; k < keysPerInstance; k++ {
		if changed&(1<<k) != 0 {
			d.sink.Key(instance*keysPerInstance+k, state&(1<<k) != 0)
		}
	}
	d.dirty = true
}

func (d *Dispatcher) flush() {
	if d.dirty {
		d.sink.Sync()
		d.dirty = false
	}
}

// ReleaseAll lifts every active contact and pressed key and
// synchronizes the sink once.
func (d *Dispatcher) ReleaseAll() {
	for slot, active := range d.slots {
		if active {
			d.touch(Touch{Slot: slot})
		}
	}
	for i := range d.keys {
		d.setKeys(i, 0)
	}
	d.flush()
}
