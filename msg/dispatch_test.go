package msg

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"touchctl.org/capmap"
)

// queue serves object-table messages from the count and message
// processor registers.
type queue struct {
	t44, t5 uint16
	size    int
	pending [][]byte
	reads   int
	err     error
	// errT5 fails reads of the message processor only.
	errT5 error
}

func (q *queue) Read(reg uint16, buf []byte) error {
	q.reads++
	if q.err != nil {
		return q.err
	}
	switch reg {
	case q.t44:
		buf[0] = byte(len(q.pending))
		q.fill(buf[1:])
	case q.t5:
		if q.errT5 != nil {
			return q.errT5
		}
		q.fill(buf)
	default:
		return fmt.Errorf("unexpected read of %#04x", reg)
	}
	return nil
}

func (q *queue) fill(buf []byte) {
	for off := 0; off+q.size <= len(buf); off += q.size {
		rec := buf[off : off+q.size]
		for i := range rec {
			rec[i] = 0
		}
		if len(q.pending) == 0 {
			rec[0] = capmap.NoMessage
			continue
		}
		copy(rec, q.pending[0])
		q.pending = q.pending[1:]
	}
}

type recorder struct {
	events []string
	syncs  int
}

func (r *recorder) Contact(c Contact) {
	if c.Active {
		r.events = append(r.events, fmt.Sprintf("contact %d at %d,%d p%d m%d", c.Slot, c.X, c.Y, c.Pressure, c.Major))
	} else {
		r.events = append(r.events, fmt.Sprintf("contact %d up", c.Slot))
	}
}

func (r *recorder) Key(index int, pressed bool) {
	r.events = append(r.events, fmt.Sprintf("key %d %v", index, pressed))
}

func (r *recorder) Sync() {
	r.syncs++
}

func objectMap(t *testing.T, withCount bool) *capmap.Map {
	t.Helper()
	caps := []capmap.Capability{
		{Type: capmap.MessageProcessor, Base: 0x71, Size: 10},
		{Type: capmap.CommandProcessor, Base: 0x7b, Size: 6, IDs: 1},
		{Type: capmap.MultiTouch, Base: 0x85, Size: 35, IDs: 10},
		{Type: capmap.KeyArray, Base: 0xa8, Size: 11, IDs: 1},
	}
	if withCount {
		caps = append([]capmap.Capability{{Type: capmap.MessageCount, Base: 0x70, Size: 1}}, caps...)
	}
	m, err := capmap.New(capmap.ObjectTable, capmap.Identity{}, caps)
	if err != nil {
		t.Fatal(err)
	}
	m.MessageSize = 9
	return m
}

// Report ids: T6 1, T9 2-11, T15 12.
var (
	touchDown = []byte{2, TouchDetect | TouchPress, 0x12, 0x45, 0x36, 5, 40}
	touchTwo  = []byte{4, TouchDetect | TouchPress, 0x20, 0x20, 0x00, 3, 20}
	touchUp   = []byte{2, TouchRelease}
	keys      = []byte{12, 0x80, 0x05, 0x00, 0x00, 0x00}
)

func TestCountRegister(t *testing.T) {
	m := objectMap(t, true)
	q := &queue{t44: 0x70, t5: 0x71, size: 9}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	if d.Method() != CountRegister {
		t.Fatalf("method %v", d.Method())
	}
	q.pending = [][]byte{touchDown, touchTwo, keys}
	n, err := d.Dispatch()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || q.reads != 2 {
		t.Errorf("%d reports in %d reads, want 3 in 2", n, q.reads)
	}
	want := []string{
		"contact 0 at 291,1110 p40 m5",
		"contact 2 at 512,512 p20 m3",
		"key 0 true",
		"key 2 true",
	}
	if !reflect.DeepEqual(sink.events, want) {
		t.Errorf("events %q, want %q", sink.events, want)
	}
	if sink.syncs != 1 {
		t.Errorf("%d syncs, want 1", sink.syncs)
	}

	sink.events = nil
	q.pending = [][]byte{touchUp}
	if n, err := d.Dispatch(); err != nil || n != 1 {
		t.Fatalf("Dispatch = %d, %v", n, err)
	}
	if want := []string{"contact 0 up"}; !reflect.DeepEqual(sink.events, want) {
		t.Errorf("events %q, want %q", sink.events, want)
	}
	if sink.syncs != 2 {
		t.Errorf("%d syncs, want 2", sink.syncs)
	}

	// Nothing pending.
	if n, err := d.Dispatch(); err != nil || n != 0 {
		t.Fatalf("Dispatch = %d, %v", n, err)
	}
	if sink.syncs != 2 {
		t.Errorf("sync without changes")
	}
}

func TestDrain(t *testing.T) {
	m := objectMap(t, false)
	q := &queue{t5: 0x71, size: 9}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	if d.Method() != Drain {
		t.Fatalf("method %v", d.Method())
	}
	q.pending = [][]byte{touchDown, touchTwo, keys}
	n, err := d.Dispatch()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || q.reads != 2 {
		t.Errorf("%d reports in %d reads, want 3 in 2", n, q.reads)
	}
	if sink.syncs != 1 || len(sink.events) != 4 {
		t.Errorf("%d syncs, events %q", sink.syncs, sink.events)
	}
}

func TestDrainBound(t *testing.T) {
	m := objectMap(t, false)
	q := &queue{t5: 0x71, size: 9}
	d, err := NewDispatcher(q, m, new(recorder))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		q.pending = append(q.pending, []byte{40, 0})
	}
	n, err := d.Dispatch()
	if err != nil {
		t.Fatal(err)
	}
	if n != m.MaxID {
		t.Errorf("drained %d reports, want %d", n, m.MaxID)
	}
}

func TestUnmatchedID(t *testing.T) {
	m := objectMap(t, true)
	q := &queue{t44: 0x70, t5: 0x71, size: 9}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	q.pending = [][]byte{{40, 1, 2, 3}, touchDown}
	n, err := d.Dispatch()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(sink.events) != 1 || sink.syncs != 1 {
		t.Errorf("handled %d, events %q, %d syncs", n, sink.events, sink.syncs)
	}
}

func TestStatusReport(t *testing.T) {
	m := objectMap(t, true)
	q := &queue{t44: 0x70, t5: 0x71, size: 9}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	var got []Status
	d.OnStatus = func(s Status) { got = append(got, s) }
	q.pending = [][]byte{{1, StatusReset, 0x0b, 0x2a, 0x02}}
	if _, err := d.Dispatch(); err != nil {
		t.Fatal(err)
	}
	want := []Status{{Flags: StatusReset, ConfigCRC: 0x022a0b}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("status %+v, want %+v", got, want)
	}
	if sink.syncs != 0 {
		t.Errorf("status report synchronized the sink")
	}
}

func TestBusError(t *testing.T) {
	m := objectMap(t, true)
	q := &queue{t44: 0x70, t5: 0x71, size: 9}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	errBus := errors.New("nak")
	q.err = errBus
	n, err := d.Dispatch()
	if !errors.Is(err, errBus) || n != 0 {
		t.Fatalf("Dispatch = %d, %v", n, err)
	}
	if sink.syncs != 0 {
		t.Error("sink synchronized after bus error")
	}
}

func TestBusErrorMidBatch(t *testing.T) {
	m := objectMap(t, true)
	q := &queue{t44: 0x70, t5: 0x71, size: 9, pending: [][]byte{touchDown, touchTwo}}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	errBus := errors.New("nak")
	q.errT5 = errBus
	if n, err := d.Dispatch(); !errors.Is(err, errBus) || n != 0 {
		t.Fatalf("Dispatch = %d, %v", n, err)
	}
	if len(sink.events) != 0 || sink.syncs != 0 {
		t.Fatalf("events %q, %d syncs from a failed batch", sink.events, sink.syncs)
	}

	// The next batch carries only its own reports.
	q.errT5 = nil
	if n, err := d.Dispatch(); err != nil || n != 1 {
		t.Fatalf("Dispatch = %d, %v", n, err)
	}
	want := []string{"contact 2 at 512,512 p20 m3"}
	if !reflect.DeepEqual(sink.events, want) || sink.syncs != 1 {
		t.Errorf("events %q, %d syncs", sink.events, sink.syncs)
	}
}

func TestReleaseAll(t *testing.T) {
	m := objectMap(t, true)
	q := &queue{t44: 0x70, t5: 0x71, size: 9}
	sink := new(recorder)
	d, err := NewDispatcher(q, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	q.pending = [][]byte{touchDown, touchTwo, keys}
	if _, err := d.Dispatch(); err != nil {
		t.Fatal(err)
	}
	sink.events = nil
	d.ReleaseAll()
	want := []string{"contact 0 up", "contact 2 up", "key 0 false", "key 2 false"}
	if !reflect.DeepEqual(sink.events, want) {
		t.Errorf("events %q, want %q", sink.events, want)
	}
	if sink.syncs != 2 {
		t.Errorf("%d syncs, want 2", sink.syncs)
	}
	// Nothing left to release.
	d.ReleaseAll()
	if sink.syncs != 2 {
		t.Error("empty release synchronized the sink")
	}
}

func TestDecode(t *testing.T) {
	m := objectMap(t, true)
	tests := []struct {
		rec  []byte
		want Report
	}{
		{
			[]byte{3, TouchDetect | TouchMove, 0xff, 0x00, 0xf1, 9, 99},
			Touch{Slot: 1, Flags: TouchDetect | TouchMove, X: 0xfff, Y: 0x001, Area: 9, Amplitude: 99},
		},
		{
			[]byte{1, StatusCalibrating, 0x01, 0x02, 0x03},
			Status{Flags: StatusCalibrating, ConfigCRC: 0x030201},
		},
		{
			[]byte{12, 0, 0x00, 0x01, 0x00, 0x80},
			Keys{State: 0x80000100},
		},
		{
			[]byte{0, 1},
			Unknown{ID: 0, Raw: []byte{0, 1}},
		},
		{
			// Too short for a touch record.
			[]byte{2, TouchDetect},
			Unknown{ID: 2, Raw: []byte{2, TouchDetect}},
		},
	}
	for _, test := range tests {
		if got := Decode(m, test.rec); !reflect.DeepEqual(got, test.want) {
			t.Errorf("Decode(% x) = %+v, want %+v", test.rec, got, test.want)
		}
	}
}

// regs is a flat register file.
type regs [0x100]byte

func (r *regs) Read(reg uint16, buf []byte) error {
	copy(buf, r[reg:])
	return nil
}

func TestInterruptStatus(t *testing.T) {
	data := &capmap.RegisterDescriptor{Registers: []capmap.Register{
		{Index: 0, Size: 1},
		{Index: 1, Size: 2 * objectSize},
	}}
	m, err := capmap.New(capmap.FunctionScan, capmap.Identity{}, []capmap.Capability{
		{Type: capmap.DeviceControl, Query: 0x20, Control: 0x40, Data: 0x50, IDs: 1},
		{Type: capmap.Sensor2D, Query: 0x60, Control: 0x70, Data: 0x80, IDs: 2, DataRegs: data},
		{Type: capmap.Buttons, Query: 0x90, Control: 0xa0, Data: 0xb0, IDs: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	m.MessageSize = 1
	r := new(regs)
	sink := new(recorder)
	d, err := NewDispatcher(r, m, sink)
	if err != nil {
		t.Fatal(err)
	}
	if d.Method() != InterruptStatus {
		t.Fatalf("method %v", d.Method())
	}
	// Bits 1 and 2 (2D sensor) and 3 (buttons).
	r[0x51] = 0x0e
	copy(r[0x81:], []byte{1, 100, 0, 200, 0, 30, 3, 4})
	r[0xb0] = 0x02
	n, err := d.Dispatch()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("handled %d functions, want 2", n)
	}
	want := []string{"contact 0 at 100,200 p30 m4", "key 1 true"}
	if !reflect.DeepEqual(sink.events, want) {
		t.Errorf("events %q, want %q", sink.events, want)
	}
	if sink.syncs != 1 {
		t.Errorf("%d syncs, want 1", sink.syncs)
	}

	var status []Status
	d.OnStatus = func(s Status) { status = append(status, s) }
	r[0x51] = 0x01
	r[0x50] = 0x81
	if _, err := d.Dispatch(); err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 || status[0].Flags != StatusReset {
		t.Errorf("status %+v", status)
	}
}
