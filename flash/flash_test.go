package flash

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"touchctl.org/capmap"
	"touchctl.org/internal/sim"
	"touchctl.org/signal"
)

var testObjects = []capmap.Capability{
	{Type: capmap.MessageProcessor, Base: 0x40, Size: 10},
	{Type: capmap.CommandProcessor, Base: 0x4a, Size: 6, IDs: 1},
	{Type: capmap.PowerConfig, Base: 0x50, Size: 4},
}

var testFrames = [][]byte{
	{0x00, 0x04, 0xaa, 0xbb, 0xc1, 0xc2},
	{0x00, 0x03, 0x01, 0xc3, 0xc4},
}

// recorder records the writes passed to a bus.
type recorder struct {
	*sim.Controller
	writes [][]byte
}

func (r *recorder) Tx(addr uint16, w, rd []byte) error {
	if len(w) > 0 {
		r.writes = append(r.writes, append([]byte(nil), w...))
	}
	return r.Controller.Tx(addr, w, rd)
}

func (r *recorder) count(frame []byte) int {
	n := 0
	for _, w := range r.writes {
		if bytes.Equal(w, frame) {
			n++
		}
	}
	return n
}

func newBootloader(t *testing.T) (*recorder, *signal.Signal) {
	t.Helper()
	c, err := sim.New(capmap.Identity{Family: 0xa4, Version: 0x10, Build: 0xaa}, testObjects)
	if err != nil {
		t.Fatal(err)
	}
	sig := new(signal.Signal)
	c.Interrupt = sig.Notify
	c.EnterBootloader()
	return &recorder{Controller: c}, sig
}

func testOptions() Options {
	return Options{
		FrameTimeout: 100 * time.Millisecond,
		ResetTimeout: 20 * time.Millisecond,
		RetryDelay:   time.Microsecond,
		PollInterval: time.Millisecond,
	}
}

func TestLookupAddress(t *testing.T) {
	tests := []struct {
		app    uint16
		family uint8
		retry  bool
		want   uint16
	}{
		{0x4a, 0xa4, false, 0x26},
		{0x4a, 0x81, false, 0x24},
		{0x4a, 0x81, true, 0x26},
		{0x4b, 0xa2, false, 0x27},
		{0x4c, 0xa4, false, 0x26},
		{0x5b, 0x81, true, 0x35},
	}
	for _, test := range tests {
		got, err := LookupAddress(test.app, test.family, test.retry)
		if err != nil || got != test.want {
			t.Errorf("LookupAddress(%#x, %#x, %v) = %#x, %v, want %#x", test.app, test.family, test.retry, got, err, test.want)
		}
	}
	if _, err := LookupAddress(0x20, 0xa4, false); err == nil {
		t.Error("LookupAddress(0x20) succeeded")
	}
}

func TestProgram(t *testing.T) {
	bus, sig := newBootloader(t)
	bus.ImageFrames = len(testFrames)
	bus.FailCRC = 1
	opts := testOptions()
	ready := 0
	var progress []Progress
	opts.Ready = func() { ready++ }
	opts.Progress = func(p Progress) { progress = append(progress, p) }
	p := New(bus, sim.BootAddr, sig, opts)
	if err := p.Program(testFrames); err != nil {
		t.Fatal(err)
	}
	if ready != 1 {
		t.Errorf("Ready called %d times", ready)
	}
	if len(progress) != 2 {
		t.Fatalf("progress %+v", progress)
	}
	last := progress[1]
	if last.Frame != 2 || last.Frames != 2 || last.Bytes != 11 || last.Total != 11 || last.Retries != 2 {
		t.Errorf("progress %+v", last)
	}
	if !bytes.Equal(bus.writes[0], unlockCommand) {
		t.Errorf("first write % x, want unlock", bus.writes[0])
	}
	for i, f := range testFrames {
		if n := bus.count(f); n != 2 {
			t.Errorf("frame %d written %d times", i, n)
		}
	}
	if bus.InBootloader() {
		t.Error("controller did not leave the bootloader")
	}
	if n := bus.Frames(); n != 2 {
		t.Errorf("%d frames accepted", n)
	}
}

func TestRetryExceeded(t *testing.T) {
	bus, sig := newBootloader(t)
	bus.FailCRC = -1
	p := New(bus, sim.BootAddr, sig, testOptions())
	err := p.Program(testFrames)
	if !errors.Is(err, ErrRetryExceeded) {
		t.Fatalf("Program: %v", err)
	}
	if n := bus.count(testFrames[0]); n != DefaultMaxAttempts {
		t.Errorf("frame written %d times, want %d", n, DefaultMaxAttempts)
	}
	if n := bus.count(testFrames[1]); n != 0 {
		t.Errorf("second frame written %d times", n)
	}

	// The bootloader stays unlocked for the next attempt.
	bus.writes = nil
	bus.FailCRC = 0
	bus.ImageFrames = len(testFrames)
	if err := p.Program(testFrames); err != nil {
		t.Fatal(err)
	}
	if n := bus.count(unlockCommand); n != 0 {
		t.Errorf("unlock written %d times to an unlocked bootloader", n)
	}
}

func TestProbe(t *testing.T) {
	bus, sig := newBootloader(t)
	p := New(bus, sim.BootAddr, sig, testOptions())
	info, err := p.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if info.Extended || info.Status&statusMask != WaitingBootloadCmd || info.ID != 0x0a {
		t.Errorf("Probe = %+v", info)
	}

	bus.Extended = true
	info, err = p.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if !info.Extended || info.ID != 0x0a || info.Version != 0x01 {
		t.Errorf("extended Probe = %+v", info)
	}

	if _, err := New(bus, sim.AppAddr, sig, testOptions()).Probe(); !errors.Is(err, ErrNoBootloader) {
		t.Errorf("Probe at the application address: %v", err)
	}
}

func TestSilentAddress(t *testing.T) {
	bus, sig := newBootloader(t)
	p := New(bus, 0x30, sig, testOptions())
	if err := p.Program(testFrames); !errors.Is(err, ErrNoBootloader) {
		t.Errorf("Program at a silent address: %v", err)
	}
	if len(bus.writes) != 0 {
		t.Errorf("%d writes", len(bus.writes))
	}
}

func TestApplicationDoesNotStart(t *testing.T) {
	bus, sig := newBootloader(t)
	p := New(bus, sim.BootAddr, sig, testOptions())
	err := p.Program(testFrames)
	if !errors.Is(err, signal.ErrTimeout) {
		t.Fatalf("Program: %v", err)
	}
	if !bus.InBootloader() {
		t.Error("controller left the bootloader")
	}
	if n := bus.Frames(); n != len(testFrames) {
		t.Errorf("%d frames accepted", n)
	}
}

func TestNoResetSignal(t *testing.T) {
	bus, sig := newBootloader(t)
	bus.ImageFrames = len(testFrames)
	// The line is never asserted; every wait falls back to polling.
	bus.Interrupt = nil
	opts := testOptions()
	p := New(bus, sim.BootAddr, sig, opts)
	start := time.Now()
	if err := p.Program(testFrames); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < opts.ResetTimeout {
		t.Errorf("Program returned after %v, before the reset signal timeout", d)
	}
	if bus.InBootloader() {
		t.Error("controller did not leave the bootloader")
	}
}
