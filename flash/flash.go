// Package flash programs controller firmware through the frame
// bootloader of object-table controllers.
//
// The bootloader answers at its own bus address. Every transfer is raw:
// a status read is a plain read of one (or three) bytes, a frame is a
// plain write. The bootloader asserts its interrupt line at every
// status change; waits watch the line and poll the status in between,
// so a missed edge only costs a poll interval.
package flash

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"touchctl.org/regbus"
	"touchctl.org/signal"
)

// Bootloader status values.
const (
	WaitingBootloadCmd = 0xc0
	WaitingFrameData   = 0x80
	// statusMask selects the state bits of the waiting states; the
	// others carry the bootloader id.
	statusMask = 0xc0
	extendedID = 0x20

	FrameCRCCheck = 0x02
	FrameCRCFail  = 0x03
	FrameCRCPass  = 0x04
	AppCRCFail    = 0x40
)

var unlockCommand = []byte{0xdc, 0xaa}

// Defaults for Options.
const (
	DefaultFrameTimeout = 300 * time.Millisecond
	DefaultResetTimeout = 3 * time.Second
	DefaultRetryDelay   = 20 * time.Millisecond
	DefaultMaxAttempts  = 20
	DefaultPollInterval = 10 * time.Millisecond
)

var (
	// ErrRetryExceeded is returned when a frame is rejected by the
	// bootloader MaxAttempts times.
	ErrRetryExceeded = errors.New("flash: frame retries exceeded")
	// ErrNoBootloader is returned when no bootloader answers.
	ErrNoBootloader = errors.New("flash: no bootloader")
	errCRCFail      = errors.New("frame crc failure")
	errAppCRCFail   = errors.New("application crc failure")
)

// Options control a Programmer. Zero fields take their defaults.
type Options struct {
	// FrameTimeout bounds the wait for every status change during the
	// frame loop.
	FrameTimeout time.Duration
	// ResetTimeout bounds the waits for the controller reset after the
	// last frame.
	ResetTimeout time.Duration
	// RetryDelay is the delay increment between attempts of a frame:
	// attempt n waits n×RetryDelay before resending.
	RetryDelay time.Duration
	// MaxAttempts bounds the number of times a frame is written.
	MaxAttempts int
	// PollInterval bounds the time between status polls.
	PollInterval time.Duration
	// Ready is called when the bootloader is unlocked and about to
	// receive the first frame.
	Ready func()
	// Progress is called after each accepted frame.
	Progress func(Progress)
}

// Progress describes the state of a firmware transfer.
type Progress struct {
	Frame, Frames int
	Bytes, Total  int
	// Retries is the total number of resent frames.
	Retries int
}

// Info identifies a bootloader.
type Info struct {
	Status byte
	// ID and Version are only reported by bootloaders with extended
	// ids.
	ID, Version byte
	Extended    bool
}

// Programmer drives one bootloader.
type Programmer struct {
	bus  regbus.Bus
	addr uint16
	sig  *signal.Signal
	opts Options
	buf  [3]byte
}

// New creates a programmer for the bootloader at addr. The interrupt
// line is watched through sig, which may be nil to poll only.
func New(bus regbus.Bus, addr uint16, sig *signal.Signal, opts Options) *Programmer {
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Programmer{bus: bus, addr: addr, sig: sig, opts: opts}
}

// LookupAddress returns the bootloader address of a controller at
// application address app. Retry selects the alternate address of the
// 0x4a/0x4b pair, which newer families use by default.
func LookupAddress(app uint16, family uint8, retry bool) (uint16, error) {
	switch app {
	case 0x4a, 0x4b:
		if retry || family >= 0xa2 {
			return app - 0x24, nil
		}
		return app - 0x26, nil
	case 0x4c, 0x4d, 0x5a, 0x5b:
		return app - 0x26, nil
	default:
		return 0, fmt.Errorf("flash: no bootloader address for %#02x", app)
	}
}

func (p *Programmer) readStatus() (byte, error) {
	if err := p.bus.Tx(p.addr, nil, p.buf[:1]); err != nil {
		return 0, err
	}
	return p.buf[0], nil
}

// Probe reads the bootloader status and, for bootloaders with extended
// ids, its id and version.
func (p *Programmer) Probe() (Info, error) {
	st, err := p.readStatus()
	if err != nil {
		return Info{}, fmt.Errorf("%w at %#02x: %v", ErrNoBootloader, p.addr, err)
	}
	info := Info{Status: st}
	if st&statusMask == WaitingBootloadCmd && st&extendedID != 0 {
		if err := p.bus.Tx(p.addr, nil, p.buf[:3]); err != nil {
			return Info{}, fmt.Errorf("flash: bootloader id: %w", err)
		}
		info.Status, info.ID, info.Version, info.Extended = p.buf[0], p.buf[1], p.buf[2], true
	} else {
		info.ID = st & 0x1f
	}
	return info, nil
}

// wait blocks until the interrupt line asserts or d passes.
func (p *Programmer) wait(d time.Duration) {
	if p.sig == nil {
		time.Sleep(d)
		return
	}
	p.sig.Wait(d)
}

// waitStatus polls the status until done accepts it or timeout
// passes. Done returns true to stop polling and a non-nil error to fail
// the wait.
func (p *Programmer) waitStatus(timeout time.Duration, done func(st byte) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var last error
	for {
		st, err := p.readStatus()
		if err == nil {
			ok, err := done(st)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			last = fmt.Errorf("status %#02x", st)
		} else {
			// The bootloader does not acknowledge while busy.
			last = err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %v", signal.ErrTimeout, last)
		}
		p.wait(min(remaining, p.opts.PollInterval))
	}
}

func (p *Programmer) waitFrameData() error {
	return p.waitStatus(p.opts.FrameTimeout, func(st byte) (bool, error) {
		return st&statusMask == WaitingFrameData, nil
	})
}

func (p *Programmer) waitCRC() error {
	return p.waitStatus(p.opts.FrameTimeout, func(st byte) (bool, error) {
		switch st {
		case FrameCRCPass:
			return true, nil
		case FrameCRCCheck:
			return false, nil
		case FrameCRCFail:
			return false, errCRCFail
		default:
			return false, fmt.Errorf("unexpected status %#02x", st)
		}
	})
}

// Unlock unlocks the bootloader, unless a previous attempt left it
// unlocked.
func (p *Programmer) Unlock() error {
	info, err := p.Probe()
	if err != nil {
		return err
	}
	switch info.Status & statusMask {
	case WaitingFrameData:
		glog.Infof("flash: bootloader %#02x already unlocked", info.ID)
		return nil
	case WaitingBootloadCmd:
	default:
		return fmt.Errorf("flash: unexpected bootloader status %#02x", info.Status)
	}
	glog.Infof("flash: unlocking bootloader id %#02x version %#02x", info.ID, info.Version)
	if err := p.bus.Tx(p.addr, unlockCommand, nil); err != nil {
		return fmt.Errorf("flash: unlock: %w", err)
	}
	return nil
}

// Program unlocks the bootloader, transfers frames and waits for the
// controller to reset into the new firmware. A frame is resent until
// the bootloader accepts it or it has been written MaxAttempts times.
func (p *Programmer) Program(frames [][]byte) error {
	if len(frames) == 0 {
		return errors.New("flash: no frames")
	}
	if err := p.Unlock(); err != nil {
		return err
	}
	if p.opts.Ready != nil {
		p.opts.Ready()
	}
	prog := Progress{Frames: len(frames)}
	for _, f := range frames {
		prog.Total += len(f)
	}
	attempts := 0
	for prog.Frame < len(frames) {
		f := frames[prog.Frame]
		if err := p.waitFrameData(); err != nil {
			return fmt.Errorf("flash: frame %d: waiting for frame data: %w", prog.Frame, err)
		}
		attempts++
		err := p.bus.Tx(p.addr, f, nil)
		if err == nil {
			err = p.waitCRC()
		}
		if err == nil {
			glog.V(2).Infof("flash: frame %d/%d accepted after %d attempts", prog.Frame+1, prog.Frames, attempts)
			prog.Frame++
			prog.Bytes += len(f)
			attempts = 0
			if p.opts.Progress != nil {
				p.opts.Progress(prog)
			}
			continue
		}
		if attempts >= p.opts.MaxAttempts {
			return fmt.Errorf("%w: frame %d: %d attempts: %v", ErrRetryExceeded, prog.Frame, attempts, err)
		}
		glog.V(1).Infof("flash: frame %d attempt %d: %v", prog.Frame, attempts, err)
		prog.Retries++
		time.Sleep(time.Duration(attempts) * p.opts.RetryDelay)
	}
	glog.Infof("flash: sent %d frames, %d bytes, %d retries", prog.Frames, prog.Total, prog.Retries)
	if err := p.waitExit(); err != nil {
		return fmt.Errorf("flash: waiting for reset: %w", err)
	}
	// Some controllers do not assert the line once the application runs.
	if p.sig != nil {
		if err := p.sig.Wait(p.opts.ResetTimeout); err != nil {
			glog.V(1).Infof("flash: no reset signal from the application: %v", err)
		}
	}
	return nil
}

// waitExit waits for the bootloader to start the application, after
// which it stops answering at its address.
func (p *Programmer) waitExit() error {
	deadline := time.Now().Add(p.opts.ResetTimeout)
	for {
		st, err := p.readStatus()
		if err != nil {
			return nil
		}
		if st&statusMask == AppCRCFail {
			return errAppCRCFail
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: bootloader status %#02x", signal.ErrTimeout, st)
		}
		p.wait(min(remaining, p.opts.PollInterval))
	}
}
