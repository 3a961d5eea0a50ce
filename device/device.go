// Package device drives one touch controller through its lifecycle:
// discovery, event dispatch, power management and in-field updates.
//
// A Device serializes every operation through a single critical
// section. Firmware and configuration updates hold it for their whole
// duration; the interrupt path only tries to take it and otherwise
// leaves the edge to the running operation.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang/glog"
	"touchctl.org/capmap"
	"touchctl.org/config"
	"touchctl.org/flash"
	"touchctl.org/msg"
	"touchctl.org/regbus"
	"touchctl.org/signal"
)

var (
	// ErrInvalidState is returned for operations not permitted in the
	// current state.
	ErrInvalidState = errors.New("device: operation not permitted in this state")
	// ErrUpToDate is returned by StartReflash when the controller
	// already runs the image firmware.
	ErrUpToDate = errors.New("device: firmware already up to date")
	// ErrUnsupported is returned for operations the controller protocol
	// does not support.
	ErrUnsupported = errors.New("device: not supported by the controller protocol")
)

// Line gates the delivery of the controller interrupt line.
type Line interface {
	Enable() error
	Disable() error
}

// Defaults for Options.
const (
	DefaultAddr          = 0x4a
	DefaultResetTimeout  = 3 * time.Second
	DefaultBackupTimeout = time.Second
	DefaultPollInterval  = 10 * time.Millisecond
)

// Options configure a Device. Zero fields take their defaults.
type Options struct {
	// Addr is the application-mode bus address.
	Addr     uint16
	Protocol capmap.Protocol
	// WakeCapable keeps interrupts enabled while suspended.
	WakeCapable bool
	// StartStandby leaves a freshly discovered device in Standby until
	// PowerUp.
	StartStandby bool
	// Sink receives decoded input. It may be nil.
	Sink msg.Sink
	// Line gates interrupt delivery. It may be nil.
	Line Line
	// BusAttempts and BusRetryDelay override the register bus retry
	// policy.
	BusAttempts   int
	BusRetryDelay time.Duration
	// ResetTimeout bounds the wait for a controller reset, including
	// the start of the bootloader.
	ResetTimeout time.Duration
	// BackupTimeout bounds the wait for a backup to complete.
	BackupTimeout time.Duration
	// PollInterval bounds the time between polls while waiting.
	PollInterval time.Duration
	// TrustedKey, if set, is the key every firmware image must be
	// signed with.
	TrustedKey *secp256k1.PublicKey
	Flash      flash.Options
	Config     config.Options
}

// Patch is a register change applied whenever the device enters the
// active state.
type Patch struct {
	Type   uint8
	Offset int
	Value  byte
	// Mask selects the bits to change. Zero changes the whole byte.
	Mask byte
}

// Device is a touch controller.
type Device struct {
	mu   sync.Mutex
	opts Options
	bus  regbus.Bus
	// paged is set for function-scan controllers.
	paged *regbus.Paged
	dev   *regbus.Device
	sig   signal.Signal

	state      State
	discovered bool
	// inBootloader is set while the controller runs its bootloader,
	// which answers at blAddr.
	inBootloader bool
	blAddr       uint16
	irqEnabled   bool
	reporting    bool
	force        bool

	m       *capmap.Map
	disp    *msg.Dispatcher
	patches []Patch

	// Command processor status, as last reported.
	crc       uint32
	crcValid  bool
	statusSeq int
	resetSeq  int

	// powerCfg holds the power configuration saved by Suspend.
	powerCfg [2]byte
}

// New creates a device for the controller at opts.Addr on bus. The
// device starts in the Unknown state; call Initialize to discover it.
func New(bus regbus.Bus, opts Options) *Device {
	if opts.Addr == 0 {
		opts.Addr = DefaultAddr
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.BackupTimeout <= 0 {
		opts.BackupTimeout = DefaultBackupTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	d := &Device{opts: opts, bus: bus, reporting: true}
	if opts.Protocol == capmap.FunctionScan {
		d.paged = regbus.NewPaged(bus)
		d.dev = regbus.New(d.paged, opts.Addr)
	} else {
		d.dev = regbus.New(bus, opts.Addr)
	}
	d.dev.Attempts = opts.BusAttempts
	d.dev.RetryDelay = opts.BusRetryDelay
	return d
}

// State returns the lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Map returns the capability map, or nil if the device is not
// discovered.
func (d *Device) Map() *capmap.Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m
}

// Initialize discovers the controller. A controller stuck in its
// bootloader leaves the device in the Bootloader state, ready for
// StartReflash.
func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialize()
}

func (d *Device) initialize() error {
	d.transition(BeginQuery)
	if err := d.discover(); err != nil {
		var cerr *capmap.ChecksumError
		if !errors.As(err, &cerr) && d.opts.Protocol == capmap.ObjectTable && d.findBootloader() {
			glog.Warningf("device %#02x: controller runs its bootloader at %#02x", d.opts.Addr, d.blAddr)
			d.m, d.disp = nil, nil
			d.transition(BootloaderDetected)
			return nil
		}
		d.discoveryFailed(err)
		return fmt.Errorf("device: discovery: %w", err)
	}
	first := !d.discovered
	d.transition(DiscoverySucceeded)
	d.discovered = true
	glog.Infof("device %#02x: %v %v, %d capabilities", d.opts.Addr, d.m.Protocol, d.m.Identity, len(d.m.Capabilities()))
	// Collect the status reported since the reset.
	if _, err := d.disp.Dispatch(); err != nil {
		glog.Warningf("device %#02x: %v", d.opts.Addr, err)
	}
	if first && !d.opts.StartStandby {
		d.transition(PowerUpRequested)
	}
	return nil
}

// discover rebuilds the capability map and the dispatcher bound to it.
func (d *Device) discover() error {
	var m *capmap.Map
	var err error
	switch d.opts.Protocol {
	case capmap.ObjectTable:
		m, err = capmap.ReadObjectTable(d.dev)
	case capmap.FunctionScan:
		d.paged.Invalidate()
		m, err = capmap.ScanFunctions(d.dev)
	default:
		err = fmt.Errorf("unknown protocol %v", d.opts.Protocol)
	}
	if err != nil {
		return err
	}
	disp, err := msg.NewDispatcher(d.dev, m, reportSink{d})
	if err != nil {
		return err
	}
	disp.OnStatus = d.onStatus
	d.m, d.disp = m, disp
	return nil
}

// rediscover rebuilds the capability map of a discovered device after
// a reset. A Standby device stays in Standby.
func (d *Device) rediscover() error {
	prev := d.state
	d.transition(BeginQuery)
	if err := d.discover(); err != nil {
		d.discoveryFailed(err)
		return err
	}
	d.transition(DiscoverySucceeded)
	if prev == Standby {
		d.transition(PowerDownRequested)
	}
	return nil
}

// discoveryFailed drops the capability map and leaves the querying
// state. A corrupt information block makes the device Invalid.
func (d *Device) discoveryFailed(err error) {
	if d.disp != nil {
		d.disp.ReleaseAll()
	}
	d.m, d.disp = nil, nil
	d.crcValid = false
	var cerr *capmap.ChecksumError
	if errors.As(err, &cerr) {
		d.transition(ProtocolViolation)
	} else {
		d.transition(DiscoveryFailed)
	}
}

// findBootloader probes the bootloader addresses of the controller.
func (d *Device) findBootloader() bool {
	var family uint8
	if d.m != nil {
		family = d.m.Identity.Family
	}
	for _, retry := range []bool{false, true} {
		addr, err := flash.LookupAddress(d.opts.Addr, family, retry)
		if err != nil {
			return false
		}
		if _, err := flash.New(d.bus, addr, nil, d.opts.Flash).Probe(); err == nil {
			d.blAddr = addr
			return true
		}
	}
	return false
}

// transition moves the state machine and performs the side effects of
// the new state.
func (d *Device) transition(e Event) {
	old := d.state
	next := Next(old, e, d.discovered)
	if next == old {
		return
	}
	glog.V(1).Infof("device %#02x: %v: %v -> %v", d.opts.Addr, e, old, next)
	switch e {
	case BeginQuery:
		d.inBootloader = false
	case BootloaderDetected:
		d.inBootloader = true
	case BeginReflash:
		if d.disp != nil {
			d.disp.ReleaseAll()
		}
		d.m, d.disp = nil, nil
		d.crcValid = false
	}
	d.state = next
	if next == Active {
		d.applyPatches()
	}
	d.updateLine()
}

// updateLine enables interrupt delivery exactly in the states that
// dispatch events.
func (d *Device) updateLine() {
	want := interruptEnabled(d.state, d.opts.WakeCapable)
	if want == d.irqEnabled {
		return
	}
	d.irqEnabled = want
	if d.opts.Line == nil {
		return
	}
	var err error
	if want {
		err = d.opts.Line.Enable()
	} else {
		err = d.opts.Line.Disable()
	}
	if err != nil {
		glog.Warningf("device %#02x: interrupt line: %v", d.opts.Addr, err)
	}
}

// HandleInterrupt handles an assertion of the interrupt line and
// reports whether any event was handled. When an operation holds the
// device, the assertion is left to it.
func (d *Device) HandleInterrupt() bool {
	d.sig.Notify()
	if !d.mu.TryLock() {
		return false
	}
	defer d.mu.Unlock()
	if d.state != Active && d.state != Suspend || d.disp == nil {
		return false
	}
	n, err := d.disp.Dispatch()
	if err != nil {
		glog.V(1).Infof("device %#02x: %v", d.opts.Addr, err)
		return false
	}
	return n > 0
}

func (d *Device) onStatus(s msg.Status) {
	d.statusSeq++
	if s.Flags&msg.StatusReset != 0 {
		d.resetSeq++
	}
	if d.m != nil && d.m.Protocol == capmap.ObjectTable {
		d.crc, d.crcValid = s.ConfigCRC, true
	}
}

// waitStatus dispatches events until done reports true or timeout
// passes.
func (d *Device) waitStatus(timeout time.Duration, done func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if d.disp != nil {
			if _, err := d.disp.Dispatch(); err != nil {
				// The controller does not answer while it resets.
				glog.V(2).Infof("device %#02x: %v", d.opts.Addr, err)
			}
		}
		if done() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return signal.ErrTimeout
		}
		d.sig.Wait(min(remaining, d.opts.PollInterval))
	}
}

// command writes a command processor command.
func (d *Device) command(offset int, value byte) error {
	t6, err := d.m.Require(capmap.CommandProcessor)
	if err != nil {
		return err
	}
	return d.dev.WriteReg(t6.Base+uint16(offset), value)
}

// Command processor commands.
const (
	cmdReset     = 0
	cmdBackup    = 1
	cmdReportAll = 3

	resetValue  = 0x01
	bootValue   = 0xa5
	backupValue = 0x55

	// deviceReset is the reset bit of the device control command
	// register.
	deviceReset = 0x01
)

// reset resets the controller and waits for it to report back.
func (d *Device) reset() error {
	d.sig.Clear()
	seq := d.resetSeq
	d.crcValid = false
	switch d.m.Protocol {
	case capmap.FunctionScan:
		f01, err := d.m.Require(capmap.DeviceControl)
		if err != nil {
			return err
		}
		if err := d.dev.WriteReg(f01.Command, deviceReset); err != nil {
			return err
		}
		d.paged.Invalidate()
	default:
		if err := d.command(cmdReset, resetValue); err != nil {
			return err
		}
	}
	if err := d.waitStatus(d.opts.ResetTimeout, func() bool { return d.resetSeq != seq }); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Reset resets the controller and rediscovers it. If rediscovery
// fails the capability map is dropped.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		return ErrInvalidState
	}
	if err := d.reset(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := d.rediscover(); err != nil {
		return fmt.Errorf("device: rediscovery: %w", err)
	}
	return nil
}

// configChecksum returns the reported configuration checksum,
// requesting a report if none was seen since the last reset.
func (d *Device) configChecksum() (uint32, error) {
	if d.crcValid {
		return d.crc, nil
	}
	if d.m.Protocol != capmap.ObjectTable {
		return 0, ErrUnsupported
	}
	d.sig.Clear()
	if err := d.command(cmdReportAll, 1); err != nil {
		return 0, err
	}
	if err := d.waitStatus(d.opts.ResetTimeout, func() bool { return d.crcValid }); err != nil {
		return 0, fmt.Errorf("checksum report: %w", err)
	}
	return d.crc, nil
}

// backup persists the configuration.
func (d *Device) backup() error {
	d.sig.Clear()
	seq := d.statusSeq
	if err := d.command(cmdBackup, backupValue); err != nil {
		return err
	}
	if err := d.waitStatus(d.opts.BackupTimeout, func() bool { return d.statusSeq != seq }); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// reportSink forwards input to the configured sink while reporting is
// enabled. It is only called with the device locked.
type reportSink struct {
	d *Device
}

func (s reportSink) enabled() bool {
	return s.d.reporting && s.d.opts.Sink != nil
}

func (s reportSink) Contact(c msg.Contact) {
	if s.enabled() {
		s.d.opts.Sink.Contact(c)
	}
}

func (s reportSink) Key(index int, pressed bool) {
	if s.enabled() {
		s.d.opts.Sink.Key(index, pressed)
	}
}

func (s reportSink) Sync() {
	if s.enabled() {
		s.d.opts.Sink.Sync()
	}
}
