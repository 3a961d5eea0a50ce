// Command touchctl discovers, monitors and updates touch controllers.
//
// Usage:
//
//	touchctl [flags] capabilities [-format text|cbor]
//	touchctl [flags] reflash [-force] image
//	touchctl [flags] apply-config [-strict] config
//	touchctl [flags] save-config [-format raw|binary] config
//	touchctl [flags] monitor [-uinput] [-quiet]
//	touchctl pack [-key hex] [-family n] [-version n] [-build n] frames [config] out
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"
	"touchctl.org/capmap"
	"touchctl.org/config"
	"touchctl.org/device"
	"touchctl.org/fwimage"
	"touchctl.org/host"
	"touchctl.org/msg"
	"touchctl.org/regbus"
)

var (
	busName    = flag.String("bus", "", "I2C bus name (default first bus)")
	busSpeed   = flag.Int("speed", 400, "I2C bus clock in kHz")
	serialDev  = flag.String("serial", "", "serial bridge device, used instead of the I2C bus")
	addr       = flag.Uint("addr", device.DefaultAddr, "controller bus address")
	protocol   = flag.String("protocol", "object", "discovery protocol ('object', 'function')")
	irqPin     = flag.String("irq", "", "interrupt GPIO pin name (default polling)")
	trustedKey = flag.String("pubkey", "", "hex-encoded public key images must be signed with")

	capsCmd    = flag.NewFlagSet("capabilities", flag.ExitOnError)
	capsFormat = capsCmd.String("format", "text", "output format ('text', 'cbor')")

	reflashCmd = flag.NewFlagSet("reflash", flag.ExitOnError)
	force      = reflashCmd.Bool("force", false, "program images of the running firmware")

	applyCmd = flag.NewFlagSet("apply-config", flag.ExitOnError)
	strict   = applyCmd.Bool("strict", false, "fail on checksum mismatch")

	saveCmd    = flag.NewFlagSet("save-config", flag.ExitOnError)
	saveFormat = saveCmd.String("format", "raw", "configuration format ('raw', 'binary')")

	monitorCmd = flag.NewFlagSet("monitor", flag.ExitOnError)
	useUinput  = monitorCmd.Bool("uinput", false, "publish input through uinput")
	quiet      = monitorCmd.Bool("quiet", false, "start with reporting disabled")

	packCmd     = flag.NewFlagSet("pack", flag.ExitOnError)
	packKey     = packCmd.String("key", "", "hex-encoded private key to sign with")
	packFamily  = packCmd.Uint("family", 0, "controller family")
	packVersion = packCmd.Uint("version", 0, "firmware version")
	packBuild   = packCmd.Uint("build", 0, "firmware build")
)

func main() {
	flag.Parse()
	defer glog.Flush()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "touchctl: specify a command\n")
		os.Exit(2)
	}
	args := flag.Args()[1:]
	var err error
	switch cmd := flag.Arg(0); cmd {
	case "capabilities":
		capsCmd.Parse(args)
		err = capabilities()
	case "reflash":
		reflashCmd.Parse(args)
		err = reflash()
	case "apply-config":
		applyCmd.Parse(args)
		err = applyConfig()
	case "save-config":
		saveCmd.Parse(args)
		err = saveConfig()
	case "monitor":
		monitorCmd.Parse(args)
		err = monitor()
	case "pack":
		packCmd.Parse(args)
		err = pack()
	default:
		fmt.Fprintf(os.Stderr, "touchctl: unknown command: %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		glog.Flush()
		fmt.Fprintf(os.Stderr, "touchctl: %v\n", err)
		os.Exit(1)
	}
}

// session is an open controller.
type session struct {
	dev  *device.Device
	line *host.Line
	bus  interface{ Close() error }
}

func (s *session) Close() {
	if s.line != nil {
		s.line.Close()
	}
	s.bus.Close()
}

func openBus() (regbus.Bus, interface{ Close() error }, error) {
	if *serialDev != "" {
		b, err := host.OpenSerialBridge(*serialDev, 0)
		return b, b, err
	}
	b, err := host.OpenI2C(*busName, physic.Frequency(*busSpeed)*physic.KiloHertz)
	return b, b, err
}

func open(sink msg.Sink) (*session, error) {
	opts := device.Options{
		Addr:   uint16(*addr),
		Sink:   sink,
		Config: config.Options{Strict: *strict},
	}
	switch *protocol {
	case "object":
		opts.Protocol = capmap.ObjectTable
	case "function":
		opts.Protocol = capmap.FunctionScan
	default:
		return nil, fmt.Errorf("unknown protocol %q", *protocol)
	}
	if *trustedKey != "" {
		b, err := hex.DecodeString(*trustedKey)
		if err != nil {
			return nil, fmt.Errorf("-pubkey: %w", err)
		}
		if opts.TrustedKey, err = secp256k1.ParsePubKey(b); err != nil {
			return nil, fmt.Errorf("-pubkey: %w", err)
		}
	}
	bus, closer, err := openBus()
	if err != nil {
		return nil, err
	}
	s := &session{bus: closer}
	if *irqPin != "" {
		// Delivery starts disabled; the device enables it once created.
		s.line, err = host.OpenLine(*irqPin, func() bool { return s.dev.HandleInterrupt() })
		if err != nil {
			closer.Close()
			return nil, err
		}
		opts.Line = s.line
	}
	s.dev = device.New(bus, opts)
	if err := s.dev.Initialize(); err != nil {
		s.Close()
		return nil, err
	}
	glog.Infof("touchctl: controller %v", s.dev.State())
	return s, nil
}

func capabilities() error {
	s, err := open(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	m := s.dev.Map()
	if m == nil {
		return fmt.Errorf("controller in %v state", s.dev.State())
	}
	switch *capsFormat {
	case "text":
		fmt.Print(s.dev.CapabilityTable())
	case "cbor":
		b, err := m.MarshalCBOR()
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
	default:
		return fmt.Errorf("unknown format %q", *capsFormat)
	}
	return nil
}

func reflash() error {
	path := reflashCmd.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := fwimage.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s, err := open(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	s.dev.SetForceReflash(*force)
	start := time.Now()
	if err := s.dev.StartReflash(img); err != nil {
		if errors.Is(err, device.ErrUpToDate) {
			fmt.Println("firmware up to date")
			return nil
		}
		return err
	}
	fmt.Printf("programmed %v in %v\n", img, time.Since(start).Round(time.Millisecond))
	if len(img.Config) > 0 {
		b, err := config.Parse(img.Config)
		if err != nil {
			return fmt.Errorf("%s: configuration: %w", path, err)
		}
		res, err := s.dev.ApplyConfig(b)
		if err != nil {
			return err
		}
		printResult(res)
	}
	return nil
}

func applyConfig() error {
	path := applyCmd.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b, err := config.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s, err := open(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	res, err := s.dev.ApplyConfig(b)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func printResult(res *config.Result) {
	if res.UpToDate {
		fmt.Printf("configuration up to date, checksum %06X\n", res.AppliedCRC)
		return
	}
	fmt.Printf("wrote %d bytes, checksum %06X", res.Written, res.AppliedCRC)
	if n := len(res.Skipped); n > 0 {
		fmt.Printf(", %d records skipped", n)
	}
	fmt.Println()
}

func saveConfig() error {
	path := saveCmd.Arg(0)
	if path == "" {
		return errors.New("save-config: specify a file")
	}
	s, err := open(nil)
	if err != nil {
		return err
	}
	defer s.Close()
	b, err := s.dev.SaveConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	switch *saveFormat {
	case "raw":
		err = b.WriteRaw(f)
	case "binary":
		var data []byte
		if data, err = b.MarshalBinary(); err == nil {
			_, err = f.Write(data)
		}
	default:
		err = fmt.Errorf("unknown format %q", *saveFormat)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// printer prints input events.
type printer struct{}

func (printer) Contact(c msg.Contact) {
	if c.Active {
		fmt.Printf("contact %d: %d,%d pressure %d size %d\n", c.Slot, c.X, c.Y, c.Pressure, c.Major)
	} else {
		fmt.Printf("contact %d: up\n", c.Slot)
	}
}

func (printer) Key(index int, pressed bool) {
	fmt.Printf("key %d: %v\n", index, pressed)
}

func (printer) Sync() {}

func monitor() error {
	var sink msg.Sink = printer{}
	var sinkCloser interface{ Close() error }
	if *useUinput {
		u, err := openUinput()
		if err != nil {
			return err
		}
		sink, sinkCloser = u, u
	}
	s, err := open(sink)
	if err != nil {
		return err
	}
	defer s.Close()
	if sinkCloser != nil {
		defer sinkCloser.Close()
	}
	if *quiet {
		s.dev.SetReporting(false)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-sigs:
			s.dev.SetReporting(false)
			return nil
		case <-poll.C:
			if s.line == nil {
				s.dev.HandleInterrupt()
			}
		}
	}
}

func pack() error {
	if packCmd.NArg() < 2 {
		return errors.New("pack: specify frames and output files")
	}
	frames, err := os.ReadFile(packCmd.Arg(0))
	if err != nil {
		return err
	}
	img := &fwimage.Image{
		Format:   fwimage.Container,
		Family:   uint8(*packFamily),
		Version:  uint8(*packVersion),
		Build:    uint8(*packBuild),
		Firmware: frames,
	}
	out := packCmd.Arg(packCmd.NArg() - 1)
	if packCmd.NArg() > 2 {
		if img.Config, err = os.ReadFile(packCmd.Arg(1)); err != nil {
			return err
		}
		if _, err := config.Parse(img.Config); err != nil {
			return fmt.Errorf("%s: %w", packCmd.Arg(1), err)
		}
	}
	if _, err := fwimage.SplitFrames(frames); err != nil {
		return fmt.Errorf("%s: %w", packCmd.Arg(0), err)
	}
	if *packKey != "" {
		b, err := hex.DecodeString(*packKey)
		if err != nil || len(b) != 32 {
			return errors.New("pack: -key must be 32 hex-encoded bytes")
		}
		img.Sign(secp256k1.PrivKeyFromBytes(b))
	}
	data, err := fwimage.EncodeContainer(img)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}
