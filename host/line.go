package host

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line delivers the assertions of an active-low interrupt line to a
// handler. Controllers hold the line low while events are pending, so
// the handler is called again as long as it handles events and the
// line stays low.
type Line struct {
	pin     gpio.PinIn
	handler func() bool

	mu      sync.Mutex
	enabled bool
	closed  bool
}

// OpenLine watches the GPIO pin with the given name. Delivery starts
// disabled.
func OpenLine(name string, handler func() bool) (*Line, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("host: no pin %q", name)
	}
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("host: %s: %w", name, err)
	}
	l := &Line{pin: pin, handler: handler}
	go l.run()
	return l, nil
}

// levelPoll bounds the time a line held low goes unnoticed, such as
// after an edge that arrived while delivery was disabled.
const levelPoll = 100 * time.Millisecond

func (l *Line) run() {
	for {
		edge := l.pin.WaitForEdge(levelPoll)
		l.mu.Lock()
		enabled, closed := l.enabled, l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		if !enabled || !edge && l.pin.Read() != gpio.Low {
			continue
		}
		for l.handler() {
			if l.pin.Read() != gpio.Low {
				break
			}
		}
	}
}

// Enable starts the delivery of assertions.
func (l *Line) Enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	return nil
}

// Disable stops the delivery of assertions. A handler call in progress
// completes.
func (l *Line) Disable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	return nil
}

// Close stops watching the pin.
func (l *Line) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.pin.Halt()
}
