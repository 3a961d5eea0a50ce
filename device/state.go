package device

import "fmt"

// State is the lifecycle state of a device.
type State int

const (
	Unknown State = iota
	Active
	Suspend
	Standby
	Bootloader
	Initializing
	Flashing
	Querying
	Invalid
)

var stateNames = [...]string{
	Unknown:      "unknown",
	Active:       "active",
	Suspend:      "suspend",
	Standby:      "standby",
	Bootloader:   "bootloader",
	Initializing: "initializing",
	Flashing:     "flashing",
	Querying:     "querying",
	Invalid:      "invalid",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Event drives state transitions.
type Event int

const (
	BeginQuery Event = iota
	BootloaderDetected
	BeginReflash
	FramesFlowing
	DiscoverySucceeded
	DiscoveryFailed
	SuspendRequested
	ResumeRequested
	PowerDownRequested
	PowerUpRequested
	ProtocolViolation
)

var eventNames = [...]string{
	BeginQuery:         "begin query",
	BootloaderDetected: "bootloader detected",
	BeginReflash:       "begin reflash",
	FramesFlowing:      "frames flowing",
	DiscoverySucceeded: "discovery succeeded",
	DiscoveryFailed:    "discovery failed",
	SuspendRequested:   "suspend requested",
	ResumeRequested:    "resume requested",
	PowerDownRequested: "power down requested",
	PowerUpRequested:   "power up requested",
	ProtocolViolation:  "protocol violation",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// Next returns the state following s on event e. Discovered reports
// whether the device completed a discovery before; the first discovery
// leads to Standby, later ones to Active. Pairs without a transition
// leave the state unchanged.
func Next(s State, e Event, discovered bool) State {
	switch e {
	case BeginQuery:
		return Querying
	case BootloaderDetected:
		return Bootloader
	case BeginReflash:
		return Initializing
	case ProtocolViolation:
		return Invalid
	case FramesFlowing:
		if s == Initializing {
			return Flashing
		}
	case DiscoverySucceeded:
		switch s {
		case Querying, Initializing, Flashing:
			if discovered {
				return Active
			}
			return Standby
		}
	case DiscoveryFailed:
		switch s {
		case Querying, Initializing, Flashing:
			return Unknown
		}
	case SuspendRequested:
		if s == Active {
			return Suspend
		}
	case ResumeRequested:
		if s == Suspend {
			return Active
		}
	case PowerDownRequested:
		if s == Active {
			return Standby
		}
	case PowerUpRequested:
		if s == Standby {
			return Active
		}
	}
	return s
}

// interruptEnabled reports whether interrupt delivery is enabled in s.
func interruptEnabled(s State, wakeCapable bool) bool {
	return s == Active || s == Suspend && wakeCapable
}
