//go:build !linux

package main

import (
	"errors"

	"touchctl.org/msg"
)

type uinputSink interface {
	msg.Sink
	Close() error
}

func openUinput() (uinputSink, error) {
	return nil, errors.New("uinput is only available on linux")
}
