package main

import "touchctl.org/host/uinput"

func openUinput() (*uinput.Device, error) {
	return uinput.Open(uinput.Config{
		Name:        "touchctl",
		MaxX:        4095,
		MaxY:        4095,
		Slots:       10,
		Keys:        32,
		MaxPressure: 255,
		MaxMajor:    255,
	})
}
