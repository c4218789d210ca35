// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	jserial "github.com/jacobsa/go-serial/serial"
	tserial "github.com/tarm/serial"
)

// Driver names accepted by NewOpener.
const (
	DriverJacobsa = "jacobsa"
	DriverTarm    = "tarm"
	DriverSim     = "sim"
)

// SimDevice is the device name that always routes to the simulator.
const SimDevice = "sim"

// DriverOptions selects and configures the serial driver.
type DriverOptions struct {
	Driver      string
	Baud        int
	ReadTimeout time.Duration // tarm only
	SimRate     time.Duration // period between simulated frames
}

// NewOpener returns the opener for opt.Driver. The device name "sim" is
// routed to the simulator whatever the driver.
func NewOpener(opt DriverOptions) (Opener, error) {
	if opt.Baud <= 0 {
		opt.Baud = 115200
	}
	sim := SimOpener{Period: opt.SimRate}

	var serial Opener
	switch strings.ToLower(opt.Driver) {
	case "", DriverJacobsa:
		serial = JacobsaOpener{Baud: opt.Baud}
	case DriverTarm:
		serial = TarmOpener{Baud: opt.Baud, ReadTimeout: opt.ReadTimeout}
	case DriverSim:
		serial = sim
	default:
		return nil, fmt.Errorf("transport: unknown driver %q", opt.Driver)
	}

	return OpenerFunc(func(device string) (io.ReadWriteCloser, error) {
		if device == SimDevice {
			return sim.Open(device)
		}
		return serial.Open(device)
	}), nil
}

// JacobsaOpener opens 8N1 ports with github.com/jacobsa/go-serial.
type JacobsaOpener struct {
	Baud int
}

func (o JacobsaOpener) Open(device string) (io.ReadWriteCloser, error) {
	options := jserial.OpenOptions{
		PortName:        device,
		BaudRate:        uint(o.Baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      jserial.PARITY_NONE,
	}
	return jserial.Open(options)
}

// TarmOpener opens ports with github.com/tarm/serial. Reads return after
// ReadTimeout with no data, so a quiet device does not count as a drop.
type TarmOpener struct {
	Baud        int
	ReadTimeout time.Duration
}

func (o TarmOpener) Open(device string) (io.ReadWriteCloser, error) {
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	p, err := tserial.OpenPort(&tserial.Config{Name: device, Baud: o.Baud, ReadTimeout: timeout})
	if err != nil {
		return nil, err
	}
	_ = p.Flush()
	return &tarmPort{Port: p, name: device}, nil
}

type tarmPort struct {
	*tserial.Port
	name string
}

// Read maps tarm's timeout EOF to an empty read unless the device node has
// gone away, which is how an unplugged USB adapter shows up.
func (p *tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		if runtime.GOOS != "windows" {
			if _, statErr := os.Stat(p.name); statErr != nil {
				return 0, fmt.Errorf("%s vanished: %w", p.name, statErr)
			}
		}
		return 0, nil
	}
	return n, err
}
