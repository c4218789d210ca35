// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"time"
)

// Status is the connection lifecycle stage.
//
//	Disconnected -> Connecting -> Connected <-> Error -> Disconnected
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Error
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "error"}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(name, string(b)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", b)
}

// ConnectionState is the transport's single source of truth about the link.
type ConnectionState struct {
	Status Status    `json:"status"`
	Reason string    `json:"reason,omitempty"` // set for Error and failed connects
	Device string    `json:"device,omitempty"`
	Since  time.Time `json:"since"`
}

func (c ConnectionState) String() string {
	if c.Status == Error {
		return fmt.Sprintf("error(%s)", c.Reason)
	}
	return c.Status.String()
}

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceBusy       = errors.New("device already in use")

	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrNotConnected     = errors.New("transport: not connected")
)

// ConnectError is returned by Connect when the device cannot be opened.
// It wraps one of ErrDeviceNotFound, ErrPermissionDenied, ErrDeviceBusy
// when the cause is recognised, and always the underlying error.
type ConnectError struct {
	Device string
	Kind   error
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("connect %s: %v: %v", e.Device, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Device, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Kind != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Err}
}

// TransportDropError reports an unexpected loss of an established link.
type TransportDropError struct {
	Device string
	Err    error
}

func (e *TransportDropError) Error() string {
	return fmt.Sprintf("link to %s lost: %v", e.Device, e.Err)
}

func (e *TransportDropError) Unwrap() error { return e.Err }

func newConnectError(device string, err error) *ConnectError {
	ce := &ConnectError{Device: device, Err: err}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ce.Kind = ErrDeviceNotFound
	case errors.Is(err, fs.ErrPermission):
		ce.Kind = ErrPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		ce.Kind = ErrDeviceBusy
	}
	return ce
}
