// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package transport owns the link to the black box: opening the serial
// device, streaming raw chunks while connected, and reconnecting with
// exponential backoff when the link drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
)

// Opener opens a device by name.
type Opener interface {
	Open(device string) (io.ReadWriteCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(device string) (io.ReadWriteCloser, error)

func (f OpenerFunc) Open(device string) (io.ReadWriteCloser, error) { return f(device) }

// Policy controls reading and reconnection.
type Policy struct {
	InitialInterval   time.Duration // first reconnect delay
	MaxInterval       time.Duration // cap on a single delay
	Multiplier        float64
	MaxRetries        int           // reconnect attempts before giving up
	DisconnectTimeout time.Duration // bound on waiting for the reader after Disconnect
	ReadBufferSize    int
}

// DefaultPolicy returns the policy used when the config leaves it unset.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:   250 * time.Millisecond,
		MaxInterval:       5 * time.Second,
		Multiplier:        2,
		MaxRetries:        5,
		DisconnectTimeout: 2 * time.Second,
		ReadBufferSize:    1024,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.DisconnectTimeout <= 0 {
		p.DisconnectTimeout = d.DisconnectTimeout
	}
	if p.ReadBufferSize <= 0 {
		p.ReadBufferSize = d.ReadBufferSize
	}
	return p
}

// Chunk is a block of raw bytes read from the device. Link identifies the
// (re)connection the bytes came from; it changes after every reconnect so a
// consumer can drop a partial frame left over from the previous link.
type Chunk struct {
	Link uint64
	Data []byte
}

// Handle is the consumer side of one Connect call.
type Handle struct {
	chunks chan Chunk
	done   chan struct{}
	err    error
}

// Chunks yields raw bytes while the link is up. The channel is closed on
// Disconnect or once reconnection has been exhausted.
func (h *Handle) Chunks() <-chan Chunk { return h.chunks }

// Done is closed after Chunks is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error once Done is closed: nil after an explicit
// Disconnect, a *TransportDropError when reconnection gave up.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

type session struct {
	device   string
	ctx      context.Context
	cancel   context.CancelFunc
	handle   *Handle
	finished chan struct{}

	portMu sync.Mutex
	port   io.ReadWriteCloser
}

func (s *session) setPort(p io.ReadWriteCloser) {
	s.portMu.Lock()
	s.port = p
	s.portMu.Unlock()
}

func (s *session) closePort() {
	s.portMu.Lock()
	p := s.port
	s.port = nil
	s.portMu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

// Transport maintains at most one active device link.
type Transport struct {
	opener Opener
	events *eventlog.Log
	policy Policy

	mu        sync.Mutex
	state     ConnectionState
	active    *session
	link      uint64
	listeners []func(ConnectionState)

	now func() time.Time
}

// New returns a disconnected transport. events receives one entry per state
// transition and may be nil.
func New(opener Opener, events *eventlog.Log, policy Policy) *Transport {
	t := &Transport{
		opener: opener,
		events: events,
		policy: policy.withDefaults(),
		now:    time.Now,
	}
	t.state = ConnectionState{Status: Disconnected, Since: t.now()}
	return t
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active reports whether a link is open or being re-established.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// OnStateChange registers fn to be called after every transition, in order,
// from the goroutine that caused it.
func (t *Transport) OnStateChange(fn func(ConnectionState)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Transport) transition(status Status, device, reason string, sev eventlog.Severity, msg string) {
	t.mu.Lock()
	st := ConnectionState{Status: status, Reason: reason, Device: device, Since: t.now()}
	t.state = st
	listeners := append([]func(ConnectionState){}, t.listeners...)
	t.mu.Unlock()

	if t.events != nil {
		t.events.Append(msg, sev)
	} else {
		log.Debugf("transport: %s", msg)
	}
	for _, fn := range listeners {
		fn(st)
	}
}

// Connect opens device and starts streaming. Only one link may be active;
// a second Connect returns ErrAlreadyConnected. ctx bounds the initial open
// only; the link lives until Disconnect.
func (t *Transport) Connect(ctx context.Context, device string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		device: device,
		ctx:    sctx,
		cancel: cancel,
		handle: &Handle{
			chunks: make(chan Chunk, 64),
			done:   make(chan struct{}),
		},
		finished: make(chan struct{}),
	}
	t.active = s
	t.mu.Unlock()

	t.transition(Connecting, device, "", eventlog.Info, fmt.Sprintf("connecting to %s", device))

	port, err := t.opener.Open(device)
	if err == nil && ctx.Err() != nil {
		_ = port.Close()
		err = ctx.Err()
	}
	if err != nil {
		ce := newConnectError(device, err)
		t.release(s)
		cancel()
		t.transition(Disconnected, device, ce.Error(), eventlog.Error, ce.Error())
		return nil, ce
	}

	s.setPort(port)
	link := t.nextLink()
	t.transition(Connected, device, "", eventlog.Info, fmt.Sprintf("connected to %s", device))

	go t.run(s, port, link)
	return s.handle, nil
}

// Disconnect closes the active link. It interrupts any in-flight read by
// closing the port and waits at most Policy.DisconnectTimeout for the
// reader to finish.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	s := t.active
	t.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	s.cancel()
	s.closePort()

	timer := time.NewTimer(t.policy.DisconnectTimeout)
	defer timer.Stop()
	select {
	case <-s.finished:
	case <-timer.C:
		log.Warnf("transport: reader for %s did not stop within %s", s.device, t.policy.DisconnectTimeout)
	}

	if t.release(s) {
		t.transition(Disconnected, s.device, "", eventlog.Info, fmt.Sprintf("disconnected from %s", s.device))
	}
	return nil
}

// release clears the active session if it is still s.
func (t *Transport) release(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != s {
		return false
	}
	t.active = nil
	return true
}

func (t *Transport) nextLink() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.link++
	return t.link
}

// run owns the session's reader and reconnect loop.
func (t *Transport) run(s *session, port io.ReadWriteCloser, link uint64) {
	var terminal error
	defer func() {
		s.handle.err = terminal
		close(s.handle.chunks)
		close(s.handle.done)
		close(s.finished)
	}()

	for {
		err := t.readLoop(s, port, link)
		s.closePort()
		if s.ctx.Err() != nil {
			return
		}

		drop := &TransportDropError{Device: s.device, Err: err}
		t.transition(Error, s.device, err.Error(), eventlog.Warning, drop.Error())

		port, link, err = t.reconnect(s)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			terminal = drop
			if t.release(s) {
				s.cancel()
				t.transition(Disconnected, s.device, err.Error(), eventlog.Error,
					fmt.Sprintf("giving up on %s: %v", s.device, err))
			}
			return
		}
	}
}

func (t *Transport) readLoop(s *session, port io.Reader, link uint64) error {
	buf := make([]byte, t.policy.ReadBufferSize)
	for {
		if s.ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.handle.chunks <- Chunk{Link: link, Data: data}:
			case <-s.ctx.Done():
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

var errRetriesExhausted = errors.New("reconnect attempts exhausted")

func (t *Transport) reconnect(s *session) (io.ReadWriteCloser, uint64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.InitialInterval
	b.MaxInterval = t.policy.MaxInterval
	b.Multiplier = t.policy.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; attempt <= t.policy.MaxRetries; attempt++ {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return nil, 0, s.ctx.Err()
		}

		t.transition(Connecting, s.device, "", eventlog.Info,
			fmt.Sprintf("reconnecting to %s (attempt %d/%d)", s.device, attempt, t.policy.MaxRetries))

		port, err := t.opener.Open(s.device)
		if err != nil {
			ce := newConnectError(s.device, err)
			t.transition(Error, s.device, ce.Error(), eventlog.Warning,
				fmt.Sprintf("reconnect attempt %d failed: %v", attempt, ce))
			continue
		}
		if s.ctx.Err() != nil {
			_ = port.Close()
			return nil, 0, s.ctx.Err()
		}
		s.setPort(port)
		link := t.nextLink()
		t.transition(Connected, s.device, "", eventlog.Info, fmt.Sprintf("reconnected to %s", s.device))
		return port, link, nil
	}
	return nil, 0, errRetriesExhausted
}
