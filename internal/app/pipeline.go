// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/autorec_blackbox/internal/detect"
	"github.com/relabs-tech/autorec_blackbox/internal/eventlog"
	"github.com/relabs-tech/autorec_blackbox/internal/imu"
	"github.com/relabs-tech/autorec_blackbox/internal/metrics"
	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
	"github.com/relabs-tech/autorec_blackbox/internal/protocol"
	"github.com/relabs-tech/autorec_blackbox/internal/recorder"
	"github.com/relabs-tech/autorec_blackbox/internal/telemetry"
	"github.com/relabs-tech/autorec_blackbox/internal/transport"
)

// ErrRecorderDisabled is returned by the logging commands when no session
// database is configured.
var ErrRecorderDisabled = errors.New("app: session recording is not configured")

// ErrLinkDraining is returned by Connect while the decode loop of the
// previous link has not finished.
var ErrLinkDraining = errors.New("app: previous link is still draining")

// Publisher forwards pipeline output to an external bus. Publish must not
// block for long; it is called from the decode loop.
type Publisher interface {
	Publish(topic string, v any) error
	Close()
}

// Publisher topics, appended to the configured prefix.
const (
	TopicFrame       = "frame"
	TopicOrientation = "orientation"
	TopicState       = "state"
	TopicLog         = "log"
	TopicEvent       = "event"
)

// Deps are the collaborators of a Pipeline. Events, Store and Metrics are
// required; the rest are optional.
type Deps struct {
	Opener  transport.Opener
	Policy  transport.Policy
	Device  string // used when Connect is called with an empty device
	Events  *eventlog.Log
	Store   *telemetry.Store
	Metrics *metrics.Metrics

	Detector   *detect.Detector
	AutoRecord time.Duration // 0 disables auto-recording on detected events
	Recorder   *recorder.Recorder
	Publisher  Publisher

	MaxFrameLen int
	Now         func() time.Time
}

// Status is what the UI shows next to the live values.
type Status struct {
	Connection      transport.ConnectionState `json:"connection"`
	Recording       *recorder.Session         `json:"recording,omitempty"`
	AutoRecord      bool                      `json:"auto_record"`
	LastEvent       *detect.Event             `json:"last_event,omitempty"`
	Decoder         protocol.Stats            `json:"decoder"`
	Received        uint64                    `json:"received"`
	Dropped         uint64                    `json:"dropped"`
	RecorderDropped uint64                    `json:"recorder_dropped"` // recorder queue overflow
}

// Pipeline owns the transport and runs the decode loop: every chunk read
// from the device is decoded on one goroutine and fanned out to the store,
// detector, recorder, metrics and publisher.
type Pipeline struct {
	deps      Deps
	transport *transport.Transport
	connectMu sync.Mutex

	mu        sync.Mutex
	consuming chan struct{} // closed when the current decode loop exits
	decStats  protocol.Stats
	autoTimer *time.Timer
	autoGen   uint64
	prevState transport.Status
	closeOnce sync.Once

	// owned by the decode loop
	lastSeq uint64
	haveSeq bool
}

// NewPipeline wires deps together. Nothing is opened until Connect.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	p := &Pipeline{
		deps:      deps,
		transport: transport.New(deps.Opener, deps.Events, deps.Policy),
	}
	p.transport.OnStateChange(p.stateChanged)
	if deps.Recorder != nil {
		deps.Events.AddSink(sessionSink{deps.Recorder})
	}
	if deps.Publisher != nil {
		deps.Events.AddSink(publishSink{deps.Publisher})
	}
	return p
}

// Transport returns the underlying transport.
func (p *Pipeline) Transport() *transport.Transport { return p.transport }

// Store returns the telemetry store fed by the pipeline.
func (p *Pipeline) Store() *telemetry.Store { return p.deps.Store }

// Events returns the event log.
func (p *Pipeline) Events() *eventlog.Log { return p.deps.Events }

// Metrics returns the pipeline collectors.
func (p *Pipeline) Metrics() *metrics.Metrics { return p.deps.Metrics }

// Recorder returns the session recorder, nil when recording is disabled.
func (p *Pipeline) Recorder() *recorder.Recorder { return p.deps.Recorder }

// Connect opens device, or the default device when empty, and starts the
// decode loop.
func (p *Pipeline) Connect(ctx context.Context, device string) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	if device == "" {
		device = p.deps.Device
	}
	if p.transport.Active() {
		return transport.ErrAlreadyConnected
	}
	// one decode loop at a time: the previous one may still hold buffered
	// chunks, or a reader that ignored Disconnect
	if err := p.waitConsumer(ctx); err != nil {
		return err
	}

	h, err := p.transport.Connect(ctx, device)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.consuming = done
	p.mu.Unlock()

	go p.consume(h, done)
	return nil
}

func (p *Pipeline) waitConsumer(ctx context.Context) error {
	p.mu.Lock()
	done := p.consuming
	p.mu.Unlock()
	if done == nil {
		return nil
	}

	timer := time.NewTimer(p.disconnectTimeout())
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLinkDraining
	}
}

func (p *Pipeline) disconnectTimeout() time.Duration {
	if d := p.deps.Policy.DisconnectTimeout; d > 0 {
		return d
	}
	return transport.DefaultPolicy().DisconnectTimeout
}

// Disconnect closes the link and waits for the decode loop to drain.
func (p *Pipeline) Disconnect() error {
	if err := p.transport.Disconnect(); err != nil {
		return err
	}
	p.mu.Lock()
	done := p.consuming
	p.mu.Unlock()
	if done == nil {
		return nil
	}

	timeout := p.disconnectTimeout()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("app: decode loop still running %s after disconnect", timeout)
	}
	return nil
}

// Wait blocks until the current decode loop exits or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.consuming
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, stops any recording and closes the publisher. The
// recorder itself is owned by the caller.
func (p *Pipeline) Close() error {
	if err := p.Disconnect(); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return err
	}
	if p.deps.Recorder != nil {
		if _, active := p.deps.Recorder.Active(); active {
			if _, err := p.StopLogging(); err != nil {
				log.Warnf("app: stop logging on close: %v", err)
			}
		}
	}
	if p.deps.Publisher != nil {
		p.closeOnce.Do(p.deps.Publisher.Close)
	}
	return nil
}

func (p *Pipeline) consume(h *transport.Handle, done chan struct{}) {
	defer close(done)

	dec := protocol.NewDecoder(protocol.Options{
		MaxFrameLen: p.deps.MaxFrameLen,
		Now:         p.deps.Now,
		OnError:     p.decodeFailed,
	})

	var link uint64
	for chunk := range h.Chunks() {
		if chunk.Link != link {
			// new link: nothing carries over from the previous one
			if link != 0 {
				log.Debugf("app: link %d replaced by %d, dropping %d buffered bytes", link, chunk.Link, dec.Buffered())
			}
			link = chunk.Link
			dec.Reset()
			p.deps.Store.ResetLink()
			if p.deps.Detector != nil {
				p.deps.Detector.Reset()
			}
			p.haveSeq = false
		}

		for _, f := range dec.Feed(chunk.Data) {
			p.handleFrame(f)
		}

		p.mu.Lock()
		p.decStats = dec.Stats()
		p.mu.Unlock()
	}

	if err := h.Err(); err != nil {
		log.Warnf("app: link closed: %v", err)
	}
}

func (p *Pipeline) decodeFailed(err *protocol.DecodeError) {
	p.deps.Metrics.DecodeErrors.WithLabelValues(err.Kind.String()).Inc()
	p.deps.Events.Appendf(eventlog.Warning, "discarded %v", err)
}

func (p *Pipeline) handleFrame(f imu.SensorFrame) {
	if p.haveSeq {
		switch {
		case f.SequenceID <= p.lastSeq:
			p.deps.Events.Appendf(eventlog.Warning, "discarding frame %d: sequence not increasing after %d",
				f.SequenceID, p.lastSeq)
			return
		case f.SequenceID > p.lastSeq+1:
			missing := f.SequenceID - p.lastSeq - 1
			p.deps.Store.MarkDropped(missing)
			p.deps.Metrics.SequenceGaps.Inc()
			p.deps.Metrics.DroppedFrames.Add(float64(missing))
			p.deps.Events.Appendf(eventlog.Warning, "sequence gap: %d frame(s) missing before %d",
				missing, f.SequenceID)
		}
	}
	p.lastSeq, p.haveSeq = f.SequenceID, true

	p.deps.Store.Update(f)
	p.deps.Metrics.FramesDecoded.Inc()

	if r := p.deps.Recorder; r != nil {
		switch err := r.Record(f); {
		case err == nil:
			p.deps.Metrics.RecordedFrames.Inc()
		case errors.Is(err, recorder.ErrNotRecording):
		case errors.Is(err, recorder.ErrQueueFull):
			p.deps.Metrics.RecorderDrops.Inc()
		default:
			log.Warnf("app: record frame %d: %v", f.SequenceID, err)
		}
	}

	if d := p.deps.Detector; d != nil {
		for _, ev := range d.Check(f) {
			p.deps.Metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
			p.deps.Events.Appendf(eventlog.Warning, "detected %s", ev)
			p.publish(TopicEvent, ev)
			if p.deps.AutoRecord > 0 && d.ShouldTrigger(ev) {
				p.autoRecord(ev)
			}
		}
	}

	if p.deps.Publisher != nil {
		p.publish(TopicFrame, f)
		if f.HasGyro {
			p.publish(TopicOrientation, orientation.Project(p.deps.Store.Current().Orientation))
		}
	}
}

func (p *Pipeline) publish(topic string, v any) {
	if p.deps.Publisher == nil {
		return
	}
	if err := p.deps.Publisher.Publish(topic, v); err != nil {
		log.Debugf("app: publish %s: %v", topic, err)
	}
}

func (p *Pipeline) stateChanged(st transport.ConnectionState) {
	p.mu.Lock()
	prev := p.prevState
	p.prevState = st.Status
	p.mu.Unlock()

	p.deps.Metrics.ConnStatus.Set(float64(st.Status))
	if st.Status == transport.Connecting && prev == transport.Error {
		p.deps.Metrics.Reconnects.Inc()
	}
	p.publish(TopicState, st)
}

// StartLogging opens a recorder session. An empty name is replaced by the
// start time.
func (p *Pipeline) StartLogging(name string) (recorder.Session, error) {
	if p.deps.Recorder == nil {
		return recorder.Session{}, ErrRecorderDisabled
	}
	s, err := p.deps.Recorder.Start(name)
	if err != nil {
		return s, err
	}
	p.deps.Metrics.Recording.Set(1)
	p.deps.Events.Appendf(eventlog.Info, "logging started: session %d %q", s.ID, s.Name)
	return s, nil
}

// StopLogging closes the active session, manual or automatic.
func (p *Pipeline) StopLogging() (recorder.Session, error) {
	if p.deps.Recorder == nil {
		return recorder.Session{}, ErrRecorderDisabled
	}
	p.mu.Lock()
	if p.autoTimer != nil {
		p.autoTimer.Stop()
		p.autoTimer = nil
	}
	p.mu.Unlock()
	return p.stopRecording()
}

func (p *Pipeline) stopRecording() (recorder.Session, error) {
	s, err := p.deps.Recorder.Stop()
	if err != nil {
		return s, err
	}
	p.deps.Metrics.Recording.Set(0)
	p.deps.Events.Appendf(eventlog.Info, "logging stopped: session %d, %d frames", s.ID, s.Frames)
	return s, nil
}

// autoRecord starts a timed session for ev, or extends the running one. A
// manual session is left alone.
func (p *Pipeline) autoRecord(ev detect.Event) {
	r := p.deps.Recorder
	if r == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.autoTimer != nil {
		p.autoTimer.Reset(p.deps.AutoRecord)
		return
	}
	if _, active := r.Active(); active {
		return
	}

	name := fmt.Sprintf("auto %s %s", ev.Kind, ev.Time.Format("2006-01-02 15:04:05"))
	s, err := r.Start(name)
	if err != nil {
		log.Warnf("app: auto-record: %v", err)
		return
	}
	p.deps.Metrics.Recording.Set(1)
	p.deps.Events.Appendf(eventlog.Info, "auto-recording session %d for %s after %s",
		s.ID, p.deps.AutoRecord, ev.Kind)

	p.autoGen++
	gen := p.autoGen
	p.autoTimer = time.AfterFunc(p.deps.AutoRecord, func() { p.endAutoRecord(gen) })
}

func (p *Pipeline) endAutoRecord(gen uint64) {
	p.mu.Lock()
	if p.autoTimer == nil || p.autoGen != gen {
		p.mu.Unlock()
		return
	}
	p.autoTimer = nil
	p.mu.Unlock()

	if _, err := p.stopRecording(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		log.Warnf("app: auto-record stop: %v", err)
	}
}

// Status returns connection, recording and decoder state.
func (p *Pipeline) Status() Status {
	snap := p.deps.Store.Current()
	st := Status{
		Connection: p.transport.State(),
		Received:   snap.Received,
		Dropped:    snap.Dropped,
	}

	p.mu.Lock()
	st.Decoder = p.decStats
	st.AutoRecord = p.autoTimer != nil
	p.mu.Unlock()

	if r := p.deps.Recorder; r != nil {
		if s, ok := r.Active(); ok {
			st.Recording = &s
		}
		st.RecorderDropped = r.Dropped()
	}
	if d := p.deps.Detector; d != nil {
		if ev, ok := d.LastEvent(); ok {
			st.LastEvent = &ev
		}
	}
	return st
}

// sessionSink copies event log entries into the active recorder session.
type sessionSink struct{ r *recorder.Recorder }

func (s sessionSink) Write(e eventlog.Entry) error {
	err := s.r.RecordEvent(e)
	if errors.Is(err, recorder.ErrNotRecording) || errors.Is(err, recorder.ErrQueueFull) {
		return nil
	}
	return err
}

type publishSink struct{ p Publisher }

func (s publishSink) Write(e eventlog.Entry) error {
	return s.p.Publish(TopicLog, e)
}
