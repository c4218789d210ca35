// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package detect flags frames that look like a crash or a violent
// manoeuvre using fixed magnitude thresholds.
package detect

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/autorec_blackbox/internal/imu"
	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
)

// Kind names the threshold that fired.
type Kind string

const (
	HighAcceleration Kind = "high_acceleration"
	HighRotation     Kind = "high_rotation"
	HighJerk         Kind = "high_jerk"
	Rollover         Kind = "rollover"
)

// Thresholds configure the detector.
type Thresholds struct {
	Accel float64 // m/s²
	Gyro  float64 // °/s
	Jerk  float64 // m/s³
	// Tilt is the roll or pitch, in degrees from level, beyond which the
	// vehicle is taken to be on its side or roof.
	Tilt float64

	// Cooldown suppresses repeats of the same kind. It is measured in
	// device time so a replayed capture behaves like the live stream.
	Cooldown time.Duration
	// TriggerConfidence is the confidence above which an event should
	// start a recording.
	TriggerConfidence float64
}

// DefaultThresholds returns the thresholds used when config leaves them unset.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Accel:             15.0,
		Gyro:              200.0,
		Jerk:              50.0,
		Tilt:              90.0,
		Cooldown:          2 * time.Second,
		TriggerConfidence: 0.7,
	}
}

// Event is one detection.
type Event struct {
	Time       time.Time `json:"time"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	Magnitude  float64   `json:"magnitude"`
	Confidence float64   `json:"confidence"`
}

// Priority is "high" above 0.8 confidence, "medium" otherwise.
func (e Event) Priority() string {
	if e.Confidence > 0.8 {
		return "high"
	}
	return "medium"
}

func (e Event) String() string {
	return fmt.Sprintf("%s at seq %d: magnitude %.2f (confidence %.2f, %s)",
		e.Kind, e.Seq, e.Magnitude, e.Confidence, e.Priority())
}

// Detector checks frames one at a time. Check must be called from a
// single goroutine; LastEvent is safe from any.
type Detector struct {
	th Thresholds

	prev    imu.SensorFrame
	hasPrev bool
	fired   map[Kind]uint32 // device millis of the last event per kind

	mu       sync.Mutex
	last     Event
	haveLast bool
}

// New returns a detector with th.
func New(th Thresholds) *Detector {
	return &Detector{th: th, fired: make(map[Kind]uint32)}
}

// Thresholds returns the configured thresholds.
func (d *Detector) Thresholds() Thresholds { return d.th }

// Check returns the events raised by f, at most one per kind.
func (d *Detector) Check(f imu.SensorFrame) []Event {
	var events []Event

	if d.th.Accel > 0 {
		if m := f.Accel.Norm(); m > d.th.Accel {
			events = d.raise(events, f, HighAcceleration, m, d.th.Accel)
		}
	}
	if d.th.Gyro > 0 && f.HasGyro {
		if m := f.Gyro.Norm(); m > d.th.Gyro {
			events = d.raise(events, f, HighRotation, m, d.th.Gyro)
		}
	}
	if d.th.Jerk > 0 && d.hasPrev {
		// uint32 subtraction handles millis() wraparound
		if dt := float64(f.DeviceMillis-d.prev.DeviceMillis) / 1000; dt > 0 {
			if m := f.Accel.Sub(d.prev.Accel).Norm() / dt; m > d.th.Jerk {
				events = d.raise(events, f, HighJerk, m, d.th.Jerk)
			}
		}
	}
	if d.th.Tilt > 0 && f.Accel != (imu.Vec3{}) {
		tilt := orientation.TiltFromAccel(f.Accel)
		if m := max(math.Abs(tilt.Roll), math.Abs(tilt.Pitch)); m > d.th.Tilt {
			events = d.raise(events, f, Rollover, m, d.th.Tilt)
		}
	}

	d.prev = f
	d.hasPrev = true
	return events
}

func (d *Detector) raise(events []Event, f imu.SensorFrame, kind Kind, magnitude, threshold float64) []Event {
	// uint32 subtraction handles millis() wraparound
	if at, ok := d.fired[kind]; ok && time.Duration(f.DeviceMillis-at)*time.Millisecond < d.th.Cooldown {
		return events
	}
	d.fired[kind] = f.DeviceMillis

	e := Event{
		Time:       f.Timestamp,
		Seq:        f.SequenceID,
		Kind:       kind,
		Magnitude:  magnitude,
		Confidence: min(magnitude/threshold, 1.0),
	}
	d.mu.Lock()
	d.last, d.haveLast = e, true
	d.mu.Unlock()
	return append(events, e)
}

// ShouldTrigger reports whether e warrants starting a recording.
func (d *Detector) ShouldTrigger(e Event) bool {
	return e.Confidence > d.th.TriggerConfidence
}

// LastEvent returns the most recent detection.
func (d *Detector) LastEvent() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.haveLast
}

// Reset forgets the previous frame and the cooldowns, since the device
// clock may restart with a new link.
func (d *Detector) Reset() {
	d.hasPrev = false
	clear(d.fired)
}
