// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package telemetry holds the latest sensor reading and a bounded history
// for the UI. There is one writer (the pipeline) and any number of readers,
// which only ever see copies.
package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/relabs-tech/autorec_blackbox/internal/imu"
	"github.com/relabs-tech/autorec_blackbox/internal/orientation"
)

// DefaultCapacity is the history length used for non-positive capacities.
const DefaultCapacity = 1024

// ErrNoNewData is returned by Since when the cursor is already current.
var ErrNoNewData = errors.New("telemetry: no new data")

// TelemetryState is an immutable point-in-time copy of the store.
type TelemetryState struct {
	Latest      imu.SensorFrame              `json:"latest"`
	HasFrame    bool                         `json:"has_frame"`
	Orientation orientation.OrientationState `json:"orientation"`
	Tilt        orientation.Tilt             `json:"tilt"`
	History     []imu.SensorFrame            `json:"history"` // oldest first
	Received    uint64                       `json:"received"`
	Dropped     uint64                       `json:"dropped"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// Store is safe for one concurrent writer and many readers.
type Store struct {
	lock sync.RWMutex

	mode       orientation.Mode
	integrator orientation.Integrator

	ring    []imu.SensorFrame
	counter uint64 // frames ever written; next slot is counter % len(ring)

	latest    imu.SensorFrame
	hasFrame  bool
	orient    orientation.OrientationState
	tilt      orientation.Tilt
	dropped   uint64
	updatedAt time.Time
}

// NewStore returns an empty store keeping capacity frames of history.
func NewStore(capacity int, mode orientation.Mode) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		mode: mode,
		ring: make([]imu.SensorFrame, capacity),
	}
}

// Capacity returns the history bound.
func (s *Store) Capacity() int { return len(s.ring) }

// Update records a fully decoded frame. Orientation only changes for frames
// that carry gyroscope data.
func (s *Store) Update(f imu.SensorFrame) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.latest = f
	s.hasFrame = true
	s.tilt = orientation.TiltFromAccel(f.Accel)
	if f.HasGyro {
		if s.mode == orientation.Integrate {
			s.orient = s.integrator.Update(f)
		} else {
			s.orient = orientation.FromGyro(f.Gyro)
		}
	}

	s.ring[s.counter%uint64(len(s.ring))] = f
	s.counter++
	s.updatedAt = f.Timestamp
	if s.updatedAt.IsZero() {
		s.updatedAt = time.Now()
	}
}

// MarkDropped adds n frames lost to sequence gaps.
func (s *Store) MarkDropped(n uint64) {
	s.lock.Lock()
	s.dropped += n
	s.lock.Unlock()
}

// ResetLink is called when a new link starts: the integrator waits for a
// fresh reference frame. History is kept.
func (s *Store) ResetLink() {
	s.lock.Lock()
	s.integrator.Reset()
	s.lock.Unlock()
}

// Snapshot returns a copy that shares no memory with the store.
func (s *Store) Snapshot() TelemetryState {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return TelemetryState{
		Latest:      s.latest,
		HasFrame:    s.hasFrame,
		Orientation: s.orient,
		Tilt:        s.tilt,
		History:     s.historyLocked(s.counter - s.size()),
		Received:    s.counter,
		Dropped:     s.dropped,
		UpdatedAt:   s.updatedAt,
	}
}

// Current is Snapshot without the history, for callers polling at the
// frame rate.
func (s *Store) Current() TelemetryState {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return TelemetryState{
		Latest:      s.latest,
		HasFrame:    s.hasFrame,
		Orientation: s.orient,
		Tilt:        s.tilt,
		Received:    s.counter,
		Dropped:     s.dropped,
		UpdatedAt:   s.updatedAt,
	}
}

// Since returns the frames written since Received was cursor, oldest
// first, and the new cursor. Pass 0 to start from the oldest. A cursor that
// fell out of the ring resumes at the oldest frame still held.
func (s *Store) Since(cursor uint64) ([]imu.SensorFrame, uint64, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if cursor >= s.counter {
		return nil, s.counter, ErrNoNewData
	}
	if oldest := s.counter - s.size(); cursor < oldest {
		cursor = oldest
	}
	return s.historyLocked(cursor), s.counter, nil
}

func (s *Store) size() uint64 {
	if n := uint64(len(s.ring)); s.counter > n {
		return n
	}
	return s.counter
}

// historyLocked copies frames [from, counter).
func (s *Store) historyLocked(from uint64) []imu.SensorFrame {
	out := make([]imu.SensorFrame, 0, s.counter-from)
	n := uint64(len(s.ring))
	for i := from; i < s.counter; i++ {
		out = append(out, s.ring[i%n])
	}
	return out
}
