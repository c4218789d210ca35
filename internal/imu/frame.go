// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"math"
	"time"
)

// Vec3 is a three-axis reading.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns the Euclidean magnitude of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// SensorFrame represents a single decoded message from the black box.
// Frames are passed by value and never modified after decoding.
type SensorFrame struct {
	Timestamp    time.Time `json:"timestamp"`     // host receive time
	DeviceMillis uint32    `json:"device_millis"` // Arduino millis() at sampling

	Accel Vec3 `json:"accel"` // m/s²
	Gyro  Vec3 `json:"gyro"`  // °/s

	// HasGyro is false when the device sent empty gyro fields.
	HasGyro bool `json:"has_gyro"`

	UltrasoundDistance float64 `json:"ultrasound_cm"` // cm
	SequenceID         uint64  `json:"seq"`
}

// FrameSource is anything that yields frames one at a time.
type FrameSource interface {
	NextFrame() (SensorFrame, error)
}
