// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package orientation derives the displayed vehicle attitude from sensor
// frames and projects it onto a 3D transform.
package orientation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/relabs-tech/autorec_blackbox/internal/imu"
)

// OrientationState is the attitude shown by the visualization, in degrees,
// each axis normalized to [0, 360).
type OrientationState struct {
	RotationX float64 `json:"rotation_x"`
	RotationY float64 `json:"rotation_y"`
	RotationZ float64 `json:"rotation_z"`
}

// Normalize wraps deg into [0, 360). Non-finite input maps to 0.
func Normalize(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	// -1e-15 + 360 rounds to 360
	if d >= 360 {
		d = 0
	}
	return d
}

// FromGyro maps a gyroscope triple directly onto the three rotation axes.
func FromGyro(g imu.Vec3) OrientationState {
	return OrientationState{
		RotationX: Normalize(g.X),
		RotationY: Normalize(g.Y),
		RotationZ: Normalize(g.Z),
	}
}

// Mode selects how gyroscope readings become an OrientationState.
type Mode int

const (
	// Direct shows the latest gyro triple as the rotation.
	Direct Mode = iota
	// Integrate accumulates angular rate over device time.
	Integrate
)

func (m Mode) String() string {
	if m == Integrate {
		return "integrate"
	}
	return "direct"
}

// ParseMode accepts "direct" or "integrate".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return Direct, nil
	case "integrate":
		return Integrate, nil
	}
	return Direct, fmt.Errorf("orientation: unknown mode %q", s)
}

// Integrator accumulates gyro rate (°/s) against the device millisecond
// clock. The zero value starts at the origin.
type Integrator struct {
	state  OrientationState
	last   uint32
	primed bool
}

// maxStep caps the integration step so a long gap (reconnect, paused
// stream) does not spin the model.
const maxStep = 250 * time.Millisecond

// Update advances the state with one frame and returns it.
func (in *Integrator) Update(f imu.SensorFrame) OrientationState {
	if !f.HasGyro {
		return in.state
	}
	if !in.primed {
		in.primed = true
		in.last = f.DeviceMillis
		return in.state
	}
	// uint32 subtraction handles millis() wraparound
	step := time.Duration(f.DeviceMillis-in.last) * time.Millisecond
	in.last = f.DeviceMillis
	if step > maxStep {
		step = maxStep
	}
	dt := step.Seconds()
	in.state = OrientationState{
		RotationX: Normalize(in.state.RotationX + f.Gyro.X*dt),
		RotationY: Normalize(in.state.RotationY + f.Gyro.Y*dt),
		RotationZ: Normalize(in.state.RotationZ + f.Gyro.Z*dt),
	}
	return in.state
}

// Reset returns to the origin and waits for a new first frame.
func (in *Integrator) Reset() { *in = Integrator{} }

// Tilt is roll and pitch estimated from gravity alone.
type Tilt struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
}

// TiltFromAccel computes roll and pitch from accelerometer data only.
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func TiltFromAccel(a imu.Vec3) Tilt {
	rollRad := math.Atan2(a.Y, a.Z)
	pitchRad := math.Atan2(-a.X, math.Sqrt(a.Y*a.Y+a.Z*a.Z))

	return Tilt{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
	}
}
