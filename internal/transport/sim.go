// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/autorec_blackbox/internal/imu"
	"github.com/relabs-tech/autorec_blackbox/internal/protocol"
)

const gravity = 9.80665

// SimSource generates a smooth, plausible drive: gentle sway on roll and
// pitch, a steady yaw sweep and a slowly varying ultrasound distance.
// Gyro carries the signed body rates in °/s that produce that attitude.
type SimSource struct {
	start time.Time
	now   func() time.Time
	seq   uint64
}

// NewSimSource returns a source whose clock starts now.
func NewSimSource() *SimSource {
	return &SimSource{start: time.Now(), now: time.Now}
}

// NextFrame implements imu.FrameSource.
func (s *SimSource) NextFrame() (imu.SensorFrame, error) {
	now := s.now()
	elapsed := now.Sub(s.start).Seconds()
	s.seq++

	roll := 20 * math.Sin(elapsed)
	pitch := 15 * math.Cos(elapsed*0.7)
	rollRate := 20 * math.Cos(elapsed)
	pitchRate := -10.5 * math.Sin(elapsed*0.7)
	const yawRate = 30.0

	r, p := roll*math.Pi/180, pitch*math.Pi/180
	return imu.SensorFrame{
		Timestamp:    now,
		DeviceMillis: uint32(elapsed * 1000),
		Accel: imu.Vec3{
			X: round(-gravity * math.Sin(p)),
			Y: round(gravity * math.Sin(r) * math.Cos(p)),
			Z: round(gravity * math.Cos(r) * math.Cos(p)),
		},
		Gyro:               imu.Vec3{X: round(rollRate), Y: round(pitchRate), Z: yawRate},
		HasGyro:            true,
		UltrasoundDistance: round(150 + 50*math.Sin(elapsed*0.3)),
		SequenceID:         s.seq,
	}, nil
}

// round keeps the encoded sentence short.
func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// SimOpener opens an in-process simulated Arduino that writes encoded
// sentences at Period.
type SimOpener struct {
	Period time.Duration
}

func (o SimOpener) Open(string) (io.ReadWriteCloser, error) {
	period := o.Period
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	pr, pw := io.Pipe()
	p := &simPort{pr: pr, stop: make(chan struct{})}
	go p.emit(NewSimSource(), pw, period)
	return p, nil
}

type simPort struct {
	pr   *io.PipeReader
	stop chan struct{}
	once sync.Once
}

func (p *simPort) emit(src imu.FrameSource, pw *io.PipeWriter, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			_ = pw.Close()
			return
		case <-ticker.C:
			f, err := src.NextFrame()
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(protocol.Encode(f)); err != nil {
				return
			}
		}
	}
}

func (p *simPort) Read(b []byte) (int, error) { return p.pr.Read(b) }

// Write accepts and ignores device commands.
func (p *simPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *simPort) Close() error {
	p.once.Do(func() {
		close(p.stop)
		_ = p.pr.Close()
	})
	return nil
}
