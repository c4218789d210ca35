// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package protocol implements the black box serial wire format.
//
// The Arduino sketch writes one NMEA 0183 style proprietary sentence per
// sample:
//
//	$PARBB,<seq>,<millis>,<ax>,<ay>,<az>,<gx>,<gy>,<gz>,<dist>*HH\r\n
//
// seq and millis are unsigned integers, acceleration is m/s², angular rate
// is °/s and the ultrasound distance is cm. The three gyro fields are left
// empty when the gyroscope is not fitted. HH is the XOR of every byte
// between '$' and '*', in upper-case hex.
package protocol

import (
	"fmt"
	"strconv"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/relabs-tech/autorec_blackbox/internal/imu"
)

const (
	// Prefix is the sentence address as it appears after '$'.
	Prefix = "PARBB"
	// SentenceType is the go-nmea data type of a proprietary PARBB sentence.
	SentenceType = "ARBB"

	fieldCount = 9
)

// Sentence is a parsed PARBB sentence.
type Sentence struct {
	nmea.BaseSentence
	Seq      uint64
	Millis   uint32
	Accel    imu.Vec3
	Gyro     imu.Vec3
	HasGyro  bool
	Distance float64
}

// newSentence is registered with go-nmea as the custom parser for ARBB.
func newSentence(s nmea.BaseSentence) (nmea.Sentence, error) {
	if len(s.Fields) != fieldCount {
		return nil, fmt.Errorf("protocol: %s has %d fields, want %d", Prefix, len(s.Fields), fieldCount)
	}
	for i, name := range []string{"sequence", "millis", "accel x", "accel y", "accel z"} {
		if s.Fields[i] == "" {
			return nil, fmt.Errorf("protocol: empty %s", name)
		}
	}
	if s.Fields[8] == "" {
		return nil, fmt.Errorf("protocol: empty distance")
	}

	gyroFields := 0
	for _, f := range s.Fields[5:8] {
		if f != "" {
			gyroFields++
		}
	}
	if gyroFields != 0 && gyroFields != 3 {
		return nil, fmt.Errorf("protocol: partial gyro reading")
	}

	seq, err := strconv.ParseUint(s.Fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: sequence %q: %w", s.Fields[0], err)
	}
	millis, err := strconv.ParseUint(s.Fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("protocol: millis %q: %w", s.Fields[1], err)
	}

	p := nmea.NewParser(s)
	p.AssertType(SentenceType)
	m := Sentence{
		BaseSentence: s,
		Seq:          seq,
		Millis:       uint32(millis),
		Accel: imu.Vec3{
			X: p.Float64(2, "accel x"),
			Y: p.Float64(3, "accel y"),
			Z: p.Float64(4, "accel z"),
		},
		HasGyro:  gyroFields == 3,
		Distance: p.Float64(8, "distance"),
	}
	if m.HasGyro {
		m.Gyro = imu.Vec3{
			X: p.Float64(5, "gyro x"),
			Y: p.Float64(6, "gyro y"),
			Z: p.Float64(7, "gyro z"),
		}
	}
	return m, p.Err()
}

// Encode renders f as a complete sentence including the trailing CRLF.
// Timestamp is host-side and is not transmitted.
func Encode(f imu.SensorFrame) []byte {
	gyro := ",,"
	if f.HasGyro {
		gyro = formatFloat(f.Gyro.X) + "," + formatFloat(f.Gyro.Y) + "," + formatFloat(f.Gyro.Z)
	}
	body := fmt.Sprintf("%s,%d,%d,%s,%s,%s,%s,%s",
		Prefix,
		f.SequenceID,
		f.DeviceMillis,
		formatFloat(f.Accel.X), formatFloat(f.Accel.Y), formatFloat(f.Accel.Z),
		gyro,
		formatFloat(f.UltrasoundDistance),
	)
	return []byte("$" + body + "*" + nmea.Checksum(body) + "\r\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
